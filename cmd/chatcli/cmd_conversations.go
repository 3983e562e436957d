package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/allyhub/messaging/internal/auth"
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations",
	RunE:    runConversations,
}

func init() {
	conversationsCmd.Flags().Bool("archived", false, "Include archived conversations")
}

func runConversations(cmd *cobra.Command, args []string) error {
	sess, err := newSession(cmd)
	if err != nil {
		return err
	}
	archived, _ := cmd.Flags().GetBool("archived")
	self, err := auth.UserIDOf(sess.token)
	if err != nil {
		return err
	}

	convs, err := sess.store.ListConversations(cmd.Context(), archived)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No conversations yet.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWITH\tUNREAD\tLAST\tPREVIEW")
	for _, conv := range convs {
		last := "-"
		if conv.LastMessageAt != nil {
			last = conv.LastMessageAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", conv.ID, conv.Peer(self), conv.UnreadCount, last, conv.LastMessagePreview)
	}
	return w.Flush()
}
