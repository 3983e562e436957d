package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/allyhub/messaging/internal/auth"
	"github.com/allyhub/messaging/internal/client"
	"github.com/allyhub/messaging/internal/controller"
	"github.com/allyhub/messaging/internal/domain"
	"github.com/allyhub/messaging/internal/presence"
)

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Chat in a conversation",
	Long: `Open a conversation interactively. Typed lines are sent as messages.

Commands:
  /file <path>   upload a file and send it
  /older         load older messages
  /quit          leave the conversation`,
	RunE: runOpen,
}

func init() {
	openCmd.Flags().String("to", "", "Peer user id (creates the conversation if needed)")
	openCmd.Flags().String("conversation", "", "Existing conversation id")
}

func runOpen(cmd *cobra.Command, args []string) error {
	sess, err := newSession(cmd)
	if err != nil {
		return err
	}
	self, err := auth.UserIDOf(sess.token)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	conv, err := resolveConversation(ctx, cmd, sess)
	if err != nil {
		return err
	}

	// The channel is optional: without it the view still works from the store.
	channel := client.NewChannelClient(sess.cfg.ServerURL, sess.token, sess.logger)
	var ctrlChannel presence.Channel
	if err := channel.Connect(ctx); err != nil {
		sess.logger.Warn("live updates unavailable", "error", err)
	} else {
		defer channel.Disconnect()
		ctrlChannel = channel
	}

	ctrl := controller.New(*conv, self, sess.store, ctrlChannel, controller.Options{
		TypingIdle:          sess.cfg.TypingIdle,
		RemoteTypingTimeout: sess.cfg.RemoteTypingTimeout,
		Logger:              sess.logger,
	})
	defer ctrl.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Chatting with %s in %s. /quit to leave.\n", conv.Peer(self), conv.ID)

	renderDone := make(chan struct{})
	go func() {
		defer close(renderDone)
		r := newRenderer(out)
		for range ctrl.Updates() {
			r.render(ctrl.View())
		}
	}()

	if err := ctrl.Open(ctx); err != nil {
		fmt.Fprintf(out, "! could not load history: %v\n", err)
	}
	ctrl.SetFocused(true)

	readInput(ctx, cmd.InOrStdin(), out, sess, ctrl)

	ctrl.Close()
	<-renderDone
	return nil
}

func resolveConversation(ctx context.Context, cmd *cobra.Command, sess *session) (*domain.Conversation, error) {
	to, _ := cmd.Flags().GetString("to")
	convID, _ := cmd.Flags().GetString("conversation")
	switch {
	case convID != "":
		return sess.store.GetConversation(ctx, convID)
	case to != "":
		return sess.store.OpenConversation(ctx, to)
	}
	return nil, errors.New("pass --to <user> or --conversation <id>")
}

func readInput(ctx context.Context, in io.Reader, out io.Writer, sess *session, ctrl *controller.Controller) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			continue
		case trimmed == "/quit":
			fmt.Fprintln(out, "Bye!")
			return
		case trimmed == "/older":
			ctrl.LoadOlder()
		case strings.HasPrefix(trimmed, "/file "):
			path := strings.TrimSpace(strings.TrimPrefix(trimmed, "/file "))
			ref, err := upload(ctx, sess.store, path)
			if err != nil {
				fmt.Fprintf(out, "! upload failed: %v\n", err)
				continue
			}
			ctrl.AttachFile(ref)
			ctrl.SetInput("")
			ctrl.Send()
		default:
			ctrl.SetInput(line)
			ctrl.Send()
		}
	}
}

func upload(ctx context.Context, store *client.StoreClient, path string) (*domain.AttachmentRef, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return store.UploadAttachment(ctx, filepath.Base(path), f)
}
