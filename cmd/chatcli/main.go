package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "1.0.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chatcli",
	Short: "Terminal client for the messaging server",
	Long: `chatcli talks to a messaging server: list conversations and chat in
one conversation with live typing indicators and read receipts.

Examples:
  # Mint a development token (uses AUTH_SECRET)
  chatcli token --user alice

  # List conversations
  CHAT_TOKEN=... chatcli conversations

  # Chat with bob
  CHAT_TOKEN=... chatcli open --to bob`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(openCmd)

	rootCmd.PersistentFlags().String("server", "", "Server base URL (default $CHAT_SERVER_URL)")
	rootCmd.PersistentFlags().String("token", "", "Bearer token (default $CHAT_TOKEN)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
}
