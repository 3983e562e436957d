package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/allyhub/messaging/internal/auth"
	"github.com/allyhub/messaging/internal/config"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development token",
	Long:  `Sign a token for a user with AUTH_SECRET. Only useful against a server sharing the secret.`,
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().String("user", "", "User id to issue the token for")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	tokenCmd.MarkFlagRequired("user")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	user, _ := cmd.Flags().GetString("user")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	token, err := auth.NewTokens(cfg.Secret, ttl).Issue(user)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
