package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/allyhub/messaging/internal/client"
	"github.com/allyhub/messaging/internal/config"
)

// session bundles what every server-facing command needs.
type session struct {
	cfg    *config.ClientConfig
	token  string
	store  *client.StoreClient
	logger *slog.Logger
}

func newSession(cmd *cobra.Command) (*session, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}
	if server, _ := cmd.Flags().GetString("server"); server != "" {
		cfg.ServerURL = server
	}
	token := cfg.Token
	if flagToken, _ := cmd.Flags().GetString("token"); flagToken != "" {
		token = flagToken
	}
	if token == "" {
		return nil, errors.New("no token: set CHAT_TOKEN or pass --token (see `chatcli token`)")
	}

	level := slog.LevelWarn
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))

	return &session{
		cfg:    cfg,
		token:  token,
		store:  client.NewStoreClient(cfg.ServerURL, token, cfg.RequestTimeout),
		logger: logger,
	}, nil
}
