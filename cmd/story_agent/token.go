package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonathan/story-ingest/internal/server"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for the job API",
	Long:  "Sign an HS256 token with auth.jwt_secret for clients of a server started with auth enabled.",
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Token subject, recorded in server logs (required)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", server.DefaultTokenTTL, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("subject")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, _, err := setup()
	if err != nil {
		return err
	}
	svc, err := server.NewJWTService(cfg.Auth)
	if err != nil {
		return err
	}
	token, err := svc.GenerateToken(tokenSubject, tokenTTL)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}
