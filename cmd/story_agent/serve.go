package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jonathan/story-ingest/internal/dispatch"
	"github.com/jonathan/story-ingest/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion API server",
	Long:  `Start an HTTP server that exposes job endpoints for fetching, extracting and generating stories.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := cfg.RequireDatabase(); err != nil {
		return err
	}
	if err := cfg.RequireLLM(); err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := postgresStores(ctx, cfg.Database)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, st, log, appOptions{withDispatcher: true})
	if err != nil {
		st.close()
		return err
	}
	defer a.Close()

	if n, ok := a.dispatcher.(*dispatch.NATS); ok {
		if _, err := n.Subscribe(ctx, a.svc.HandleTask); err != nil {
			return fmt.Errorf("failed to subscribe to tasks: %w", err)
		}
	}

	srvCfg := server.ConfigFrom(&cfg)
	srvCfg.HealthCheck = st.health
	srv, err := server.New(a.svc, srvCfg, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	log.Info("starting story_agent",
		zap.String("dispatch", cfg.Dispatch.Backend),
		zap.String("ratelimit", cfg.RateLimit.Backend))
	return srv.Start(ctx)
}

// commandContext returns the command's context, or Background when run outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
