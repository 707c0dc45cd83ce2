package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/synqronlabs/mailauth"
	"github.com/synqronlabs/mailauth/internal/httpapi"
	"github.com/synqronlabs/mailauth/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve evaluations over HTTP",
	Long: `Runs the HTTP server:

  POST /check    evaluate a message
  GET  /healthz  liveness
  GET  /metrics  Prometheus metrics

The server stops gracefully on SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := mailauth.New(cfg.Engine(),
			mailauth.WithLogger(logging.Slog(log.With().Str("component", "engine").Logger())))
		if err != nil {
			return fmt.Errorf("creating engine: %w", err)
		}

		srv := httpapi.NewServer(engine, httpapi.Options{
			Addr:         cfg.Server.Listen,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			MaxBodyBytes: cfg.Server.MaxBodyBytes,
			AuthservID:   cfg.Server.AuthservID,
			Logger:       log.With().Str("component", "http").Logger(),
		})

		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case err := <-errc:
			return fmt.Errorf("server failed: %w", err)
		case <-quit:
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		if err := <-errc; err != nil {
			return err
		}
		log.Info().Msg("server exited")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", ":8080", "Address to listen on")
	_ = viper.BindPFlag("server.listen", serveCmd.Flags().Lookup("listen"))
}
