package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/motorworks/enginesync/internal/config"
	"github.com/motorworks/enginesync/internal/db"
	"github.com/motorworks/enginesync/internal/httpapi"
)

func main() {
	root := &cobra.Command{
		Use:   "enginesync",
		Short: "Synchronization server for the shop data platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
		SilenceUsage: true,
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogging(cfg)
			return db.RunMigrations(cfg.Database.URL())
		},
	})

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if lvl, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	log.Logger = log.With().Str("service", "enginesync").Logger()

	// Pretty logging for local dev
	if cfg.Log.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx := context.Background()

	if err := db.RunMigrations(cfg.Database.URL()); err != nil {
		return err
	}

	pool, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	srv := httpapi.NewServer(pool, cfg)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout),
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout))
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
	return nil
}
