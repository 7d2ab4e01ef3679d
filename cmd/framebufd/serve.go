package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"framebufd/internal/api"
	"framebufd/internal/config"
	"framebufd/internal/fetch"
	"framebufd/internal/logger"
	"framebufd/internal/session"

	"github.com/spf13/cobra"
)

type serveOptions struct {
	configFile string
	listenAddr string
	logLevel   string
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the frame buffering HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.configFile, "config", "c", "framebufd.toml", "Path to the TOML config file")
	flags.StringVarP(&opts.listenAddr, "listen", "l", "", "HTTP listen address (overrides config)")
	flags.StringVarP(&opts.logLevel, "log-level", "L", "", "Log level: error, warn, info, debug (overrides config)")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	// 1. Load configuration
	cfg, err := config.LoadConfig(opts.configFile)
	if err != nil {
		return err
	}
	if opts.listenAddr != "" {
		cfg.Listen = opts.listenAddr
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}

	// 2. Initialize logger
	log := logger.New(os.Stdout, cfg.LogLevel, cfg.LogFormat).With("service", cfg.Name)
	log.Infof("Starting frame buffering proxy...")
	log.Infof("Configuration loaded with %d sources, log level %s", len(cfg.Sources), cfg.LogLevel)

	// 3. Initialize services and managers
	client := fetch.NewClient(log, cfg.UserAgent, cfg.Playback.RequestTimeout, cfg.Playback.RateLimit)
	sessionMgr := session.NewManager(log, cfg, client)
	if err := sessionMgr.Start(); err != nil {
		sessionMgr.Stop()
		return err
	}

	// 4. Set up and run the HTTP server with graceful shutdown
	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: api.New(sessionMgr, log),
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Server starting on %s", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErr:
		log.Errorf("Could not listen on %s: %v", cfg.Listen, err)
		sessionMgr.Stop()
		return err
	case <-ctx.Done():
	}
	log.Infof("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server shutdown failed: %v", err)
		sessionMgr.Stop()
		return err
	}
	sessionMgr.Stop()

	log.Infof("Server exited gracefully")
	return nil
}
