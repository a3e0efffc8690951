package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/engine"
	"github.com/michaelbrown/runbox/internal/logger"
	"github.com/michaelbrown/runbox/internal/metrics"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/server"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the runbox HTTP server",
	Long: `Start the runbox HTTP server backed by the local Docker daemon.

Examples:
  runbox serve
  runbox serve --port 9090
  RUNBOX_LOG_FORMAT=json runbox serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync()

	opts, err := sandbox.OptionsFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("building sandbox options: %w", err)
	}

	eng, err := engine.NewDocker(engine.DockerConfig{Host: cfg.Engine.DockerHost, PublishIP: cfg.Engine.PublishIP}, log)
	if err != nil {
		return err
	}
	defer eng.Close()

	pingCtx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	err = eng.Ping(pingCtx)
	cancel()
	if err != nil {
		log.Warn("docker daemon not reachable yet; requests will fail until it is", zap.Error(err))
	}

	m := metrics.New()
	svc := sandbox.New(eng, opts, log, m)
	if err := svc.Init(context.Background()); err != nil {
		return err
	}

	// Determine port
	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(cfg, svc, log, m)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		sig := <-sigCh
		log.Info("shutdown requested", zap.String("signal", sig.String()))
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := svc.Shutdown(ctx); err != nil {
			log.Warn("sandbox shutdown", zap.Error(err))
		}
	}()

	if err := srv.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-done
	return nil
}
