package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	vshttp "github.com/ShalakaSonawane1/vendorscope/internal/http"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API, crawl scheduler and indexing workers",
	Long: `Start the REST API. Unless scheduler.enabled is false the process also runs
crawl workers, resumes interrupted indexing and queues periodic recrawls.

With dispatch.provider=nats, several serve processes may share one queue; a
per-vendor lease in the database keeps crawls exclusive.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

// serve runs until ctx is cancelled, then shuts down in dependency order.
func serve(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	srvCfg := vshttp.ConfigFromSettings(a.cfg.Server, a.cfg.Crawler)
	srvCfg.Version = version
	srv, err := vshttp.NewServer(vshttp.Deps{
		Store:       a.store,
		Index:       a.index,
		Crawls:      a.scheduler,
		Answers:     a.answers,
		Comparisons: a.compare,
	}, logger.Named("http"), srvCfg)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	if a.cfg.Scheduler.Enabled {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		defer a.scheduler.Stop()
		logger.Info("scheduler started",
			zap.String("owner", a.scheduler.Owner()),
			zap.Int("workers", a.cfg.Scheduler.Workers),
			zap.String("dispatch", a.cfg.Dispatch.Provider))
	} else {
		logger.Info("scheduler disabled; crawl requests are only queued")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}
