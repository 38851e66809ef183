package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petquest/petquest/internal/cache"
	"github.com/petquest/petquest/internal/config"
	"github.com/petquest/petquest/internal/httpserver"
	"github.com/petquest/petquest/internal/queue"
	"github.com/petquest/petquest/internal/store"
	"github.com/petquest/petquest/internal/worker"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	var configPath string

	root := &cobra.Command{
		Use:           "petquest",
		Short:         "petquest activity ingestion pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "api",
		Short: "run the webhook ingestion gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAPI(configPath, log)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "worker",
		Short: "run the normalizer and reconciliation workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(configPath, log)
		},
	})

	if err := root.Execute(); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// runAPI boots the gateway: config → DB → schema → queue → HTTP server.
func runAPI(configPath string, log *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	db, err := store.NewPostgresStore(cfg.DBURL)
	if err != nil {
		return err
	}
	defer db.Close()

	// Ensure required tables/indexes exist so `docker compose up` is enough.
	if err := db.EnsureSchema(); err != nil {
		return err
	}

	q := queue.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer q.Close()

	c := cache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer c.Close()

	router := httpserver.NewRouter(cfg, db, q, c, log)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", "addr", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runWorker boots both consumer stages and blocks until shutdown.
func runWorker(configPath string, log *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	db, err := store.NewPostgresStore(cfg.DBURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.EnsureSchema(); err != nil {
		return err
	}

	q := queue.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer q.Close()

	c := cache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("worker starting", "group", cfg.Worker.Group, "consumer", cfg.Worker.Consumer)
	runner := worker.NewRunner(cfg.Worker, cfg.Economy, db, q, c, log)
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("worker stopped")
	return nil
}
