package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"marginalia/api/internal/app"
	"marginalia/api/internal/config"
	"marginalia/api/internal/history"
	"marginalia/api/internal/remote"
	"marginalia/api/internal/render"
	"marginalia/api/internal/search"
	"marginalia/api/internal/store"
	"marginalia/api/internal/viewer"
)

const labelPointsTTL = 10 * time.Minute

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the annotation HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if _, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	layout := viewer.NewLayout(cfg.PageLabels)
	bus := viewer.NewBus(logger)
	deps := app.Deps{
		Store:   store.NewPostgresStore(db),
		History: history.New(cfg.HistoryDir),
		Layout:  layout,
		Bus:     bus,
		Logger:  logger,
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	deps.Search = search.NewService(meiliClient, pgfts, logger)

	var feed *remote.Feed
	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := remote.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, remote edits disabled", "error", err)
		} else {
			defer client.Close()
			feed = remote.NewFeed(client, cfg.DocumentID, logger)
			feed.UseChannel(cfg.RedisChannel)
			feed.UseRenderTimeout(cfg.RenderTimeout)
			deps.Feed = feed
			deps.Labeler = remote.NewPointsCache(client, cfg.DocumentID, layout, labelPointsTTL, logger)
		}
	}

	if strings.TrimSpace(cfg.ViewerURL) != "" {
		chrome, err := render.NewChrome(render.Options{
			ViewerURL: cfg.ViewerURL,
			Timeout:   cfg.RenderTimeout,
			Logger:    logger,
		})
		if err != nil {
			logger.Warn("image rendering disabled", "error", err)
		} else {
			defer chrome.Close()
			deps.Renderer = chrome
		}
	}

	service := app.New(cfg, deps)
	if err := service.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	if feed != nil {
		go func() {
			if err := feed.Run(ctx); err != nil {
				logger.Error("remote feed stopped", "error", err)
			}
		}()
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.RenderTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("marginalia API listening", "addr", cfg.Addr, "document", cfg.DocumentID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	service.Close(shutdownCtx)
	return nil
}
