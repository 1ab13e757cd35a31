package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/canvas-watch/internal/browser"
	"github.com/GriffinCanCode/canvas-watch/internal/config"
	"github.com/GriffinCanCode/canvas-watch/internal/orchestrator"
	"github.com/GriffinCanCode/canvas-watch/internal/orchestrator/delivery"
	"github.com/GriffinCanCode/canvas-watch/internal/server"
)

var watchURL string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open a page, watch its canvases and serve the catalog over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if watchURL != "" {
			cfg.PageURL = watchURL
			if err := cfg.Validate(); err != nil {
				return err
			}
		}
		if cfg.PageURL == "" {
			return errors.New("no page to watch: pass --url or set PAGE_URL")
		}
		setupLogging(cfg)
		return runWatch(cmd.Context(), cfg)
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", "", "page to open")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(ctx context.Context, cfg *config.Config) error {
	bm := browser.NewManager(browser.Config{
		RemoteURL: cfg.BrowserURL,
		Headless:  cfg.BrowserHeadless,
		Stealth:   cfg.BrowserStealth,
	})
	if err := bm.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = bm.Close() }()

	page, err := bm.OpenPage(ctx, cfg.PageURL, cfg.CanvasSelector)
	if err != nil {
		return err
	}

	orch := orchestrator.New(cfg, page, sinkFactory(cfg))
	srv := server.New(orch)
	defer srv.Close()

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("canvaswatch starting", "http", cfg.HTTPAddr, "page", cfg.PageURL)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	sess, err := orch.Start(ctx, orch.Defaults())
	if err != nil {
		slog.Error("initial session failed", "error", err)
	} else {
		slog.Info("session started", "session", sess.ID, "surfaces", sess.Surfaces)
	}

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	orch.Stop()
	slog.Info("shutdown complete")
	return nil
}

// sinkFactory delivers to a per-session subdirectory of the frames
// directory and, when configured, a webhook. Frame names restart with every
// session, so sessions never share a directory.
func sinkFactory(cfg *config.Config) orchestrator.SinkFactory {
	return func(sessionID string) delivery.Sink {
		var sinks delivery.Multi
		if cfg.DeliverDir != "" {
			sinks = append(sinks, delivery.NewDir(filepath.Join(cfg.DeliverDir, sessionID)))
		}
		if cfg.WebhookURL != "" {
			client := &http.Client{Timeout: delivery.DefaultWebhookTimeout}
			sinks = append(sinks, delivery.NewWebhook(cfg.WebhookURL, sessionID, client))
		}
		switch len(sinks) {
		case 0:
			return nil
		case 1:
			return sinks[0]
		}
		return sinks
	}
}
