package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lysyi3m/examwatch/app/api"
	"github.com/lysyi3m/examwatch/app/archive"
	"github.com/lysyi3m/examwatch/app/cfg"
	"github.com/lysyi3m/examwatch/app/crawler"
	"github.com/lysyi3m/examwatch/app/database"
	"github.com/lysyi3m/examwatch/app/dedup"
	"github.com/lysyi3m/examwatch/app/feed"
	"github.com/lysyi3m/examwatch/app/fetch"
	"github.com/lysyi3m/examwatch/app/metrics"
	"github.com/lysyi3m/examwatch/app/report"
	"github.com/lysyi3m/examwatch/app/site"
	"github.com/lysyi3m/examwatch/app/storage"
	"github.com/lysyi3m/examwatch/app/tasks"
)

func main() {
	os.Exit(run())
}

func run() int {
	appCfg, err := cfg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 2
	}
	if appCfg == nil {
		return 0
	}

	closeLog, err := setupLogging(appCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		return 2
	}
	defer closeLog()

	slog.Info("Starting examwatch", "version", appCfg.Version, "once", appCfg.Once)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, err := site.Load(appCfg.SitesFile)
	if err != nil {
		slog.Error("Failed to load site configurations", "file", appCfg.SitesFile, "error", err)
		return 1
	}

	registry := crawler.DefaultRegistry()
	if err := registry.Check(settings); err != nil {
		slog.Error("Invalid site configuration", "error", err)
		return 1
	}
	slog.Info("Loaded site configurations", "sites", len(settings.Sites), "enabled", len(settings.Enabled()), "variants", registry.Variants())

	db, err := database.Open(ctx, appCfg.DBPath)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		return 1
	}
	defer db.Close()

	siteRepo := db.Sites()
	recordRepo := db.Records()
	reportRepo := db.Reports()

	if err := siteRepo.Sync(ctx, settings.Sites); err != nil {
		slog.Error("Failed to register sites in database", "error", err)
		return 1
	}

	index := dedup.New()
	if err := index.Rebuild(ctx, recordRepo); err != nil {
		slog.Error("Failed to rebuild fingerprint index", "error", err)
		return 1
	}

	var sink storage.Sink = recordRepo
	if appCfg.ArchiveDir != "" {
		fileSink, err := archive.NewFileSink(appCfg.ArchiveDir)
		if err != nil {
			slog.Error("Failed to set up record archive", "error", err)
			return 1
		}
		sink = storage.NewMirror(recordRepo, fileSink)
		slog.Info("Record archive enabled", "dir", appCfg.ArchiveDir)
	}

	fetcher := fetch.NewClient(fetch.Options{
		UserAgent:   appCfg.UserAgent,
		MaxAttempts: appCfg.MaxAttempts,
	})

	collectors := metrics.New()
	collectors.SetIndexSize(index.Len())

	scheduler, err := tasks.NewScheduler(tasks.Options{
		Settings: settings,
		Registry: registry,
		Fetcher:  fetcher,
		Index:    index,
		Sink:     sink,
		Sites:    siteRepo,
		Reports:  reportRepo,
		Observer: collectors,
	})
	if err != nil {
		slog.Error("Failed to create scheduler", "error", err)
		return 1
	}

	if appCfg.Once {
		return runOnce(ctx, scheduler)
	}

	var httpServer *http.Server
	serverErrChan := make(chan error, 1)
	if appCfg.HTTPEnabled {
		generator := feed.NewGenerator(appCfg.BaseURL, appCfg.Version)
		handler := api.NewHandler(scheduler, recordRepo, siteRepo, reportRepo, generator, appCfg.Version)
		httpServer = &http.Server{
			Addr:         ":" + appCfg.Port,
			Handler:      api.NewServer(handler, collectors.Handler(), appCfg.APIAccessKey),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Minute,
			IdleTimeout:  120 * time.Second,
		}

		go func() {
			slog.Info("Starting HTTP server", "port", appCfg.Port)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
			}
		}()
	}

	schedulerDone := make(chan error, 1)
	go func() {
		schedulerDone <- scheduler.Run(ctx)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal, draining current cycle")
		if err := <-schedulerDone; err != nil {
			slog.Error("Scheduler stopped with error", "error", err)
			exitCode = 1
		}
	case err := <-schedulerDone:
		if err != nil {
			slog.Error("Scheduler stopped with error", "error", err)
			exitCode = 1
		}
	case err := <-serverErrChan:
		slog.Error("Server error", "error", err)
		stop()
		<-schedulerDone
		exitCode = 1
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}

	slog.Info("examwatch shutdown complete")
	return exitCode
}

// runOnce executes a single cycle and prints its report. The exit code is
// non-zero when any site failed.
func runOnce(ctx context.Context, scheduler *tasks.Scheduler) int {
	cycle, err := scheduler.RunOnce(ctx, report.TriggerOnce)
	if cycle != nil {
		report.Render(os.Stdout, cycle)
	}
	if err != nil {
		slog.Error("Crawl cycle failed", "error", err)
		return 1
	}
	if cycle.Failed() {
		return 1
	}
	return 0
}

// setupLogging installs the default slog handler. Logs go to stdout and,
// when a log directory is configured, to a timestamped file in it.
func setupLogging(appCfg *cfg.Cfg) (func(), error) {
	level := slog.LevelInfo
	if appCfg.Debug {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stdout
	closeFn := func() {}

	if appCfg.LogDir != "" {
		if err := os.MkdirAll(appCfg.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		name := filepath.Join(appCfg.LogDir, fmt.Sprintf("crawler_%s.log", time.Now().Format("20060102_150405")))
		file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, file)
		closeFn = func() { file.Close() }
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
	return closeFn, nil
}
