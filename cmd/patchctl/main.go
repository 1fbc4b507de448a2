// Command patchctl drives the update engine against a local installation
// and a release descriptor URL. It is a thin demonstration binary, not the
// player-facing CLI front-end (that UX, and the process that renders
// progress for a player-facing UI, are external collaborators).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/renegade-patch/patchkit/internal/engine"
)

func main() {
	var (
		installRoot = flag.String("install-root", "", "Installation directory to update (required)")
		releaseURL  = flag.String("release-url", "", "Release descriptor URL (required)")
		checkOnly   = flag.Bool("check", false, "Only report whether an update is available; do not run it")
		logFormat   = flag.String("log-format", "text", "Logging format: text|json")
		logLevel    = flag.String("log-level", "info", "Logging level: debug|info|warn|error")
		listenAddr  = flag.String("listen", "", "Serve Prometheus metrics at this address (e.g., :9090); empty disables")
		pollEvery   = flag.Duration("progress-interval", 2*time.Second, "How often to log a progress snapshot while RunUpdate executes")
	)
	flag.Parse()

	lvl := slog.LevelInfo
	switch strings.ToLower(*logLevel) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error", "err":
		lvl = slog.LevelError
	}
	var handler slog.Handler
	if strings.EqualFold(*logFormat, "json") {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	if *installRoot == "" || *releaseURL == "" {
		slog.Error("missing required flags: -install-root and -release-url")
		flag.PrintDefaults()
		os.Exit(2)
	}

	var metricsReg prometheus.Registerer
	if *listenAddr != "" {
		reg := prometheus.NewRegistry()
		metricsReg = reg
		go serveMetrics(*listenAddr, reg)
	}

	e := engine.New(engine.Config{
		InstallationRoot: *installRoot,
		ReleaseURL:       *releaseURL,
		Metrics:          metricsReg,
	})

	ctx := context.Background()

	start := time.Now()
	slog.Info("loading release", "url", *releaseURL)
	if err := e.LoadRelease(ctx, ""); err != nil {
		slog.Error("load release failed", "err", err)
		os.Exit(1)
	}

	available, err := e.UpdateAvailable(ctx)
	if err != nil {
		slog.Error("checking update availability failed", "err", err)
		os.Exit(1)
	}
	if !available {
		slog.Info("installation already up to date")
		return
	}
	if *checkOnly {
		fmt.Println("update available")
		return
	}

	done := make(chan struct{})
	go reportProgress(e, *pollEvery, done)

	if err := e.RunUpdate(ctx); err != nil {
		close(done)
		slog.Error("update failed", "err", err)
		os.Exit(1)
	}
	close(done)

	snap := e.ProgressSnapshot()
	slog.Info("update complete",
		"downloaded_bytes", snap.DownloadedBytes,
		"patched_files", snap.PatchedFiles,
		"elapsed", time.Since(start).String(),
	)
}

func reportProgress(e *engine.Engine, every time.Duration, done <-chan struct{}) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			snap := e.ProgressSnapshot()
			slog.Info("progress",
				"downloaded_bytes", snap.DownloadedBytes,
				"total_bytes", snap.TotalBytes,
				"patched_files", snap.PatchedFiles,
				"total_files", snap.TotalFiles,
			)
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	slog.Info("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics server stopped", "err", err)
	}
}
