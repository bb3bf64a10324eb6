package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sendable-ai/relayq/internal/config"
	"github.com/sendable-ai/relayq/internal/engine"
	"github.com/sendable-ai/relayq/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer log.Close()

	eng := engine.New(cfg, defaultCollaborators(log), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	diag, err := eng.Initialize(ctx)
	logDiagnostics(log, diag)
	if err != nil {
		log.Error("Engine failed to initialize", "error", err)
		os.Exit(1)
	}

	httpServer := startHTTP(cfg, eng, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("Signal received, shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline+5*time.Second)
	defer shutdownCancel()

	_ = httpServer.Shutdown(shutdownCtx)
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Error("Shutdown error", "error", err)
		os.Exit(1)
	}
}

func logDiagnostics(log logger.Logger, diag *engine.Diagnostics) {
	for _, step := range diag.Steps {
		if step.OK {
			log.Info("Init step ok", "step", step.Name, "took", step.Duration)
		} else {
			log.Error("Init step failed", "step", step.Name, "error", step.Error)
		}
	}
}

// startHTTP serves /metrics, health, stats, and pprof.
func startHTTP(cfg *config.Config, eng *engine.Engine, log logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", eng.Metrics().Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report, err := eng.Health(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if report.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := eng.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	})

	// pprof registers on the default mux
	mux.Handle("/debug/pprof/", http.DefaultServeMux)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		log.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", "error", err)
		}
	}()
	return srv
}
