// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Command depo-server boots the deposition dispatch core: the Scheduler,
// its Archive Store and Janitor, a worker listener speaking the binary
// wire protocol, and a websocket Hub speaking the client-visible
// protocol. It is the composition root; every other package in this module
// is wired together here exactly once.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ssande7/pytf-web/internal/archive"
	"github.com/ssande7/pytf-web/internal/janitor"
	"github.com/ssande7/pytf-web/internal/jobserver"
	"github.com/ssande7/pytf-web/internal/wire"
	"github.com/ssande7/pytf-web/internal/workersession"
	"github.com/ssande7/pytf-web/internal/wsnotify"
	"github.com/ssande7/pytf-web/pkg/config"
	depocontext "github.com/ssande7/pytf-web/pkg/context"
	"github.com/ssande7/pytf-web/pkg/logging"
	"github.com/ssande7/pytf-web/pkg/metrics"
	"github.com/ssande7/pytf-web/pkg/retry"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg := config.NewDefault()
	cfg.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logCfg := logging.DefaultConfig()
	if cfg.Debug {
		logCfg.Level = -4 // slog.LevelDebug, avoiding an extra import just for this
	}
	logger := logging.NewLogger(logCfg)
	collector := metrics.NewInMemoryCollector()
	metrics.SetDefaultCollector(collector)

	wire.MaxFrameBytes = cfg.MaxFrameBytes

	archiveBackoff := retry.NewExponentialBackoff()
	archiveBackoff.MaxAttempts = cfg.MaxArchiveRetries
	store, err := archive.NewStore(cfg.ArchiveDir,
		archive.WithLogger(logger),
		archive.WithMetrics(collector),
		archive.WithBackoff(archiveBackoff),
	)
	if err != nil {
		log.Fatalf("failed to open archive store: %v", err)
	}
	defer store.Close()

	scheduler := jobserver.NewScheduler(jobserver.Config{
		Archive:      store,
		Logger:       logger,
		Metrics:      collector,
		StealTimeout: cfg.StealTimeout,
	})
	defer scheduler.Stop()

	sweep := janitor.New(janitor.Config{
		Scheduler: scheduler,
		Archive:   store,
		Logger:    logger,
		Metrics:   collector,
		Interval:  cfg.CleanupInterval,
		MaxAge:    cfg.MaxJobAge,
	})
	sweep.Start()
	defer sweep.Stop()

	workerAddr := getEnvOrDefault("DEPO_WORKER_ADDR", ":7090")
	ln, err := net.Listen("tcp", workerAddr)
	if err != nil {
		log.Fatalf("failed to listen for workers on %s: %v", workerAddr, err)
	}
	workerListener := wire.NewListener(ln)

	go acceptWorkers(workerListener, scheduler, cfg, logger)

	hub := wsnotify.NewHub(scheduler, cfg, logger, collector)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		clientID := r.URL.Query().Get("client_id")
		if clientID == "" {
			clientID = uuid.NewString()
		}
		hub.HandleWebSocket(w, r, clientID)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok","service":"depo-server"}`)
	})

	clientAddr := getEnvOrDefault("DEPO_CLIENT_ADDR", ":8080")
	httpServer := &http.Server{Addr: clientAddr, Handler: mux}

	go func() {
		logger.Info("client websocket listener started", "addr", clientAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("client http server failed: %v", err)
		}
	}()

	logger.Info("worker listener started", "addr", workerAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	_ = workerListener.Close()
	ctx, cancel := depocontext.EnsureTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
}

// acceptWorkers accepts incoming worker connections until ln closes,
// handing each one off to its own workersession.Serve goroutine: every
// connected worker is driven independently.
func acceptWorkers(ln *wire.Listener, scheduler *jobserver.Scheduler, cfg *config.Config, logger logging.Logger) {
	for {
		conn, err := ln.AcceptConn()
		if err != nil {
			logger.Info("worker listener stopped accepting", "error", err)
			return
		}
		workerID := uuid.NewString()
		go workersession.Serve(scheduler, conn, workerID, cfg.WorkerHeartbeatInterval, cfg.WorkerTimeout, logger)
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
