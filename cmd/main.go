// editais ingest-service
//
// Daily ingestion of public procurement notices from the PNCP registry.
// A cron job (default 08:00) fetches yesterday..today, normalizes every
// record and merges it idempotently into PostgreSQL. A REST API serves the
// stored notices and runs on-demand ingestions:
//   - GET  /notices?region=&title=  list stored notices
//   - POST /notices/ingest          synchronous on-demand run
//
// The outcome of every run is kept in Redis (when configured) and published
// as EVENT_NOTICES_INGESTED. gRPC health and Prometheus metrics are exposed
// for the orchestrator.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"editais/ingest-service/internal/config"
	"editais/ingest-service/internal/db"
	"editais/ingest-service/internal/grpcserver"
	"editais/ingest-service/internal/metrics"
	"editais/ingest-service/internal/notices"
	"editais/ingest-service/internal/runstatus"
	"editais/ingest-service/internal/scheduler"
	"editais/ingest-service/internal/scraper"
)

const (
	version             = "1.0.0"
	healthCheckInterval = 15 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("ingest-service stopped", "err", err)
		os.Exit(1)
	}
}

func run() error {
	// ── Config ──────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	lvl, _ := cfg.SlogLevel()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})).
		With("service", "ingest-service"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── PostgreSQL ───────────────────────────────────────────────────────────
	slog.Info("connecting to PostgreSQL")
	pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.PGMaxConns)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	slog.Info("PostgreSQL connected, schema applied")

	// ── Redis (optional) ─────────────────────────────────────────────────────
	var (
		recorder scraper.RunRecorder
		status   notices.StatusReader
	)
	if cfg.RedisURL != "" {
		rdb, err := db.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		rs := runstatus.New(rdb)
		recorder, status = rs, rs
		slog.Info("Redis connected, run status enabled")
	} else {
		slog.Info("REDIS_URL not set, run status disabled")
	}

	// ── Ingestion ────────────────────────────────────────────────────────────
	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	loc := cfg.Location()
	fetcher := scraper.NewPNCPFetcher(cfg.PNCP.BaseURL, cfg.PNCP.PageSize, cfg.PNCP.MaxPages,
		scraper.NewHTTPClient(cfg.PNCP.FetchTimeout), m)
	worker := scraper.NewWorker(fetcher, notices.NewStore(pool), recorder, m, cfg.StoreTimeout).
		WithClock(func() time.Time { return time.Now().In(loc) })

	sched, err := scheduler.New(worker, cfg.ScheduleCron, loc, cfg.RunOnStart)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	notices.NewHandler(notices.NewService(pool), worker, status, cfg.RequireUserHeader).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// POST /notices/ingest runs a whole fetch+merge synchronously.
		WriteTimeout: cfg.PNCP.FetchTimeout*time.Duration(cfg.PNCP.MaxPages) + cfg.StoreTimeout + 10*time.Second,
	}

	// ── gRPC health ──────────────────────────────────────────────────────────
	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	gsrv := grpcserver.New()

	// ── Run until signalled ──────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http listening", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := gsrv.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		gsrv.Watch(gctx, pool, healthCheckInterval)
		return nil
	})
	g.Go(func() error {
		if err := sched.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		sched.Stop()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		gsrv.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("stopped")
	return err
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"service": "ingest-service",
		"version": version,
	})
}
