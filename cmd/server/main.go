package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/soltybet/wager-engine/internal/api"
	"github.com/soltybet/wager-engine/internal/config"
	"github.com/soltybet/wager-engine/internal/metrics"
	"github.com/soltybet/wager-engine/internal/model"
	"github.com/soltybet/wager-engine/internal/oracle"
	"github.com/soltybet/wager-engine/internal/phase"
	"github.com/soltybet/wager-engine/internal/store"
	"github.com/soltybet/wager-engine/internal/transfer"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("schema setup failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Transfers ---
	var exec transfer.Executor
	if cfg.Transfer.Endpoint != "" {
		exec = transfer.NewHTTPExecutor(transfer.HTTPConfig{
			Endpoint:   cfg.Transfer.Endpoint,
			Timeout:    cfg.Transfer.Timeout,
			RPS:        cfg.Transfer.RPS,
			Burst:      cfg.Transfer.Burst,
			RetryCount: cfg.Transfer.RetryCount,
		})
		slog.Info("transfer endpoint configured", "endpoint", cfg.Transfer.Endpoint)
	} else {
		slog.Warn("TRANSFER_ENDPOINT not set, transfers are only logged")
		exec = transfer.LogExecutor{}
	}
	dispatcher := transfer.NewDispatcher(exec, st, cfg.Transfer.Workers)

	// --- Controller ---
	var opts []phase.Option
	if cfg.AuthorityIdentity != "" {
		opts = append(opts, phase.WithAuthority(model.Identity(cfg.AuthorityIdentity)))
	}
	ctl := phase.New(st, dispatcher, opts...)
	if err := ctl.Open(ctx); err != nil {
		slog.Error("load state failed", "err", err)
		os.Exit(1)
	}

	if cfg.OracleIdentity != "" {
		err := ctl.InitializeOracle(ctx, model.Identity(cfg.AuthorityIdentity), model.Identity(cfg.OracleIdentity))
		switch {
		case err == nil:
		case errors.Is(err, model.ErrAlreadyInitialized):
			trusted := ctl.Snapshot().TrustedOracle
			if want, _ := oracle.Canonical(model.Identity(cfg.OracleIdentity)); trusted != want {
				slog.Warn("ORACLE_IDENTITY differs from the stored oracle; keeping stored",
					"stored", trusted)
			}
		default:
			slog.Error("oracle initialization failed", "err", err)
			os.Exit(1)
		}
	}

	// Deliver anything left pending by a previous run.
	if report, err := ctl.RetryTransfers(ctx); err != nil {
		slog.Error("startup transfer retry failed", "err", err)
	} else if report.Total() > 0 {
		slog.Info("startup transfer retry",
			"completed", len(report.Completed),
			"pending", len(report.Pending))
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	svc := api.NewService(ctl, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+api.CallerHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"wager-engine","phase":%q,"round":%d}`,
			ctl.Phase(), ctl.RoundID())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("wager-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down wager-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("wager-engine stopped")
}
