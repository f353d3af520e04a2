package main

import (
	"context"
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

	"github.com/fightbook/market-engine/internal/config"
	"github.com/fightbook/market-engine/internal/metrics"
	"github.com/fightbook/market-engine/internal/store"
	"github.com/fightbook/market-engine/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var (
		reads    store.Store
		txRunner store.TxRunner
		cleanup  []func()
	)

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		reads = store.NewPostgresStore(pool)
		txRunner = store.NewPgTxRunner(pool, cfg.TxMaxRetries)
		slog.Info("connected to PostgreSQL")

		// Wrap the read path with a Redis cache if configured. The
		// transactional path always goes straight to Postgres.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			reads = store.NewCachedStore(reads, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		ms := store.NewMemoryStore()
		reads = ms
		txRunner = store.NewMemoryTxRunner(ms)
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- Trade service ---
	tradeSvc := trade.NewService(reads, txRunner, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time fills and settlements.
		r.Get("/ws", wsHub.HandleWS)

		// Accounts.
		r.Post("/users", tradeSvc.CreateUser)
		r.Get("/users/{userID}", tradeSvc.GetUser)
		r.Get("/users/{userID}/transactions", tradeSvc.GetCreditHistory)

		// Contests.
		r.Post("/contests", tradeSvc.CreateContest)
		r.Get("/contests/{contestID}", tradeSvc.GetContest)
		r.Post("/contests/{contestID}/open", tradeSvc.OpenContest)
		r.Get("/contests/{contestID}/book", tradeSvc.GetBook)
		r.Get("/contests/{contestID}/trades", tradeSvc.GetTrades)
		r.Get("/contests/{contestID}/orders", tradeSvc.GetOrders)
		r.Post("/contests/{contestID}/settle", tradeSvc.Settle)

		// Orders.
		r.Post("/orders", tradeSvc.PlaceOrder)
		r.Delete("/orders/{orderID}", tradeSvc.CancelOrder)

		// Positions.
		r.Get("/positions/{userID}", tradeSvc.GetPositions)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("market-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down market-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market-engine stopped")
}
