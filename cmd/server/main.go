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
	"github.com/robfig/cron/v3"

	"github.com/stockfighter/battle-engine/internal/advisor"
	"github.com/stockfighter/battle-engine/internal/battle"
	"github.com/stockfighter/battle-engine/internal/config"
	"github.com/stockfighter/battle-engine/internal/game"
	"github.com/stockfighter/battle-engine/internal/metrics"
	"github.com/stockfighter/battle-engine/internal/narrative"
	"github.com/stockfighter/battle-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := cfg.Database.PostgresURL; dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := cfg.Database.RedisURL; redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("postgres_url not set, using in-memory store (records will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Battle session defaults ---
	opts := battle.Options{
		Instruments: cfg.Universe(),
		DayInterval: time.Duration(cfg.Battle.SecondsPerDay) * time.Second,
		BotEvery:    cfg.Battle.BotEveryDays,
		EventEvery:  cfg.Battle.EventEveryDays,
	}
	if cfg.Simulation.BaseURL != "" {
		opts.Simulator = advisor.NewClient(
			cfg.Simulation.BaseURL,
			cfg.Simulation.AuthToken,
			time.Duration(cfg.Simulation.TimeoutSeconds)*time.Second,
		)
		slog.Info("external simulation enabled", "url", cfg.Simulation.BaseURL)
	}
	var narClient *narrative.Client
	if cfg.Narrative.BaseURL != "" {
		narClient = narrative.NewClient(cfg.Narrative.BaseURL, cfg.Narrative.Model, 0)
		if cfg.Battle.EventEveryDays > 0 {
			opts.Narrator = narClient
		}
		slog.Info("narrative collaborator enabled", "url", cfg.Narrative.BaseURL)
	}
	manager := battle.NewManager(opts)

	// --- WebSocket hub ---
	wsHub := game.NewWSHub()
	go wsHub.Run()

	// --- Game service ---
	startingCash, err := cfg.StartingCash()
	if err != nil {
		slog.Error("config invalid", "err", err)
		os.Exit(1)
	}
	svcCfg := game.ServiceConfig{
		DefaultTimeframeDays: cfg.Battle.TimeframeDays,
		DefaultStartingCash:  startingCash,
	}
	if narClient != nil {
		svcCfg.Forecaster = narClient
	}
	gameSvc := game.NewService(manager, st, wsHub, svcCfg)

	// --- Stale-session sweeper ---
	sweeper := cron.New()
	idle := time.Duration(cfg.Sweep.IdleMinutes) * time.Minute
	if _, err := sweeper.AddFunc(cfg.Sweep.Schedule, func() {
		if n := manager.SweepIdle(idle); n > 0 {
			slog.Info("swept stale battles", "count", n)
		}
		metrics.ActiveBattles.Set(float64(manager.Count()))
	}); err != nil {
		slog.Error("invalid sweep schedule", "err", err)
		os.Exit(1)
	}
	sweeper.Start()
	defer sweeper.Stop()

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"battle-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time battle events.
		r.Get("/ws", wsHub.HandleWS)

		// Battle lifecycle.
		r.Post("/battles", gameSvc.CreateBattle)
		r.Get("/battles/{battleID}", gameSvc.GetBattle)
		r.Post("/battles/{battleID}/start", gameSvc.StartBattle)
		r.Post("/battles/{battleID}/trade", gameSvc.SubmitTrade)
		r.Post("/battles/{battleID}/proceed", gameSvc.Proceed)
		r.Get("/battles/{battleID}/forecast", gameSvc.Forecast)
		r.Get("/battles/{battleID}/results", gameSvc.GetResults)
		r.Post("/battles/{battleID}/complete", gameSvc.CompleteBattle)

		// Leaderboard and history.
		r.Get("/leaderboard", gameSvc.Leaderboard)
		r.Get("/users/{userID}/battles", gameSvc.UserBattles)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("battle-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down battle-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("battle-engine stopped")
}
