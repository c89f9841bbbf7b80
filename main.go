package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"memochat/internal/api"
	"memochat/internal/auth"
	"memochat/internal/compaction"
	"memochat/internal/config"
	"memochat/internal/conversation"
	"memochat/internal/engine"
	"memochat/internal/llm"
	applog "memochat/internal/log"
	"memochat/internal/redis"
	"memochat/internal/session"
	"memochat/internal/storage"
	"memochat/internal/worker"

	"github.com/gin-gonic/gin"
)

// lockLease is renewed while a turn holds the thread, so it only bounds how
// long a crashed process keeps other replicas waiting.
const lockLease = 30 * time.Second

func main() {
	cfgPath := os.Getenv("MEMOCHAT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		applog.Fatalf("load config: %v", err)
	}
	applog.Init(applog.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	defer applog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbType := cfg.BasicConfig.Database
	applog.Info("opening database", "driver", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		applog.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create necessary tables: users, threads, messages, user_tokens
	if err := storage.Migrate(db, dbType); err != nil {
		applog.Fatalf("migrate database: %v", err)
	}
	gw := storage.NewGateway(db, dbType)

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			applog.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
	}

	model, err := llm.New(ctx, cfg)
	if err != nil {
		applog.Fatalf("init model: %v", err)
	}

	var storeOpts []conversation.Option
	if rdb != nil {
		storeOpts = append(storeOpts, conversation.WithRedisLock(rdb, lockLease))
	}
	store := conversation.NewStore(gw, storeOpts...)
	registry := session.NewRegistry(gw, rdb, cfg.Memory.ThreadNameLimit)

	eng, err := engine.New(store, gw, model, registry, engine.Config{
		Policy: compaction.Policy{
			Threshold:    cfg.Memory.SummarizeThreshold,
			PreserveTail: cfg.Memory.PreserveTail,
		},
		ReplyTimeout: time.Duration(cfg.Memory.ReplyTimeoutSeconds) * time.Second,
	})
	if err != nil {
		applog.Fatalf("init engine: %v", err)
	}

	workers := worker.NewManager(worker.FromEngine(eng), worker.DispatcherConfig{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	})
	defer workers.Stop()

	authService := auth.NewService(gw, rdb, time.Duration(cfg.BasicConfig.TokenTTL)*time.Hour)
	authService.StartTokenJanitor(ctx, time.Duration(cfg.BasicConfig.TokenCleanup)*time.Minute)

	handlers := api.NewHandler(authService, registry, eng, workers)
	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		applog.Info("server listening", "addr", addr, "provider", cfg.Model.Provider,
			"summarize_threshold", cfg.Memory.SummarizeThreshold, "preserve_tail", cfg.Memory.PreserveTail)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			applog.Fatalf("server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	applog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		applog.Error("shutdown failed", "err", err)
	}
}
