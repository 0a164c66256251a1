// Command worker is the realtime event assistance worker's composition
// root: it wires config, persistence, sessions, the orchestrator and
// the HTTP/websocket surface, then serves until a termination signal,
// grounded on the teacher's cmd/api/main.go wiring-then-graceful-shutdown
// shape.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ocx/realtime-worker/internal/api"
	"github.com/ocx/realtime-worker/internal/audioingest"
	"github.com/ocx/realtime-worker/internal/cache"
	"github.com/ocx/realtime-worker/internal/checkpoint"
	"github.com/ocx/realtime-worker/internal/circuitbreaker"
	"github.com/ocx/realtime-worker/internal/config"
	"github.com/ocx/realtime-worker/internal/database"
	"github.com/ocx/realtime-worker/internal/events"
	"github.com/ocx/realtime-worker/internal/orchestrator"
	"github.com/ocx/realtime-worker/internal/session"
	"github.com/ocx/realtime-worker/internal/statusemitter"
	"github.com/ocx/realtime-worker/internal/telemetry"
	"github.com/ocx/realtime-worker/internal/transcriptstream"
	"github.com/ocx/realtime-worker/internal/types"
)

func main() {
	_ = godotenv.Load()

	cfgMgr, err := config.NewManager(os.Getenv("CONFIG_PATH"), os.Getenv("PROFILES_PATH"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg := cfgMgr.Get("")
	cfg.LogSummary()

	db, err := database.NewClient()
	if err != nil {
		log.Fatalf("database: %v", err)
	}

	var checkpoints *checkpoint.Store
	if cfg.Postgres.DSN != "" {
		checkpoints, err = checkpoint.Open(cfg.Postgres.DSN)
		if err != nil {
			log.Fatalf("checkpoint: %v", err)
		}
	} else {
		slog.Warn("POSTGRES_DSN not set, checkpoints are in-memory only")
		checkpoints = checkpoint.NewInMemory()
	}
	defer checkpoints.Close()

	glossary := cache.NewGlossaryCache(nil, db.Glossary(), 10*time.Minute)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			slog.Warn("redis unreachable, glossary cache disabled", "err", err)
		} else {
			glossary = cache.NewGlossaryCache(rdb, db.Glossary(), 10*time.Minute)
		}
	}

	breakers := circuitbreaker.NewSessionBreakers()

	transportFactory := func(eventID string, agentType types.AgentType, model string) session.ProviderTransport {
		return session.NewOpenAITransport(cfg.Providers.OpenAIAPIKey, "", model)
	}
	sessionMgr := session.NewManager(transportFactory, db.Sessions(), breakers, orchestrator.BuildSessionConfig(cfg.Session))

	metrics := telemetry.NewMetrics()

	var emitter events.EventEmitter
	bus := events.NewEventBus()
	emitter = bus
	var statusSource statusemitter.Subscriber = bus
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisBus, err := events.NewRedisEventBus(context.Background(), rdb, "ocx:realtime:events")
		if err != nil {
			slog.Warn("redis event bus unavailable, falling back to in-process bus", "err", err)
		} else {
			emitter = redisBus
			statusSource = redisBus
			defer redisBus.Close()
		}
	}

	orch := orchestrator.New(orchestrator.Deps{
		ConfigManager:   cfgMgr,
		Checkpoints:     checkpoints,
		Glossary:        glossary,
		Facts:           db.Facts(),
		Transcripts:     db.Transcripts(),
		Sessions:        db.Sessions(),
		AgentRepo:       db.Agents(),
		AgentOutputRepo: db.AgentOutputs(),
		SessionManager:  sessionMgr,
		Emitter:         emitter,
		Metrics:         metrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Recover(ctx); err != nil {
		slog.Error("recovery failed", "err", err)
	}
	orch.StartPeriodicTasks(ctx)

	streamCtx, stopStream := context.WithCancel(ctx)
	stream := transcriptstream.Stream(streamCtx, db.Transcripts(), 500*time.Millisecond)
	orch.Subscribe(streamCtx, stream)
	orch.SetUnsubscribe(stopStream)

	mux := http.NewServeMux()
	mux.Handle("/events/stream", statusemitter.NewHandler(statusSource))
	mux.HandleFunc("/health", statusemitter.HealthHandler(orch))
	mux.Handle("/audio/stream", audioingest.NewHandler(nil, audioingest.Config{
		MaxFramesPerSec: cfg.Audio.MaxFramesPerSec,
		MaxFrameBytes:   cfg.Audio.MaxFrameBytes,
		WriteDeadlineMs: cfg.Audio.WriteDeadlineMs,
		LogEveryNChunks: cfg.Audio.LogEveryNChunks,
	}))
	mux.Handle("/", api.NewServer(orch).Router())

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSec)*time.Second)
		defer shutdownCancel()

		if err := orch.Shutdown(shutdownCtx); err != nil {
			slog.Error("orchestrator shutdown error", "err", err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", "err", err)
		}
	}()

	slog.Info("worker listening", "port", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
	slog.Info("worker stopped")
}
