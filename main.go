// Command backend is the main entrypoint for the meeting-tender API and pipeline workers.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the configured store (Postgres with migrations, or in-memory),
//     blob store (filesystem or GCS) and stage queues (in-memory or Redis).
//   - Wires the lifecycle controller, the notification hub, the four pipeline
//     stages, the bot registry and the auto-join scheduler.
//   - Serves the HTTP API with health, status, metrics, meetings, webhooks and realtime.
//
// Shutdown is graceful on SIGINT/SIGTERM: bots leave, workers drain, then the server stops.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/meeting-tender/backend/analysis"
	"github.com/onnwee/meeting-tender/backend/blob"
	"github.com/onnwee/meeting-tender/backend/bot"
	"github.com/onnwee/meeting-tender/backend/config"
	"github.com/onnwee/meeting-tender/backend/crypto"
	"github.com/onnwee/meeting-tender/backend/db"
	"github.com/onnwee/meeting-tender/backend/hub"
	"github.com/onnwee/meeting-tender/backend/ingest"
	"github.com/onnwee/meeting-tender/backend/lifecycle"
	"github.com/onnwee/meeting-tender/backend/llm"
	"github.com/onnwee/meeting-tender/backend/meetings"
	"github.com/onnwee/meeting-tender/backend/pipeline"
	"github.com/onnwee/meeting-tender/backend/queue"
	"github.com/onnwee/meeting-tender/backend/server"
	"github.com/onnwee/meeting-tender/backend/store"
	"github.com/onnwee/meeting-tender/backend/telemetry"
	"github.com/onnwee/meeting-tender/backend/whisper"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load("backend/.env")

	logFile, err := config.SetupLogging()
	if err != nil {
		slog.Error("logging setup failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer logFile.Close()

	if err := run(); err != nil {
		slog.Error("backend exited with error", slog.Any("err", err))
		_ = logFile.Close()
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(telemetry.TracingFromEnv("meeting-tender", "1.0.0"))
	if err != nil {
		return fmt.Errorf("tracing initialization: %w", err)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ready []server.Check

	st, database, err := openStore(cfg)
	if err != nil {
		return err
	}
	if database != nil {
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
	}
	ready = append(ready, server.Check{Name: "store", Fn: st.Ping})

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.QueueBackend == "redis" || cfg.HubRelay {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		ready = append(ready, server.Check{Name: "redis", Fn: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }})
	}

	queues := map[string]queue.Queue{}
	if cfg.QueueBackend == "redis" {
		for _, stage := range []string{config.StageTranscription, config.StagePostProcessing, config.StageCompletion, config.StageEvents} {
			queues[stage] = queue.NewRedis(rdb, queue.Config{Name: stage})
		}
	}

	hubOpts := hub.Options{}
	if cfg.HubRelay {
		hubOpts.Relay = hub.NewRedisRelay(rdb)
	}
	h := hub.New(hubOpts)
	go func() {
		if err := h.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("hub relay stopped", slog.Any("err", err))
		}
	}()

	var stt whisper.Transcriber = whisper.Mock{}
	if cfg.TranscribeURL != "" {
		stt = whisper.NewClient(cfg.TranscribeURL, cfg.TranscribeKey, cfg.TranscribeModel)
	} else {
		slog.Warn("TRANSCRIBE_URL not set, using mock transcriber")
	}
	var model interface {
		llm.Completer
		llm.Embedder
	} = llm.Mock{}
	if cfg.LLMURL != "" {
		model = llm.NewClient(cfg.LLMURL, cfg.LLMKey, cfg.LLMModel, cfg.EmbedModel)
	} else {
		slog.Warn("LLM_URL not set, using mock language model")
	}

	analyzer := &analysis.Analyzer{
		LLM:      model,
		Embedder: model,
		Model:    cfg.LLMModel,
		Retry:    cfg.Pipeline.Collaborator,
		Log:      config.Component("analysis"),
	}
	lc := lifecycle.New(st, h)
	pipe := pipeline.New(pipeline.Deps{
		Store:       st,
		Blobs:       blobs,
		Transcriber: stt,
		Analyzer:    analyzer,
		Lifecycle:   lc,
		Committer:   lc.Committer(),
		Hub:         h,
		Queues:      queues,
		Config:      cfg.Pipeline,
	})
	in := ingest.New(st, blobs, pipe, cfg.Pipeline.Ingest)

	src, err := botSource(cfg)
	if err != nil {
		return err
	}
	// handlers reach the service through svc, assigned before any session starts
	var svc *meetings.Service
	bots := bot.NewRegistry(src, lc, bot.Handlers{
		Audio: func(ctx context.Context, id string, e bot.AudioChunk) error {
			return svc.BotHandlers().Audio(ctx, id, e)
		},
		ParticipantJoined: func(ctx context.Context, id string, e bot.ParticipantJoined) error {
			return svc.BotHandlers().ParticipantJoined(ctx, id, e)
		},
		ParticipantLeft: func(ctx context.Context, id string, e bot.ParticipantLeft) error {
			return svc.BotHandlers().ParticipantLeft(ctx, id, e)
		},
	}, cfg.Pipeline.BotJoin)
	svc = meetings.New(st, lc, bots, in, pipe, blobs, analyzer)

	pipe.Start(ctx)
	go svc.RunScheduler(ctx, cfg.SchedulerInterval, cfg.AutoJoinWindow)

	startPprof()

	handler := server.NewMux(ctx, server.Deps{
		Meetings: svc,
		Pipeline: pipe,
		Bots:     bots,
		Hub:      h,
		Ready:    ready,
		Config:   cfg,
	})
	srvErr := make(chan error, 1)
	go func() { srvErr <- server.Start(ctx, cfg.HTTPAddr, handler) }()
	slog.Info("meeting-tender started", slog.String("addr", cfg.HTTPAddr), slog.String("store", cfg.StoreBackend), slog.String("queues", cfg.QueueBackend), slog.String("bot_source", cfg.BotSource))

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			stop()
			return err
		}
	}
	slog.Info("shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := bots.Shutdown(drainCtx); err != nil {
		slog.Warn("bot sessions did not drain", slog.Any("err", err))
	}
	pipe.Stop()
	return nil
}

// openStore returns the configured store and, for Postgres, the migrated pool.
func openStore(cfg *config.Config) (store.Store, *sql.DB, error) {
	if cfg.StoreBackend == "memory" {
		slog.Warn("using in-memory store, data is lost on restart")
		return store.NewMemory(), nil, nil
	}
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}

	// MIGRATIONS_PATH (file://dir) overrides the migrations embedded in the binary
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrationsFromPath(database, os.Getenv("MIGRATIONS_PATH")); err != nil {
		_ = database.Close()
		return nil, nil, fmt.Errorf("migrate db: %w", err)
	}

	sealer, err := crypto.FromEnv()
	if err != nil {
		_ = database.Close()
		return nil, nil, fmt.Errorf("encryption key: %w", err)
	}
	var s crypto.Sealer
	if sealer != nil {
		s = sealer
	}
	return store.NewPostgres(database, s), database, nil
}

func openBlobs(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	if cfg.BlobBackend == "gcs" {
		g, err := blob.NewGCS(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store: %w", err)
		}
		return g, nil
	}
	fs, err := blob.NewFS(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("filesystem blob store: %w", err)
	}
	return fs, nil
}

func botSource(cfg *config.Config) (bot.Source, error) {
	switch cfg.BotSource {
	case "websocket":
		return &bot.WebSocketSource{URL: cfg.BotWSURL}, nil
	case "irc":
		return &bot.IRCSource{Username: cfg.BotIRCUser, Token: cfg.BotIRCToken, EndCommand: cfg.BotIRCEndToken}, nil
	case "scripted", "":
		slog.Warn("using scripted bot source; meetings replay a demo script")
		return &bot.ScriptedSource{Script: bot.DemoScript(6), Interval: 2 * time.Second}, nil
	default:
		return nil, fmt.Errorf("invalid BOT_SOURCE %q (scripted|websocket|irc)", cfg.BotSource)
	}
}

// startPprof serves /debug/pprof on PPROF_ADDR when ENABLE_PPROF=1.
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
