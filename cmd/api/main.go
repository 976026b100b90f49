package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"renderq/internal/adapter/repo"
	"renderq/internal/events"
	"renderq/internal/format"
	"renderq/internal/http/handlers"
	httpapi "renderq/internal/http/httpapi"
	"renderq/internal/infra"
	"renderq/internal/queue"
	"renderq/internal/sink"
	"renderq/internal/storage"
	"renderq/internal/transport/sdhttp"
)

func main() {
	// optional .env
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storagePath := cfg.StoragePath
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	store, err := storage.NewFileStore(storagePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to configure storage")
	}

	client := sdhttp.NewClient(sdhttp.Options{
		BaseURL:      cfg.SDBaseURL,
		PollInterval: cfg.StreamPollInterval,
		Logger:       &logger,
	})
	if st, err := client.Ping(ctx); err != nil {
		logger.Warn().Err(err).Str("server", cfg.SDBaseURL).Msg("api: render server not reachable yet")
	} else {
		logger.Info().Str("state", string(st.State)).Int("devices", len(st.Devices)).Msg("api: render server reachable")
	}

	order, err := queue.ParseOrder(cfg.QueueOrder)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: invalid queue order")
	}

	sessionID := uuid.NewString()
	formats := format.NewRegistry()
	bus := events.NewBus(cfg.EventBufferSize)
	observers := []queue.Observer{bus}

	var history *repo.TaskHistory
	pool, err := infra.NewDBPool(ctx, cfg)
	switch {
	case errors.Is(err, infra.ErrNoDatabase):
		logger.Info().Msg("api: task history disabled")
	case err != nil:
		logger.Fatal().Err(err).Msg("api: db connection failed")
	default:
		defer pool.Close()
		runner := infra.NewSQLRunner(pool, logger)
		history = repo.NewTaskHistory(runner, sessionID, logger)
		if err := history.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("api: failed to prepare task history")
		}
		observers = append(observers, history)
	}

	sched := queue.New(client, queue.Options{
		Capacity:  cfg.RenderCapacity,
		Order:     order,
		SessionID: sessionID,
		Formats:   formats,
		Sink:      sink.NewStorageSink(store, client, logger),
		Observers: observers,
		Logger:    &logger,
	})
	// capacity follows the device count reported by each ping
	go client.Monitor(ctx, cfg.PingInterval, func(sdhttp.Status) { sched.Kick() })

	app := &handlers.App{
		Scheduler:     sched,
		Server:        client,
		Events:        bus,
		Images:        store,
		Formats:       formats,
		Logger:        logger,
		RandomSeed:    cfg.RandomSeedMode,
		DefaultFormat: cfg.DefaultOutputFormat,
		LongPoll:      cfg.HTTPWriteTimeout / 2,
	}
	if history != nil {
		app.History = history
	}

	router := httpapi.NewRouter(app, httpapi.Options{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitPerMin:    cfg.RateLimitPerMin,
	})
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Str("addr", server.Addr()).Str("session_id", sched.SessionID()).Msg("api: listening")
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("api: http server failed")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: failed to shutdown server")
	}
	sched.Close()
	if err := client.StopAll(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api: server stop failed")
	}
	if history != nil {
		history.Close()
	}
	logger.Info().Msg("api: stopped")
}
