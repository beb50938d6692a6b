package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"detection-relay/internal/engine"
	"detection-relay/internal/media"
	"detection-relay/internal/persistence"
	"detection-relay/internal/platform/config"
	"detection-relay/internal/platform/logger"
	"detection-relay/internal/platform/metrics"
	"detection-relay/internal/relay"
	"detection-relay/internal/session"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()
	cfg := config.FromEnv()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	met := metrics.New()

	saver, records, closers, err := openPersistence(cfg, log)
	if err != nil {
		log.Error("persistence setup failed", "error", err)
		os.Exit(1)
	}
	defer closeAll(closers)

	registry := session.NewRegistry(session.Options{
		Saver:            saver,
		Logger:           log,
		Metrics:          met,
		MinCameraPersist: cfg.MinCameraPersist,
	})

	eng := engine.NewClient(engine.Config{
		BaseURL:        cfg.EngineURL,
		StreamURL:      cfg.EngineWSURL,
		ConnectTimeout: cfg.EngineConnectTimeout,
		ReadTimeout:    cfg.EngineReadTimeout,
		OpenTimeout:    cfg.EngineOpenTimeout,
	})

	hub := relay.NewHub(log)
	rly := relay.New(relay.Options{
		Registry:  registry,
		Transport: hub,
		Dialer: relay.DialerFunc(func(ctx context.Context) (relay.EngineChannel, error) {
			s, err := eng.OpenStream(ctx)
			if err != nil {
				return nil, err
			}
			return s, nil
		}),
		Logger:      log,
		Metrics:     met,
		OpenTimeout: cfg.EngineOpenTimeout,
	})

	cache := media.NewCache(cfg.MediaCacheTTL, cfg.MediaCacheMaxBytes)
	resolver := media.NewResolver(cache, eng, met)

	realtimeH := relay.NewHandler(registry, rly, eng, cfg.OutputDir, log)
	wsH := relay.NewWSHandler(hub, rly, log)
	engineH := engine.NewHandler(eng, log)
	mediaH := media.NewHandler(resolver, log)
	recordsH := persistence.NewHandler(records, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetActiveSessions(registry.ActiveCount())
			met.SetEngineChannels(rly.ActiveChannels())
		}).ServeHTTP(w, r)
	})
	r.Route("/realtime", func(r chi.Router) {
		r.Post("/stream/start", realtimeH.StartStream)
		r.Post("/stream/stop", realtimeH.StopStream)
		r.Post("/camera/start", realtimeH.StartCamera)
		r.Post("/camera/stop", realtimeH.StopCamera)
		r.Get("/sessions", realtimeH.ListSessions)
		r.Get("/sessions/{session_id}", realtimeH.GetSession)
		r.Get("/engine", realtimeH.EngineStatus)
	})
	r.Get("/ws/realtime/{session_id}", wsH.Serve)
	r.Route("/engine", func(r chi.Router) {
		r.Get("/health", engineH.Health)
		r.Get("/model", engineH.Model)
		r.Post("/detect", engineH.Detect)
		r.Get("/detect_batch", engineH.DetectBatch)
	})
	r.Get("/media/{filename}", mediaH.ServeMedia)
	r.Head("/media/{filename}", mediaH.ServeMedia)
	r.Options("/media/{filename}", mediaH.ServeMedia)
	r.Route("/records", func(r chi.Router) {
		r.Get("/", recordsH.ListRecords)
		r.Get("/type/{file_type}", recordsH.ListByType)
		r.Get("/{session_id}", recordsH.GetRecord)
		r.Delete("/batch", recordsH.DeleteBatch)
		r.Delete("/{session_id}", recordsH.DeleteRecord)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go registry.Run(ctx, cfg.SessionSweepInterval, cfg.SessionRetention)

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", cfg.Port,
		"engine_url", cfg.EngineURL,
		"engine_ws_url", cfg.EngineWSURL,
		"log_level", cfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	rly.Shutdown()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}

// openPersistence builds the summary sink from configuration. SQLite is
// always enabled; Postgres and RabbitMQ join when configured.
func openPersistence(cfg config.Config, log *slog.Logger) (session.Saver, persistence.Records, []io.Closer, error) {
	var (
		fanout  persistence.Fanout
		closers []io.Closer
		records persistence.Records
	)

	sqlite, err := persistence.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, err
	}
	fanout = append(fanout, sqlite)
	closers = append(closers, sqlite)
	records = sqlite
	log.Info("sqlite store ready", "path", cfg.DBPath)

	if cfg.PostgresDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.EngineConnectTimeout)
		pg, err := persistence.OpenPostgres(ctx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			closeAll(closers)
			return nil, nil, nil, err
		}
		fanout = append(fanout, pg)
		closers = append(closers, pg)
		records = pg
		log.Info("postgres store ready")
	}

	if cfg.RabbitMQURL != "" {
		pub, err := persistence.DialPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange, cfg.RabbitMQRoutingKey)
		if err != nil {
			closeAll(closers)
			return nil, nil, nil, err
		}
		fanout = append(fanout, pub)
		closers = append(closers, pub)
		log.Info("rabbitmq publisher ready",
			"exchange", cfg.RabbitMQExchange,
			"routing_key", cfg.RabbitMQRoutingKey)
	}

	return fanout, records, closers, nil
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		c.Close()
	}
}
