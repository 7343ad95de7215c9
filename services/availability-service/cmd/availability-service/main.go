package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/slotsync/libs/db"
	"github.com/md-rashed-zaman/slotsync/libs/httpx"
	"github.com/md-rashed-zaman/slotsync/libs/kafkax"
	otelx "github.com/md-rashed-zaman/slotsync/libs/otel"
	"github.com/md-rashed-zaman/slotsync/libs/runtime"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/backend"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/events"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/handlers"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/refresh"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/session"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/settings"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/snapshot"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/timebase"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg, err := settings.Load()
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(cfg.ServiceName)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.ServiceName))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	var checks []runtime.ReadyCheck

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: snapshot.RedisReadyCheck(rdb)})
	}

	var (
		store snapshot.Store
		pool  *db.Pool
	)
	switch cfg.SnapshotBackend {
	case settings.SnapshotRedis:
		store = snapshot.NewRedisStore(rdb, "availability:snapshot", cfg.SnapshotTTL)
	case settings.SnapshotPostgres:
		pool, err = db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("db connection failed", "err", err)
			panic(err)
		}
		defer pool.Close()
		pg := snapshot.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Error("snapshot schema setup failed", "err", err)
			panic(err)
		}
		store = pg
		checks = append(checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})
	default:
		store = snapshot.NewMemoryStore()
	}
	logger.Info("snapshot store selected", "backend", cfg.SnapshotBackend)

	client := backend.NewClient(backend.Config{BaseURL: cfg.BackendBaseURL, Timeout: cfg.BackendTimeout})

	var writer events.MessageWriter
	if w := events.NewKafkaWriter(cfg.KafkaBrokers); w != nil {
		defer w.Close()
		writer = w
	}
	notifier := events.NewPublisher(writer, cfg.KafkaSavedTopic, logger)

	tb := timebase.New(cfg.Location, timebase.SystemClock{})
	registry, err := session.NewRegistry(cfg.MaxSessions, session.Deps{
		TimeBase:  tb,
		Fetcher:   client,
		Persister: client,
		Store:     store,
		Notifier:  notifier,
		Logger:    logger,
		Refresh: refresh.Config{
			Interval:     cfg.PollInterval,
			InitialDelay: cfg.PollInitialDelay,
			Enabled:      cfg.PollingEnabled,
			Timeout:      cfg.FetchTimeout,
		},
		ChangeDebounce: cfg.RefreshDebounce,
		ManualEvery:    cfg.ManualRefreshEvery,
	})
	if err != nil {
		panic(err)
	}
	defer registry.Close()

	if len(kafkax.SplitBrokers(cfg.KafkaBrokers)) > 0 {
		var inbox events.Inbox
		if pool != nil {
			pg := events.NewPostgresInbox(pool)
			if err := pg.EnsureSchema(ctx); err != nil {
				logger.Error("inbox schema setup failed", "err", err)
				panic(err)
			}
			inbox = pg
		}
		consumer, err := events.NewConsumer(logger, registry, inbox, events.ConsumerConfig{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.KafkaGroupID,
			Topic:   cfg.KafkaChangesTopic,
		})
		if err != nil {
			panic(err)
		}
		go consumer.Run(ctx)
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers)})
	} else {
		logger.Warn("KAFKA_BROKERS not set; change events disabled")
	}

	mux := runtime.NewBaseMuxWithReady(checks...)
	handlers.New(registry, tb, logger).Register(mux, adminWriteLimiter(cfg, rdb, logger))

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithRecover(logger),
		httpx.WithAccessLog(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "X-Subject-Id", httpx.RequestIDHeader},
			ExposedHeaders: []string{httpx.RequestIDHeader},
			MaxAge:         10 * time.Minute,
		}),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(cfg.RequestTimeout),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "availability")
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr, "timezone", cfg.Location.String())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func adminWriteLimiter(cfg settings.Settings, rdb *redis.Client, logger *slog.Logger) httpx.Middleware {
	if !cfg.RateLimitEnabled {
		return nil
	}
	if cfg.RateLimitBackend == "redis" && rdb != nil {
		return httpx.NewRedisRateLimiter(rdb, cfg.RateLimitRequests, cfg.RateLimitWindow, "availability:rl").
			Middleware(logger, cfg.RateLimitFailOpen)
	}
	return httpx.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow).Middleware()
}
