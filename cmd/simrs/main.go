package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"simrs/internal/broadcast"
	"simrs/internal/config"
	"simrs/internal/httpapi"
	"simrs/internal/hub"
	"simrs/internal/logging"
	"simrs/internal/notify"
	"simrs/internal/pharmacy"
	"simrs/internal/queue"
	"simrs/internal/store"
	"simrs/internal/store/memory"
	"simrs/internal/store/postgres"
	"simrs/internal/telemetry"

	"github.com/bsm/redislock"
	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type appStore interface {
	store.QueueStore
	store.InventoryStore
	store.MasterDataStore
}

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: "simrs",
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRatio,
	}, logger)
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.WithError(err).Warn("tracer shutdown")
		}
	}()

	var st appStore
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.WithError(err).Fatal("db connect")
		}
		defer pool.Close()
		st = postgres.NewStore(pool, postgres.Options{StrictTransitions: cfg.StrictTransitions})
	default:
		st = memory.NewStore(memory.Options{StrictTransitions: cfg.StrictTransitions})
	}
	if cfg.SeedDemo {
		if err := seedDemo(ctx, st, cfg.PharmacyLocation); err != nil {
			logger.WithError(err).Fatal("seed demo data")
		}
	}
	logger.WithFields(logrus.Fields{"driver": cfg.StoreDriver, "timezone": cfg.Timezone}).Info("store ready")

	displays := hub.New(logger)
	var publisher broadcast.Publisher = displays
	var locker *redislock.Client
	if cfg.RedisAddress != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress, Password: cfg.RedisPassword})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Fatal("redis connect")
		}
		publisher = broadcast.NewRedisPublisher(client, cfg.RedisChannel)
		locker = redislock.New(client)
		relay := broadcast.NewRelay(client, cfg.RedisChannel, displays, logger)
		go func() {
			if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
				logging.LogError(logger, "main", "relay.Run", "redis relay stopped", cfg.RedisChannel, err)
			}
		}()
	}

	loc := cfg.Location()
	engine := queue.NewEngine(st, publisher, logger, queue.Options{
		Location:        loc,
		DefaultMaxQuota: cfg.DefaultMaxQuota,
	})
	pharmacyService := pharmacy.NewService(st, logger, pharmacy.Options{
		PharmacyLocation:  cfg.PharmacyLocation,
		StrictFulfillment: cfg.StrictFulfillment,
	})

	node, err := snowflake.NewNode(cfg.SnowflakeNode)
	if err != nil {
		logger.WithError(err).Fatal("snowflake node")
	}
	notifier := notify.New(notify.Config{
		Kind:         cfg.NotifyProvider,
		WebhookURL:   cfg.NotifyWebhookURL,
		WebhookToken: cfg.NotifyWebhookToken,
		SMTPHost:     cfg.SMTPHost,
		SMTPPort:     cfg.SMTPPort,
		SMTPUser:     cfg.SMTPUser,
		SMTPPassword: cfg.SMTPPassword,
		EmailFrom:    cfg.NotifyEmailFrom,
	}, logger)
	sweeper := pharmacy.NewSweeper(st, node, locker, notifier, logger, pharmacy.SweeperOptions{
		Multiplier: cfg.ReorderMultiplier,
		Recipient:  cfg.NotifyEmailTo,
	})

	handler := httpapi.NewHandler(engine, pharmacyService, logger, httpapi.Options{Location: loc})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute: cfg.RateLimitPerMinute,
		IPBurst:     cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/", limiter.Middleware(handler.Routes()))
	mux.Handle("/ws", displays.WebsocketHandler())
	mux.Handle("/realtime/", displays.SockJSHandler("/realtime"))

	// No WriteTimeout: display connections stay open.
	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     otelhttp.NewHandler(httpapi.LoggingMiddleware(logger)(mux), "simrs"),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.WithField("addr", server.Addr).Info("simrs listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server error")
		}
	}()

	go func() {
		if cfg.LowStockInterval <= 0 {
			return
		}
		ticker := time.NewTicker(cfg.LowStockInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			runCtx, runCancel := context.WithTimeout(ctx, 10*time.Second)
			result, err := sweeper.Run(runCtx)
			runCancel()
			if err != nil {
				logging.LogError(logger, "main", "sweeper.Run", "low stock sweep failed", nil, err)
				continue
			}
			if len(result.Orders) > 0 || len(result.Drift) > 0 {
				logger.WithFields(logrus.Fields{"orders": len(result.Orders), "drift": len(result.Drift)}).Info("low stock sweep")
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}
}
