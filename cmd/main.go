package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"famfin/support-service/internal/config"
	"famfin/support-service/internal/handler"
	"famfin/support-service/internal/repository"
	"famfin/support-service/internal/services"
	"famfin/support-service/internal/utils"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	log := utils.NewLogger(cfg.Log)
	ctx, shutdownManager := utils.NewShutdownManager(context.Background(), log)
	shutdownManager.StartListening()

	clock := utils.RealClock()

	// Store
	var store repository.ConversationStore
	switch cfg.Support.StoreDriver {
	case config.StoreMemory:
		log.Warn("using in-memory store, data is lost on restart")
		store = repository.NewMemoryStore(clock)
	default:
		store = connectMongo(ctx, cfg, clock, log, shutdownManager)
	}

	// Broker, optionally relayed through redis
	broker := services.NewBroker(store, cfg.Support.SubscriberBuffer, log.WithField("service", "support"))
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = utils.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			log.WithError(err).Fatal("redis connection failed")
		}
		shutdownManager.Register("redis", func(ctx context.Context) error {
			return rdb.Close()
		})
		relay := services.NewRedisRelay(rdb, cfg.Redis.Channel, broker, log.WithField("service", "support"))
		broker.AttachRelay(relay)
		relay.Start(ctx)
	}

	var notifier services.Notifier
	if cfg.Notification.ServiceURL != "" {
		notifier = utils.NewNotificationClient(cfg.Notification.ServiceURL)
	}

	tracker := services.NewTracker(clock, cfg.Support.CriticalAfter, cfg.Support.ActiveWindow)
	supportService := services.NewSupportService(
		store,
		broker,
		tracker,
		services.NewTicketNumberGenerator(clock),
		notifier,
		clock,
		supportOptions(cfg.Support),
		log.WithField("service", "support"),
	)

	router := handler.NewRouter(
		handler.RouterConfig{
			JWTSecret:   cfg.Auth.JWTSecret,
			JWTIssuer:   cfg.Auth.Issuer,
			CORSOrigins: cfg.Server.CORSOrigins,
			Production:  cfg.Server.Production,
		},
		handler.NewSupportHandler(supportService),
		handler.NewStreamHandler(supportService, cfg.Server.CORSOrigins, log),
		handler.NewHealthHandler(store, rdb),
		log,
	)

	server := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// Websocket streams are long-lived; per-frame deadlines are set by
		// the stream handler instead.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Server.Port).Info("support service running")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	shutdownManager.Register("http", func(ctx context.Context) error {
		return server.Shutdown(ctx)
	})

	shutdownManager.Wait()
}

func connectMongo(ctx context.Context, cfg *config.Config, clock utils.Clock, log *logrus.Logger, sm *utils.ShutdownManager) repository.ConversationStore {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.MongoDB.ConnectTimeout)
	defer cancel()

	mongoClient, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoDB.URI))
	if err != nil {
		log.WithError(err).Fatal("mongo connection failed")
	}
	if err := mongoClient.Ping(connectCtx, nil); err != nil {
		log.WithError(err).Fatal("mongo ping failed")
	}
	sm.Register("mongo", func(ctx context.Context) error {
		return mongoClient.Disconnect(ctx)
	})

	store := repository.NewMongoStore(mongoClient.Database(cfg.MongoDB.DBName), clock)
	if err := store.EnsureIndexes(connectCtx); err != nil {
		log.WithError(err).Fatal("failed to create indexes")
	}
	log.WithField("db", cfg.MongoDB.DBName).Info("mongo connection established")
	return store
}

// supportOptions overlays the configured retry knobs on the service
// defaults; zero values keep the default.
func supportOptions(cfg config.SupportConfig) services.Options {
	opts := services.DefaultOptions()
	if cfg.TicketRetries > 0 {
		opts.TicketRetries = cfg.TicketRetries
	}
	if cfg.IORetries > 0 {
		opts.IORetries = cfg.IORetries
	}
	if cfg.IOBackoff > 0 {
		opts.IOBackoff = cfg.IOBackoff
	}
	return opts
}
