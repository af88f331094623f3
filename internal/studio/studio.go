package studio

import (
	"context"
	"errors"
	"fmt"

	"studio-core/internal/shared/logger"
	"studio-core/internal/studio/adapter/cache"
	httpadapter "studio-core/internal/studio/adapter/http"
	"studio-core/internal/studio/adapter/persistence/memory"
	mongopersistence "studio-core/internal/studio/adapter/persistence/mongodb"
	"studio-core/internal/studio/adapter/persistence/postgres"
	"studio-core/internal/studio/adapter/persistence/redisstream"
	"studio-core/internal/studio/config"
	"studio-core/internal/studio/domain/repository"
	"studio-core/internal/studio/usecase"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// StudioModule owns the studio's store, change feed, cache and API handlers.
type StudioModule struct {
	Config     *config.Config
	Store      repository.RemoteStore
	Feed       repository.ChangeFeed
	Cache      *cache.ResultCache
	Client     *usecase.DataClient
	Auth       *httpadapter.AuthMiddleware
	Handler    *httpadapter.StudioHandler
	WSHandler  *httpadapter.WebSocketHandler
	Logger     logger.Logger
	closers    []func(context.Context) error
	pingTarget repository.Pinger
}

// NewStudioModule connects the configured backends and wires the data client.
func NewStudioModule(ctx context.Context, cfg *config.Config, log logger.Logger) (*StudioModule, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	log.Info("Initializing studio module",
		zap.String("store", cfg.StoreDriver),
		zap.String("realtime", cfg.RealtimeDriver))

	m := &StudioModule{Config: cfg, Logger: log}
	if err := m.connectStore(ctx); err != nil {
		m.Stop(context.Background())
		return nil, err
	}
	if cfg.RealtimeDriver == config.RealtimeRedis {
		if err := m.connectRedisFeed(ctx); err != nil {
			m.Stop(context.Background())
			return nil, err
		}
	}
	if p, ok := m.Store.(repository.Pinger); ok {
		m.pingTarget = p
	}

	m.Cache = cache.New(cfg.CacheTTL)
	m.Client = usecase.NewDataClient(m.Store, m.Feed, m.Cache, log)

	filters, err := httpadapter.NewFilterCompiler()
	if err != nil {
		m.Stop(context.Background())
		return nil, err
	}
	m.Auth = httpadapter.NewAuthMiddleware(cfg.Auth.JWTSecretKey, log)
	m.Handler = httpadapter.NewStudioHandler(m.Client, m.pingTarget, m.Auth, log)
	m.WSHandler = httpadapter.NewWebSocketHandler(m.Client, filters, m.Auth, log)

	if !m.Auth.Enabled() {
		log.Warn("JWT_SECRET_KEY not set, API authentication disabled")
	}
	log.Info("Studio module initialized")
	return m, nil
}

func (m *StudioModule) connectStore(ctx context.Context) error {
	switch m.Config.StoreDriver {
	case config.StoreMemory:
		store := memory.NewStore(m.Logger)
		m.Store, m.Feed = store, store

	case config.StoreMongo:
		client, err := mongopersistence.Connect(ctx, m.Config.Mongo.URI)
		if err != nil {
			return fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		m.closers = append(m.closers, client.Disconnect)
		db := client.Database(m.Config.Mongo.Database)
		m.Store = mongopersistence.NewStore(db, m.Logger, m.Config.Mongo.Transactions)
		m.Feed = mongopersistence.NewChangeFeed(db, m.Logger)

	case config.StorePostgres:
		db, err := postgres.Open(ctx, m.Config.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("failed to connect to Postgres: %w", err)
		}
		m.closers = append(m.closers, func(context.Context) error { return db.Close() })
		if err := postgres.Migrate(ctx, db, m.Config.Postgres.NotifyChannel); err != nil {
			return fmt.Errorf("failed to migrate Postgres schema: %w", err)
		}
		m.Store = postgres.NewStore(db, m.Logger)
		m.Feed = postgres.NewChangeFeed(m.Config.Postgres.DSN, m.Config.Postgres.NotifyChannel, m.Logger)

	default:
		return fmt.Errorf("unknown store driver %q", m.Config.StoreDriver)
	}
	return nil
}

// connectRedisFeed replaces the store's own feed with a Redis stream shared
// by every instance, publishing each local write to it.
func (m *StudioModule) connectRedisFeed(ctx context.Context) error {
	client := config.NewRedisClient(&m.Config.Redis)
	m.closers = append(m.closers, func(context.Context) error { return client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis at %s: %w", m.Config.Redis.GetAddr(), err)
	}

	feed := redisstream.NewChangeFeed(client, m.Config.Redis.ChangeStream, m.Config.Redis.StreamMaxLength, m.Logger)
	m.Store = redisstream.NewPublishingStore(m.Store, feed, m.Logger)
	m.Feed = feed
	return nil
}

// RegisterRoutes mounts the REST and WebSocket endpoints.
func (m *StudioModule) RegisterRoutes(router fiber.Router) {
	m.Handler.RegisterRoutes(router)
	m.WSHandler.RegisterRoutes(router)
}

// HealthCheck pings the store.
func (m *StudioModule) HealthCheck(ctx context.Context) error {
	if m.pingTarget == nil {
		return nil
	}
	return m.pingTarget.Ping(ctx)
}

// Stop closes the change bus and then the backend connections in reverse
// order of opening.
func (m *StudioModule) Stop(ctx context.Context) error {
	var errs []error
	if m.Client != nil {
		if err := m.Client.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	m.closers = nil
	return errors.Join(errs...)
}
