package initialization

import (
	"context"
	"fmt"

	"github.com/toolgate/toolgate/internal/auth"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/controllers"
	"github.com/toolgate/toolgate/internal/credcache"
	"github.com/toolgate/toolgate/internal/maintenance"
	"github.com/toolgate/toolgate/internal/mcphandler"
	"github.com/toolgate/toolgate/internal/metrics"
	"github.com/toolgate/toolgate/internal/middlewares"
	"github.com/toolgate/toolgate/internal/oauth"
	"github.com/toolgate/toolgate/internal/reconcile"
	"github.com/toolgate/toolgate/internal/sessions"
	"github.com/toolgate/toolgate/internal/storage/postgres"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Container wires the credential lifecycle subsystem together and owns the
// process-wide state: the credential cache, the session manager and their
// background loops. Explicit Start/Shutdown keeps tests and graceful
// shutdown in control of every goroutine.
type Container struct {
	Config *config.Config

	Cache          *credcache.Store
	Watcher        *credcache.Watcher
	SessionManager *sessions.Manager
	Reconciler     *reconcile.Reconciler
	Resolver       *middlewares.CredentialResolver
	Controller     *controllers.InstanceController
	OwnerTokens    *auth.OwnerTokenParser
	Metrics        *prometheus.Registry
	Scheduler      *maintenance.Scheduler

	pool        *pgxpool.Pool
	redisClient *redis.Client
}

func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to durable store: %w", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	repo := postgres.NewCredentialRepository(pool)
	audit := postgres.NewAuditRecorder(pool)

	cache := credcache.NewStore(nil)
	watcher := credcache.NewWatcher(cache, credcache.DefaultWatcherConfig(), nil)

	var broker *oauth.BrokerClient
	if cfg.OAuthBrokerURL != "" {
		broker = oauth.NewBrokerClient(cfg.OAuthBrokerURL, oauth.DefaultProviderTimeout)
	}

	refresher := oauth.NewRefresher(oauth.RefresherDeps{
		Broker:  broker,
		Metrics: metrics.NewRefreshMetrics(registry),
		Audit:   audit,
	})

	sessionManager := sessions.NewManager(
		mcphandler.NewFactory(cfg.UpstreamBaseURLs()),
		sessions.DefaultManagerConfig(),
		nil,
	)

	reconciler := reconcile.NewReconciler(cache, repo)

	resolver := middlewares.NewCredentialResolver(middlewares.CredentialResolverDeps{
		Cache:       cache,
		Repository:  repo,
		Refresher:   refresher,
		Coordinator: oauth.NewRefreshCoordinator(redisClient),
		Providers:   cfg.ProviderMap(),
		RetryPolicy: oauth.DefaultRetryPolicy(),
	})

	controller := controllers.NewInstanceController(controllers.InstanceControllerDeps{
		Cache:      cache,
		Sessions:   sessionManager,
		Repository: repo,
	})

	return &Container{
		Config:         cfg,
		Cache:          cache,
		Watcher:        watcher,
		SessionManager: sessionManager,
		Reconciler:     reconciler,
		Resolver:       resolver,
		Controller:     controller,
		OwnerTokens:    auth.NewOwnerTokenParser(cfg.OwnerTokenSecret),
		Metrics:        registry,
		Scheduler:      maintenance.NewScheduler(cache, sessionManager, reconciler),
		pool:           pool,
		redisClient:    redisClient,
	}, nil
}

// Start launches the background loops.
func (c *Container) Start(ctx context.Context) error {
	c.Watcher.Start(ctx)
	c.SessionManager.Start(ctx)

	return c.Scheduler.Start()
}

// Shutdown stops every background loop, closes all live protocol sessions
// and releases storage connections.
func (c *Container) Shutdown() {
	c.Scheduler.Stop()
	c.Watcher.Stop()
	c.SessionManager.Shutdown()
	c.Cache.Clear()

	if c.redisClient != nil {
		if err := c.redisClient.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close redis client")
		}
	}

	c.pool.Close()

	log.Info().Msg("Credential subsystem shut down")
}
