package app

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"mcpgate/internal/aggregator"
	"mcpgate/internal/api"
	"mcpgate/internal/auth"
	"mcpgate/internal/config"
	"mcpgate/internal/metrics"
	oauthflow "mcpgate/internal/oauth"
	"mcpgate/internal/router"
	"mcpgate/internal/routing"
	"mcpgate/internal/tokens"
	"mcpgate/pkg/logging"
)

// subgraph is everything rebuilt on a config reload. The token store,
// metrics, and HTTP listener live outside it and survive reloads.
type subgraph struct {
	registry   *routing.Registry
	breaker    *routing.Breaker
	aggregator *aggregator.Aggregator
	auth       *auth.Manager
	router     *router.Router
	flow       *oauthflow.Controller
	servers    []api.LoadedServer
}

// Container wires the gateway. It subscribes to the config manager and
// swaps the subgraph under a write lock on every committed reload.
type Container struct {
	cfgMgr  *config.Manager
	env     config.Environment
	metrics *metrics.Metrics
	store   *tokens.Store
	client  *http.Client

	mu      sync.RWMutex
	current *subgraph
	pending *subgraph

	flowCtx    context.Context
	flowCancel context.CancelFunc
}

// NewContainer builds the container from the manager's current
// snapshot. The token encryption key is resolved once at startup;
// changing its source requires a restart.
func NewContainer(cfgMgr *config.Manager) (*Container, error) {
	cfg := cfgMgr.Get()
	env := cfgMgr.Environment()

	key, err := tokens.ResolveKey(cfg.Security.ConfigKeyEnv, env == config.EnvProduction)
	if err != nil {
		return nil, err
	}
	backend, err := tokenBackend(cfg)
	if err != nil {
		return nil, err
	}
	store, err := tokens.NewStore(backend, key)
	if err != nil {
		return nil, err
	}

	c := &Container{
		cfgMgr:  cfgMgr,
		env:     env,
		metrics: metrics.New(),
		store:   store,
		client:  &http.Client{Timeout: 30 * time.Second},
	}

	built, err := c.build(cfg)
	if err != nil {
		return nil, err
	}
	c.current = built

	cfgMgr.Subscribe(c)
	return c, nil
}

// Start launches the background workers and runs the first discovery
// pass.
func (c *Container) Start(ctx context.Context) {
	c.flowCtx, c.flowCancel = context.WithCancel(ctx)
	c.store.StartSweeper(c.flowCtx)

	current := c.snapshot()
	current.flow.Start(c.flowCtx)
	c.discover(c.flowCtx, current)
}

// Stop stops background workers and closes the token store.
func (c *Container) Stop() {
	if c.flowCancel != nil {
		c.flowCancel()
	}
	c.snapshot().flow.Stop()
	c.store.Stop()
}

// Metrics exposes the process-wide collectors.
func (c *Container) Metrics() *metrics.Metrics {
	return c.metrics
}

// Router returns the current routing plane. Callers grab it per
// request so reloads take effect immediately.
func (c *Container) Router() *router.Router {
	return c.snapshot().router
}

// Flow returns the current OAuth flow controller.
func (c *Container) Flow() *oauthflow.Controller {
	return c.snapshot().flow
}

func (c *Container) snapshot() *subgraph {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Name implements config.Subscriber.
func (c *Container) Name() string { return "container" }

// Prepare implements config.Subscriber: the candidate subgraph is built
// here so any construction failure vetoes the reload.
func (c *Container) Prepare(next, prev *config.MasterConfig) error {
	built, err := c.build(next)
	if err != nil {
		return err
	}
	c.pending = built
	return nil
}

// Commit implements config.Subscriber: swap the subgraph and rediscover
// in the background. In-flight requests keep the old references.
func (c *Container) Commit(next *config.MasterConfig) error {
	if c.pending == nil {
		return fmt.Errorf("commit without prepared subgraph")
	}

	c.mu.Lock()
	old := c.current
	c.current = c.pending
	c.pending = nil
	current := c.current
	c.mu.Unlock()

	if c.flowCtx != nil {
		current.flow.Start(c.flowCtx)
		go c.discover(c.flowCtx, current)
	}
	if old != nil {
		old.flow.Stop()
	}

	logging.Info("Container", "Swapped routing subgraph (%d servers)", len(current.servers))
	return nil
}

// build constructs a complete subgraph from one config snapshot.
func (c *Container) build(cfg *config.MasterConfig) (*subgraph, error) {
	breaker := routing.NewBreaker(routing.BreakerConfig{
		FailureThreshold: cfg.Routing.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.Routing.CircuitBreaker.SuccessThreshold,
		RecoveryTimeout:  time.Duration(cfg.Routing.CircuitBreaker.RecoveryTimeoutMs) * time.Millisecond,
	})
	breaker.SetTransitionHook(func(key string, from, to routing.CircuitState) {
		c.metrics.BreakerTransitions.WithLabelValues(string(to)).Inc()
	})

	balancer := routing.NewBalancer(routing.Strategy(cfg.Routing.LoadBalancer.Strategy))
	registry := routing.NewRegistry(breaker, balancer)

	loaded := loadedServers(cfg)
	byID := make(map[string]*api.LoadedServer, len(loaded))
	for i := range loaded {
		byID[loaded[i].ID] = &loaded[i]
	}
	registry.UpdateServers(byID)

	authMgr, err := auth.NewManager(cfg, c.store, c.client)
	if err != nil {
		return nil, err
	}
	authMgr.SetRefreshObserver(func(outcome string) {
		c.metrics.TokenRefreshes.WithLabelValues(outcome).Inc()
	})

	agg := aggregator.New(
		aggregator.WithHTTPClient(c.client),
		aggregator.WithConcurrency(cfg.Routing.DiscoveryConcurrency),
		aggregator.WithTimeout(time.Duration(cfg.Routing.DiscoveryTimeoutMs)*time.Millisecond),
	)

	rt := router.New(router.Options{
		Aggregator: agg,
		Registry:   registry,
		Breaker:    breaker,
		Retrier: routing.NewRetrier(routing.RetryPolicy{
			MaxRetries:     cfg.Routing.Retry.MaxRetries,
			BaseDelay:      time.Duration(cfg.Routing.Retry.BaseDelayMs) * time.Millisecond,
			MaxDelay:       time.Duration(cfg.Routing.Retry.MaxDelayMs) * time.Millisecond,
			Factor:         cfg.Routing.Retry.BackoffFactor,
			Jitter:         routing.Jitter(cfg.Routing.Retry.Jitter),
			RetryOn:        cfg.Routing.Retry.RetryOn,
			AttemptTimeout: time.Duration(cfg.Routing.Retry.TimeoutMs) * time.Millisecond,
		}),
		Auth:     authMgr,
		Client:   c.client,
		Metrics:  c.metrics,
		Failover: cfg.Routing.FailoverEnabled(c.env),
	})

	flow := oauthflow.NewController(cfg, c.env, authMgr, c.client)

	return &subgraph{
		registry:   registry,
		breaker:    breaker,
		aggregator: agg,
		auth:       authMgr,
		router:     rt,
		flow:       flow,
		servers:    loaded,
	}, nil
}

// discover runs one discovery pass against the subgraph's servers,
// with outbound auth resolved per server.
func (c *Container) discover(ctx context.Context, s *subgraph) {
	started := time.Now()
	s.aggregator.Discover(ctx, s.servers, s.auth.DiscoveryHeaders)
	c.metrics.DiscoveryDuration.Observe(time.Since(started).Seconds())
}

// loadedServers converts the config's server declarations into runtime
// records, synthesizing a default instance for endpoint-only servers.
func loadedServers(cfg *config.MasterConfig) []api.LoadedServer {
	loaded := make([]api.LoadedServer, 0, len(cfg.Servers))
	for _, server := range cfg.Servers {
		entry := api.LoadedServer{
			ID:       server.ID,
			Type:     string(server.Type),
			Endpoint: server.Endpoint,
			Status:   api.StatusRunning,
		}
		for i, instance := range server.Instances {
			id := instance.ID
			if id == "" {
				id = "instance-" + strconv.Itoa(i)
			}
			entry.Instances = append(entry.Instances, api.ServerInstance{
				ID:     id,
				URL:    instance.URL,
				Weight: instance.Weight,
			})
		}
		if len(entry.Instances) == 0 && server.Endpoint != "" {
			entry.Instances = []api.ServerInstance{{ID: "default", URL: server.Endpoint}}
		}
		if entry.Endpoint == "" && len(entry.Instances) > 0 {
			entry.Endpoint = entry.Instances[0].URL
		}
		loaded = append(loaded, entry)
	}
	return loaded
}

// tokenBackend selects the persistence backend from the config.
func tokenBackend(cfg *config.MasterConfig) (tokens.Backend, error) {
	if cfg.Security.TokenStore == "redis" {
		backend, err := tokens.NewRedisBackend(context.Background(),
			cfg.Security.Redis.Addr, cfg.Security.Redis.Password, cfg.Security.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("failed to connect redis token backend: %w", err)
		}
		return backend, nil
	}
	return tokens.NewMemoryBackend(), nil
}
