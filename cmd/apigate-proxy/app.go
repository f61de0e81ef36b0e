package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Sternrassler/apigate/pkg/cache"
	"github.com/Sternrassler/apigate/pkg/client"
	"github.com/Sternrassler/apigate/pkg/config"
	"github.com/Sternrassler/apigate/pkg/logging"
	"github.com/Sternrassler/apigate/pkg/pagination"
	"github.com/Sternrassler/apigate/pkg/ratelimit"
	"github.com/Sternrassler/apigate/pkg/requestor"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// route serves one configured endpoint. A fresh Requestor is built for every
// call, so concurrent inbound requests never share params.
type route struct {
	name string
	ep   requestor.Endpoint

	// request returns the cached or fetched value; refresh drops the cached
	// entry first.
	request func(ctx context.Context, params cache.Params, refresh bool) (any, error)

	// warm makes sure a value is cached.
	warm func(ctx context.Context, params cache.Params) error

	// direct bypasses the cache.
	direct func(ctx context.Context, params cache.Params) (any, bool)
}

func newRoute[T any](store cache.Store, c requestor.Client, name string, ep requestor.Endpoint, fetch requestor.FetchFunc[T], def T) route {
	build := func(params cache.Params) (*requestor.Requestor[T], error) {
		r, err := requestor.New(store, c, ep, fetch, def)
		if err != nil {
			return nil, err
		}
		return r.SetParams(params), nil
	}

	return route{
		name: name,
		ep:   ep,
		request: func(ctx context.Context, params cache.Params, refresh bool) (any, error) {
			r, err := build(params)
			if err != nil {
				return nil, err
			}
			if refresh {
				r.MarkForDeletion()
			}
			return r.Request(ctx)
		},
		warm: func(ctx context.Context, params cache.Params) error {
			r, err := build(params)
			if err != nil {
				return err
			}
			return r.RequestOnly(ctx)
		},
		direct: func(ctx context.Context, params cache.Params) (any, bool) {
			d, err := requestor.NewDirect(c, ep, fetch)
			if err != nil {
				return nil, false
			}
			return d.Fetch(ctx, params)
		},
	}
}

// app wires configuration into the client, cache and routes.
type app struct {
	cfg    *config.Config
	client *client.Client
	store  *cache.Manager
	routes map[string]route
	logger zerolog.Logger

	redis  *redis.Client
	sqlite *cache.SQLiteBackend
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{
		cfg:    cfg,
		routes: make(map[string]route),
		logger: logging.NewLogger("proxy"),
	}

	if cfg.Cache.Backend == config.BackendRedis || cfg.ErrorBudget.Enabled {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr, DB: cfg.Cache.RedisDB})
		if err := a.redis.Ping(context.Background()).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Cache.RedisAddr, err)
		}
	}

	var backend cache.Backend
	switch cfg.Cache.Backend {
	case config.BackendRedis:
		backend = cache.NewRedisBackend(a.redis)
	case config.BackendSQLite:
		sqlite, err := cache.NewSQLiteBackend(cfg.Cache.SQLitePath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		a.sqlite = sqlite
		backend = sqlite
	default:
		backend = cache.NewMemoryBackend()
	}
	a.store = cache.NewManager(backend, cfg.Cache.TTL)

	clientCfg := cfg.ClientConfig()
	if cfg.ErrorBudget.Enabled {
		tracker := ratelimit.NewTracker(a.redis, ratelimit.TrackerConfig{
			API:          clientCfg.BaseURL,
			RemainHeader: cfg.ErrorBudget.RemainHeader,
			ResetHeader:  cfg.ErrorBudget.ResetHeader,
		}, a.logger)
		clientCfg.RateLimit.Adjuster = ratelimit.Chain(clientCfg.RateLimit.Adjuster, tracker)
	}

	c, err := client.New(clientCfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.client = c

	for _, ec := range cfg.Endpoints {
		ep := ec.Endpoint()
		if ec.Paged {
			a.routes[ec.Name] = newRoute(a.store, c, ec.Name, ep,
				pagination.AllPagesJSON[json.RawMessage](pagination.DefaultConfig()), []json.RawMessage{})
			continue
		}
		a.routes[ec.Name] = newRoute(a.store, c, ec.Name, ep,
			requestor.GetJSON[json.RawMessage](), json.RawMessage("null"))
	}

	a.logger.Info().
		Str("base_url", c.BaseURL()).
		Str("cache_backend", backend.Name()).
		Bool("error_budget", cfg.ErrorBudget.Enabled).
		Int("endpoints", len(a.routes)).
		Msg("Proxy configured")

	return a, nil
}

// purgeExpired removes expired rows when the cache lives in SQLite. Redis and
// memory entries expire on their own or on access.
func (a *app) purgeExpired(ctx context.Context) {
	if a.sqlite == nil {
		return
	}
	n, err := a.sqlite.PurgeExpired(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to purge expired cache entries")
		return
	}
	if n > 0 {
		a.logger.Debug().Int64("removed", n).Msg("Purged expired cache entries")
	}
}

// Close releases the client, database and Redis connections.
func (a *app) Close() error {
	var errs []error
	if a.client != nil {
		errs = append(errs, a.client.Close())
	}
	if a.sqlite != nil {
		errs = append(errs, a.sqlite.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}
