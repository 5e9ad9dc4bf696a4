package offline0

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"offline0/internal/cachestore"
)

const (
	StrategyCacheFirst   = "cache-first"
	StrategyNetworkFirst = "network-first"
)

// ErrNoFallback rejects an interception when neither the network nor the
// cache can answer.
var ErrNoFallback = errors.New("no cached fallback")

// InterceptionStrategy decides how one GET request is answered.
type InterceptionStrategy interface {
	Name() string
	Respond(ctx context.Context, env *Env, ev *FetchEvent) (*cachestore.Response, error)
}

// NewStrategy returns the strategy registered under name.
func NewStrategy(name string) (InterceptionStrategy, error) {
	switch name {
	case StrategyCacheFirst:
		return CacheFirstOriginAware{}, nil
	case StrategyNetworkFirst:
		return NetworkFirstWithFallback{}, nil
	}
	return nil, fmt.Errorf("unknown strategy %q", name)
}

// Env is what a strategy may touch while answering.
type Env struct {
	Cache   cachestore.Cache
	Network Fetcher
	Origin  *url.URL
	// Root is the request for the cached root document.
	Root *http.Request
	Log  zerolog.Logger
	// Store saves res under r without blocking the caller. Nil disables
	// cache writes.
	Store func(r *http.Request, res *cachestore.Response)
}

func (e *Env) lookup(ctx context.Context, r *http.Request) (*cachestore.Response, bool) {
	res, ok, err := e.Cache.Match(ctx, r)
	if err != nil {
		e.Log.Warn().Err(err).Str("url", r.URL.String()).Msg("cache lookup failed")
		return nil, false
	}
	return res, ok
}

func (e *Env) rootDocument(ctx context.Context) (*cachestore.Response, bool) {
	if e.Root == nil {
		return nil, false
	}
	return e.lookup(ctx, e.Root)
}

func (e *Env) store(r *http.Request, res *cachestore.Response) {
	if e.Store != nil {
		e.Store(r, res.Clone())
	}
}

// CacheFirstOriginAware answers from the cache when it can and fills the
// cache from successful network responses. Cross-origin misses only store
// readable responses and fall back to the root document; same-origin misses
// fall back to the root document for HTML and to a 503 otherwise.
type CacheFirstOriginAware struct{}

func (CacheFirstOriginAware) Name() string { return StrategyCacheFirst }

func (s CacheFirstOriginAware) Respond(ctx context.Context, env *Env, ev *FetchEvent) (*cachestore.Response, error) {
	if res, ok := env.lookup(ctx, ev.Request); ok {
		ev.record(OutcomeCache)
		return res, nil
	}
	if !ev.SameOrigin(env.Origin) {
		return s.crossOrigin(ctx, env, ev)
	}
	return s.sameOrigin(ctx, env, ev)
}

func (CacheFirstOriginAware) crossOrigin(ctx context.Context, env *Env, ev *FetchEvent) (*cachestore.Response, error) {
	u := ev.Request.URL.String()
	res, err := env.Network.Fetch(ctx, ev.Request)
	if err != nil {
		env.Log.Info().Err(err).Str("url", u).Msg("cross-origin resource unavailable")
		if root, ok := env.rootDocument(ctx); ok {
			ev.record(OutcomeFallback)
			return root, nil
		}
		return nil, fmt.Errorf("%s: %w: %w", u, ErrNoFallback, err)
	}
	if res.Status == http.StatusOK && res.Type == cachestore.TypeBasic {
		env.store(ev.Request, res)
	}
	ev.record(OutcomeNetwork)
	return res, nil
}

func (CacheFirstOriginAware) sameOrigin(ctx context.Context, env *Env, ev *FetchEvent) (*cachestore.Response, error) {
	u := ev.Request.URL.String()
	res, err := env.Network.Fetch(ctx, ev.Request)
	if err != nil {
		env.Log.Error().Err(err).Str("url", u).Msg("fetch failed")
		if ev.AcceptsHTML() {
			if root, ok := env.rootDocument(ctx); ok {
				ev.record(OutcomeFallback)
				return root, nil
			}
		}
		ev.record(OutcomeOffline)
		return offlineResponse(u), nil
	}
	if res.Status == http.StatusOK {
		env.store(ev.Request, res)
	}
	ev.record(OutcomeNetwork)
	return res, nil
}

// NetworkFirstWithFallback always tries the network and only reads the
// cache when the network fails. It never writes to the cache.
type NetworkFirstWithFallback struct{}

func (NetworkFirstWithFallback) Name() string { return StrategyNetworkFirst }

func (NetworkFirstWithFallback) Respond(ctx context.Context, env *Env, ev *FetchEvent) (*cachestore.Response, error) {
	u := ev.Request.URL.String()
	res, err := env.Network.Fetch(ctx, ev.Request)
	if err == nil {
		ev.record(OutcomeNetwork)
		return res, nil
	}
	env.Log.Info().Err(err).Str("url", u).Msg("network unavailable, trying cache")

	if cached, ok := env.lookup(ctx, ev.Request); ok {
		ev.record(OutcomeCache)
		return cached, nil
	}
	if ev.Navigate {
		if root, ok := env.rootDocument(ctx); ok {
			ev.record(OutcomeFallback)
			return root, nil
		}
	}
	ev.record(OutcomeOffline)
	return offlineResponse(u), nil
}
