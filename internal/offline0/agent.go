package offline0

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"offline0/internal/cachestore"
)

var (
	ErrBadStatus    = errors.New("bad response status")
	ErrNoClients    = errors.New("no reachable clients")
	ErrNotInstalled = errors.New("agent is not installed")
)

const (
	installConcurrency     = 6
	backgroundWriteTimeout = 30 * time.Second
)

type InstallPolicy string

const (
	// InstallAtomic commits the manifest only if every entry fetched.
	InstallAtomic InstallPolicy = "atomic"
	// InstallPartial commits whatever fetched and logs the rest.
	InstallPartial InstallPolicy = "partial"
)

type ClaimPolicy string

const (
	ClaimAfterCleanup ClaimPolicy = "after-cleanup"
	ClaimConcurrent   ClaimPolicy = "concurrent"
)

type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type AgentConfig struct {
	// CacheName is the versioned store name.
	CacheName    string
	Origin       *url.URL
	Manifest     []string
	RootDocument string
	Strategy     InterceptionStrategy
	Install      InstallPolicy
	Claim        ClaimPolicy
	// WaitForClients keeps a freshly installed agent waiting while the
	// active one still controls clients, until it is told to skip waiting.
	WaitForClients bool
	SyncTags       []string
	// MaxEntryBytes skips background writes of larger bodies; 0 disables
	// the limit.
	MaxEntryBytes    int64
	BackgroundWrites int64
}

// Host is the platform side the agent talks back to.
type Host interface {
	SkipWaiting(ctx context.Context, a *Agent) error
	Claim(ctx context.Context, a *Agent) error
	MatchAll(ctx context.Context, a *Agent) ([]Client, error)
}

type noHost struct{}

func (noHost) SkipWaiting(context.Context, *Agent) error { return nil }

func (noHost) Claim(context.Context, *Agent) error { return nil }

func (noHost) MatchAll(context.Context, *Agent) ([]Client, error) { return nil, nil }

// Agent is one version of the offline cache agent.
type Agent struct {
	cfg     AgentConfig
	storage cachestore.Storage
	network Fetcher
	host    Host
	log     zerolog.Logger
	stats   *statsCollector

	manifest []*http.Request
	root     *http.Request

	mu    sync.Mutex
	state State
	cache cachestore.Cache

	skipWaiting atomic.Bool
	bgSem       *semaphore.Weighted
	writeLog    *rateLimitedLogger
}

func NewAgent(cfg AgentConfig, storage cachestore.Storage, network Fetcher) (*Agent, error) {
	if cfg.CacheName == "" {
		return nil, fmt.Errorf("cache name is required")
	}
	if cfg.Origin == nil || !cfg.Origin.IsAbs() {
		return nil, fmt.Errorf("absolute origin is required")
	}
	if cfg.Strategy == nil {
		cfg.Strategy = CacheFirstOriginAware{}
	}
	if cfg.Install == "" {
		cfg.Install = InstallAtomic
	}
	if cfg.Claim == "" {
		cfg.Claim = ClaimAfterCleanup
	}
	if cfg.RootDocument == "" {
		cfg.RootDocument = "./index.html"
	}
	if cfg.BackgroundWrites <= 0 {
		cfg.BackgroundWrites = 32
	}

	manifest, err := resolveManifest(cfg.Origin, cfg.Manifest)
	if err != nil {
		return nil, err
	}
	root, err := resolveRequest(cfg.Origin, cfg.RootDocument)
	if err != nil {
		return nil, err
	}

	logger := log.With().Str("cache", cfg.CacheName).Logger()
	return &Agent{
		cfg:      cfg,
		storage:  storage,
		network:  network,
		host:     noHost{},
		log:      logger,
		stats:    newStatsCollector(),
		manifest: manifest,
		root:     root,
		bgSem:    semaphore.NewWeighted(cfg.BackgroundWrites),
		writeLog: newRateLimitedLogger(logger, time.Minute),
	}, nil
}

// Name returns the versioned cache name this agent owns.
func (a *Agent) Name() string { return a.cfg.CacheName }

func (a *Agent) Strategy() string { return a.cfg.Strategy.Name() }

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Agent) Stats() StatsSnapshot { return a.stats.Snapshot() }

func (a *Agent) bind(h Host) { a.host = h }

// Install opens the versioned store and fills it with the manifest. With
// the atomic policy nothing is stored unless every entry fetched with a 2xx
// status. A failed install leaves the agent parsed, so it can be retried,
// and removes the store if the install created it.
func (a *Agent) Install(ctx context.Context) error {
	a.setState(StateInstalling)
	a.log.Info().Int("assets", len(a.manifest)).Str("policy", string(a.cfg.Install)).Msg("installing")

	existed, err := a.storage.Has(ctx, a.cfg.CacheName)
	var cache cachestore.Cache
	if err == nil {
		cache, err = a.storage.Open(ctx, a.cfg.CacheName)
	}
	if err == nil {
		err = a.populate(ctx, cache)
	}
	if err != nil {
		if cache != nil && !existed {
			if _, derr := a.storage.Delete(context.WithoutCancel(ctx), a.cfg.CacheName); derr != nil {
				a.log.Warn().Err(derr).Msg("remove empty cache failed")
			}
		}
		a.setState(StateParsed)
		a.log.Error().Err(err).Msg("install failed")
		return fmt.Errorf("install %s: %w", a.cfg.CacheName, err)
	}

	a.mu.Lock()
	a.cache = cache
	a.state = StateInstalled
	a.mu.Unlock()
	a.log.Info().Msg("install complete")

	if a.cfg.WaitForClients {
		return nil
	}
	a.skipWaiting.Store(true)
	if err := a.host.SkipWaiting(ctx, a); err != nil {
		a.log.Warn().Err(err).Msg("skip waiting failed")
	}
	return nil
}

// resume adopts a store filled by an earlier run and marks the agent
// activated. Nothing is fetched and no other store is touched.
func (a *Agent) resume(ctx context.Context) error {
	ok, err := a.storage.Has(ctx, a.cfg.CacheName)
	if err == nil && !ok {
		err = cachestore.ErrNotFound
	}
	var cache cachestore.Cache
	if err == nil {
		cache, err = a.storage.Open(ctx, a.cfg.CacheName)
	}
	if err != nil {
		return fmt.Errorf("resume %s: %w", a.cfg.CacheName, err)
	}

	a.mu.Lock()
	a.cache = cache
	a.state = StateActivated
	a.mu.Unlock()
	a.log.Info().Msg("resumed from a previous run")
	return nil
}

func (a *Agent) populate(ctx context.Context, cache cachestore.Cache) error {
	responses := make([]*cachestore.Response, len(a.manifest))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)
	for i, req := range a.manifest {
		g.Go(func() error {
			u := req.URL.String()
			res, err := a.network.Fetch(gctx, req)
			if err == nil && !res.OK() {
				err = fmt.Errorf("%w %d", ErrBadStatus, res.Status)
			}
			if err != nil {
				err = fmt.Errorf("fetch %s: %w", u, err)
				if a.cfg.Install == InstallPartial {
					a.log.Warn().Err(err).Str("url", u).Msg("asset not cached")
					return nil
				}
				return err
			}
			responses[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	reqs := make([]*http.Request, 0, len(responses))
	stored := make([]*cachestore.Response, 0, len(responses))
	for i, res := range responses {
		if res != nil {
			reqs = append(reqs, a.manifest[i])
			stored = append(stored, res)
		}
	}
	if err := cache.PutAll(ctx, reqs, stored); err != nil {
		return fmt.Errorf("store manifest: %w", err)
	}
	a.log.Debug().Int("stored", len(stored)).Msg("manifest stored")
	return nil
}

// Activate deletes every store but the current one and claims the clients.
// Deletions are best-effort: failures are logged and counted, never
// returned.
func (a *Agent) Activate(ctx context.Context) error {
	switch a.State() {
	case StateInstalled, StateActivating, StateActivated:
	default:
		return ErrNotInstalled
	}
	a.setState(StateActivating)
	a.log.Info().Str("claim", string(a.cfg.Claim)).Msg("activating")

	names, err := a.storage.Keys(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("list caches failed, skipping cleanup")
	}

	var g errgroup.Group
	for _, name := range names {
		if name == a.cfg.CacheName {
			continue
		}
		g.Go(func() error {
			a.log.Info().Str("stale", name).Msg("deleting stale cache")
			if _, err := a.storage.Delete(ctx, name); err != nil {
				a.stats.deleteFailures.Add(1)
				a.log.Warn().Err(err).Str("stale", name).Msg("delete stale cache failed")
			}
			return nil
		})
	}

	claim := func() error {
		if err := a.host.Claim(ctx, a); err != nil {
			a.log.Warn().Err(err).Msg("claim failed")
		}
		return nil
	}
	if a.cfg.Claim == ClaimConcurrent {
		g.Go(claim)
		_ = g.Wait()
	} else {
		_ = g.Wait()
		_ = claim()
	}

	a.setState(StateActivated)
	a.log.Info().Msg("activated")
	return nil
}

// Fetch intercepts one request. handled is false for requests the agent
// leaves to the network untouched (anything but GET); err is set when the
// strategy rejects.
func (a *Agent) Fetch(ctx context.Context, ev *FetchEvent) (res *cachestore.Response, handled bool, err error) {
	if ev.Request.Method != http.MethodGet {
		a.stats.Observe(OutcomeBypass, 0)
		return nil, false, nil
	}
	cache, err := a.openCache(ctx)
	if err != nil {
		a.log.Error().Err(err).Str("url", ev.Request.URL.String()).Msg("cache unavailable, passing through")
		a.stats.Observe(OutcomeBypass, 0)
		return nil, false, nil
	}

	env := &Env{
		Cache:   cache,
		Network: a.network,
		Origin:  a.cfg.Origin,
		Root:    a.root,
		Log:     a.log.With().Str("strategy", a.cfg.Strategy.Name()).Str("method", ev.Request.Method).Logger(),
		Store: func(r *http.Request, res *cachestore.Response) {
			a.storeAsync(cache, r, res)
		},
	}
	res, err = a.cfg.Strategy.Respond(ctx, env, ev)
	if err != nil {
		ev.record(OutcomeRejected)
		a.stats.Observe(OutcomeRejected, 0)
		env.Log.Warn().Err(err).Str("url", ev.Request.URL.String()).Msg("interception rejected")
		return nil, true, err
	}
	a.stats.Observe(ev.Outcome(), len(res.Body))
	return res, true, nil
}

func (a *Agent) openCache(ctx context.Context) (cachestore.Cache, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cache != nil {
		return a.cache, nil
	}
	c, err := a.storage.Open(ctx, a.cfg.CacheName)
	if err != nil {
		return nil, err
	}
	a.cache = c
	return c, nil
}

// storeAsync writes res in the background with its own deadline, so an
// abandoned interception never cancels a write half way.
func (a *Agent) storeAsync(cache cachestore.Cache, r *http.Request, res *cachestore.Response) {
	u := r.URL.String()
	if a.cfg.MaxEntryBytes > 0 && int64(len(res.Body)) > a.cfg.MaxEntryBytes {
		a.log.Debug().Str("url", u).Int("size", len(res.Body)).Msg("response too large to cache")
		return
	}
	if !a.bgSem.TryAcquire(1) {
		a.stats.writesDropped.Add(1)
		a.writeLog.Warn(nil, u, "background writes saturated, dropping cache write")
		return
	}
	req := r.Clone(context.Background())
	go func() {
		defer a.bgSem.Release(1)
		ctx, cancel := context.WithTimeout(context.Background(), backgroundWriteTimeout)
		defer cancel()

		if err := cache.Put(ctx, req, res); err != nil {
			a.stats.writeFailures.Add(1)
			a.writeLog.Warn(err, u, "background cache write failed")
			return
		}
		a.stats.writes.Add(1)
		a.log.Trace().Str("url", u).Msg("cache write")
	}()
}

// Wait blocks until every background write started so far has finished.
func (a *Agent) Wait(ctx context.Context) error {
	if err := a.bgSem.Acquire(ctx, a.cfg.BackgroundWrites); err != nil {
		return err
	}
	a.bgSem.Release(a.cfg.BackgroundWrites)
	return nil
}

// retire marks the agent redundant once a successor took over and drains
// its background writes.
func (a *Agent) retire(ctx context.Context) {
	a.setState(StateRedundant)
	if err := a.Wait(ctx); err != nil {
		a.log.Warn().Err(err).Msg("background writes still running at retirement")
	}
	a.log.Info().Msg("redundant")
}

// Message handles a cross-context message. Unknown types are ignored.
func (a *Agent) Message(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MessageSkipWaiting:
		a.skipWaiting.Store(true)
		return a.host.SkipWaiting(ctx, a)
	default:
		a.log.Debug().Str("type", msg.Type).Msg("ignoring message")
		return nil
	}
}

// Sync relays a deferred synchronization to every controlled client. It
// performs no reconciliation itself. Errors are returned so the platform
// can reschedule.
func (a *Agent) Sync(ctx context.Context, tag string) error {
	if !slices.Contains(a.cfg.SyncTags, tag) {
		a.log.Debug().Str("tag", tag).Msg("ignoring unknown sync tag")
		return nil
	}
	a.log.Info().Str("tag", tag).Msg("synchronizing pending records")

	clients, err := a.host.MatchAll(ctx, a)
	if err != nil {
		a.log.Error().Err(err).Str("tag", tag).Msg("sync failed")
		return fmt.Errorf("sync %s: match clients: %w", tag, err)
	}
	if len(clients) == 0 {
		a.log.Error().Str("tag", tag).Msg("sync failed: no clients")
		return fmt.Errorf("sync %s: %w", tag, ErrNoClients)
	}

	msg := syncMessage(tag)
	var errs []error
	for _, c := range clients {
		if err := c.Post(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("post to %s: %w", c.ID(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Error().Err(err).Str("tag", tag).Msg("sync failed")
		return fmt.Errorf("sync %s: %w", tag, err)
	}
	return nil
}
