package offline0

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"offline0/internal/cachestore"
)

// Service wires storage, network, registration and the HTTP server for one
// configured agent version.
type Service struct {
	cfg     Config
	store   *cachestore.Store
	network *HTTPFetcher
	clients *ClientRegistry
	reg     *Registration
	agent   *Agent
	server  *Server

	stopCh    chan struct{}
	stopOnce  sync.Once
	loops     sync.WaitGroup
	installed chan struct{}
}

func NewService(cfg Config) (*Service, error) {
	store, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}

	acfg, err := cfg.AgentConfig()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	network := NewHTTPFetcher(cfg.Origin(), cfg.Network.timeoutDur)
	agent, err := NewAgent(acfg, store, network)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("agent: %w", err)
	}

	clients := NewClientRegistry()
	reg := NewRegistration(clients, RegistrationConfig{
		SyncMaxTries:     cfg.Sync.MaxTries,
		SyncInitialDelay: cfg.Sync.initialDelayDur,
	})

	return &Service{
		cfg:       cfg,
		store:     store,
		network:   network,
		clients:   clients,
		reg:       reg,
		agent:     agent,
		server:    NewServer(reg, clients, network, cfg.Origin()),
		stopCh:    make(chan struct{}),
		installed: make(chan struct{}),
	}, nil
}

func openStorage(cfg Config) (*cachestore.Store, error) {
	path := cfg.Storage.Path
	switch cfg.Storage.Driver {
	case DriverMemory:
		return cachestore.NewMemory(), nil
	case DriverLevelDB:
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		return cachestore.OpenLevelDB(path)
	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		return cachestore.OpenSQLite(path)
	}
	return nil, fmt.Errorf("storage: unknown driver %q", cfg.Storage.Driver)
}

// Start registers the configured agent. When the install fails (the origin
// is unreachable) it keeps retrying in the background. Meanwhile the last
// installed store keeps serving, or requests pass through if there is none.
func (s *Service) Start(ctx context.Context) {
	if every := s.cfg.Logging.logStatsEveryDur; every > 0 {
		s.loops.Add(1)
		go s.statsLoop(every)
	}

	if err := s.reg.Update(ctx, s.agent); err == nil {
		close(s.installed)
		return
	}
	s.restorePrevious(ctx)
	s.loops.Add(1)
	go s.installLoop(s.cfg.Agent.installRetryDur)
}

// restorePrevious keeps the last installed version serving while the
// current one cannot install. The current store counts too: a restart
// while offline serves what the previous run cached.
func (s *Service) restorePrevious(ctx context.Context) {
	name, err := s.previousCache(ctx)
	if err != nil || name == "" {
		if err != nil {
			log.Warn().Err(err).Msg("list caches failed, nothing to restore")
		}
		return
	}

	a := s.agent
	if name != s.agent.Name() {
		acfg, err := s.cfg.AgentConfig()
		if err == nil {
			acfg.CacheName = name
			a, err = NewAgent(acfg, s.store, s.network)
		}
		if err != nil {
			log.Warn().Err(err).Str("cache", name).Msg("restore failed")
			return
		}
	}
	if err := s.reg.Restore(ctx, a); err != nil {
		log.Warn().Err(err).Str("cache", name).Msg("restore failed")
		return
	}
	log.Info().Str("cache", name).Str("current", s.agent.Name()).Msg("serving previous cache until install succeeds")
}

// previousCache returns the current store if it exists, else the highest
// named store of this application.
func (s *Service) previousCache(ctx context.Context) (string, error) {
	names, err := s.store.Keys(ctx)
	if err != nil {
		return "", err
	}
	prefix := s.cfg.Agent.CacheName + "-"
	var best string
	for _, name := range names {
		if name == s.agent.Name() {
			return name, nil
		}
		if strings.HasPrefix(name, prefix) && compareVersions(name[len(prefix):], best) > 0 {
			best = name[len(prefix):]
		}
	}
	if best == "" {
		return "", nil
	}
	return prefix + best, nil
}

// compareVersions orders v-prefixed dotted versions numerically where both
// parts are numbers and lexically otherwise.
func compareVersions(a, b string) int {
	pa := strings.Split(strings.TrimPrefix(a, "v"), ".")
	pb := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var x, y string
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		nx, errx := strconv.Atoi(x)
		ny, erry := strconv.Atoi(y)
		switch {
		case errx == nil && erry == nil:
			if c := cmp.Compare(nx, ny); c != 0 {
				return c
			}
		default:
			if c := strings.Compare(x, y); c != 0 {
				return c
			}
		}
	}
	return 0
}

func (s *Service) installLoop(every time.Duration) {
	defer s.loops.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			err := s.reg.Update(ctx, s.agent)
			cancel()
			if err == nil {
				close(s.installed)
				return
			}
			log.Warn().Err(err).Dur("retryIn", every).Msg("install retry failed")
		}
	}
}

// Installed is closed once the agent has been installed.
func (s *Service) Installed() <-chan struct{} { return s.installed }

// Install runs the agent's install and activation once, without serving.
func (s *Service) Install(ctx context.Context) error {
	if err := s.reg.Update(ctx, s.agent); err != nil {
		return err
	}
	return s.agent.Wait(ctx)
}

// CacheInfo describes one store for the caches command.
type CacheInfo struct {
	Name    string
	Entries int
	Current bool
}

func (s *Service) Caches(ctx context.Context) ([]CacheInfo, error) {
	names, err := s.store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]CacheInfo, 0, len(names))
	for _, name := range names {
		c, err := s.store.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := c.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, CacheInfo{Name: name, Entries: len(keys), Current: name == s.agent.Name()})
	}
	return out, nil
}

func (s *Service) Handler() http.Handler {
	return s.server
}

func (s *Service) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.loops.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("background syncs still running")
		}
		if a := s.reg.Active(); a != nil && a != s.agent {
			if err := a.Wait(ctx); err != nil {
				log.Warn().Err(err).Msg("background writes still running")
			}
		}
		if err := s.agent.Wait(ctx); err != nil {
			log.Warn().Err(err).Msg("background writes still running")
		}
		if err := s.store.Close(); err != nil && !errors.Is(err, cachestore.ErrClosed) {
			log.Warn().Err(err).Msg("close storage")
		}
	})
}

// serving returns the agent answering requests: the active one, which may
// be a restored previous version, else the configured one.
func (s *Service) serving() *Agent {
	if a := s.reg.Active(); a != nil {
		return a
	}
	return s.agent
}

func (s *Service) statsLoop(every time.Duration) {
	defer s.loops.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			a := s.serving()
			ss := a.Stats()
			log.Info().
				Str("cache", a.Name()).
				Uint64("fromCache", ss.Cache).
				Uint64("fromNetwork", ss.Network).
				Uint64("fallback", ss.Fallback).
				Uint64("offline", ss.Offline).
				Uint64("bypass", ss.Bypass).
				Uint64("rejected", ss.Rejected).
				Uint64("writeFailures", ss.WriteFailures).
				Uint64("writesDropped", ss.WritesDropped).
				Int("clients", s.clients.Len()).
				Msgf("Resp min/avg/max %s/%s/%s",
					formatBytes(ss.MinRespBytes),
					formatBytes(ss.AvgRespBytes),
					formatBytes(ss.MaxRespBytes),
				)
		}
	}
}
