package offline0

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"offline0/internal/cachestore"
)

// ErrNoAgent is returned when no agent is installed to take an event.
var ErrNoAgent = errors.New("no agent")

type RegistrationConfig struct {
	SyncMaxTries     uint
	SyncInitialDelay time.Duration
}

// Registration is the platform side of the agent lifecycle: it holds the
// active and waiting agents and routes events to them.
type Registration struct {
	cfg     RegistrationConfig
	clients *ClientRegistry
	log     zerolog.Logger

	// lifecycle serializes installs and promotions.
	lifecycle sync.Mutex

	mu      sync.Mutex
	active  *Agent
	waiting *Agent
}

func NewRegistration(clients *ClientRegistry, cfg RegistrationConfig) *Registration {
	if cfg.SyncMaxTries == 0 {
		cfg.SyncMaxTries = 5
	}
	if cfg.SyncInitialDelay <= 0 {
		cfg.SyncInitialDelay = time.Second
	}
	return &Registration{
		cfg:     cfg,
		clients: clients,
		log:     log.With().Str("component", "registration").Logger(),
	}
}

func (r *Registration) Active() *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Registration) Waiting() *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Update installs a and, when nothing holds it back, activates it. A failed
// install changes nothing: the previous active agent keeps serving.
func (r *Registration) Update(ctx context.Context, a *Agent) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.Active() == a || r.Waiting() == a {
		return nil
	}
	a.bind(r)
	if err := a.Install(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	active := r.active
	immediate := active == nil || a.skipWaiting.Load() || len(r.clients.Controlled(active)) == 0
	var replaced *Agent
	if !immediate {
		replaced = r.waiting
		r.waiting = a
	}
	r.mu.Unlock()

	if replaced != nil && replaced != a {
		replaced.retire(ctx)
	}
	if immediate {
		return r.promote(ctx, a)
	}
	a.log.Info().Str("active", active.Name()).Msg("installed, waiting for the active agent's clients to close")
	return nil
}

// Restore makes a the active agent over a store filled by an earlier run,
// without fetching or cleaning anything. It only applies while no agent is
// active, so a later Update supersedes it and deletes its store.
func (r *Registration) Restore(ctx context.Context, a *Agent) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.Active() != nil {
		return nil
	}
	a.bind(r)
	if err := a.resume(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	r.active = a
	r.mu.Unlock()
	return r.Claim(ctx, a)
}

// promote makes a the active agent and activates it. The caller holds
// r.lifecycle.
func (r *Registration) promote(ctx context.Context, a *Agent) error {
	r.mu.Lock()
	old := r.active
	r.active = a
	if r.waiting == a {
		r.waiting = nil
	}
	r.mu.Unlock()

	if old != nil && old != a {
		old.retire(ctx)
	}
	return a.Activate(ctx)
}

// SkipWaiting promotes a if it is the waiting agent. Called during install,
// it only marks a so Update activates it right away.
func (r *Registration) SkipWaiting(ctx context.Context, a *Agent) error {
	a.skipWaiting.Store(true)
	if r.Waiting() != a {
		return nil
	}

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	if r.Waiting() != a {
		return nil
	}
	return r.promote(ctx, a)
}

// Claim hands every connected client to a.
func (r *Registration) Claim(_ context.Context, a *Agent) error {
	n := r.clients.Claim(a)
	r.log.Info().Str("cache", a.Name()).Int("claimed", n).Int("clients", r.clients.Len()).Msg("clients claimed")
	return nil
}

// MatchAll returns the clients controlled by a.
func (r *Registration) MatchAll(_ context.Context, a *Agent) ([]Client, error) {
	return r.clients.Controlled(a), nil
}

// Fetch routes an interception to the active agent. Without one the request
// is not handled.
func (r *Registration) Fetch(ctx context.Context, ev *FetchEvent) (*cachestore.Response, bool, error) {
	a := r.Active()
	if a == nil {
		return nil, false, nil
	}
	return a.Fetch(ctx, ev)
}

// Message delivers msg to the waiting agent if there is one, else to the
// active agent.
func (r *Registration) Message(ctx context.Context, msg Message) error {
	r.mu.Lock()
	a := r.waiting
	if a == nil {
		a = r.active
	}
	r.mu.Unlock()
	if a == nil {
		return ErrNoAgent
	}
	return a.Message(ctx, msg)
}

// Sync runs the deferred synchronization for tag on the active agent and
// retries failures with exponential backoff.
func (r *Registration) Sync(ctx context.Context, tag string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.SyncInitialDelay

	op := func() (struct{}, error) {
		a := r.Active()
		if a == nil {
			return struct{}{}, ErrNoAgent
		}
		return struct{}{}, a.Sync(ctx, tag)
	}
	notify := func(err error, next time.Duration) {
		r.log.Warn().Err(err).Str("tag", tag).Dur("retryIn", next).Msg("sync rescheduled")
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.cfg.SyncMaxTries),
		backoff.WithNotify(notify),
	)
	if err != nil {
		r.log.Error().Err(err).Str("tag", tag).Msg("sync abandoned")
	}
	return err
}
