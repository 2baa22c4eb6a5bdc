package checker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/joss/comply/internal/logging"
)

const (
	// DefaultMaxCheckers caps live checkers per registry.
	DefaultMaxCheckers = 1000
	// DefaultIdleTimeout is how long an unused checker is kept.
	DefaultIdleTimeout = 30 * time.Minute
)

type entry struct {
	c        *Checker
	lastUsed time.Time
}

// userQuota is a quota shared by the live checkers of one user.
type userQuota struct {
	q    *quota
	refs int
}

// Registry keeps one mounted Checker per user, plan and session. Checkers
// of the same user share one quota. Idle checkers are evicted after the idle
// timeout and the least recently used ones once the cap is reached; a
// checker in the middle of an analysis is never evicted.
type Registry struct {
	deps        Deps
	maxCheckers int
	idleTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	entries  map[Config]*entry
	quotas   map[string]*userQuota
	draining map[*Checker]struct{}
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMaxCheckers caps the number of live checkers. n <= 0 keeps the default.
func WithMaxCheckers(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.maxCheckers = n
		}
	}
}

// WithIdleTimeout sets how long an unused checker is kept. d <= 0 keeps the
// default.
func WithIdleTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.idleTimeout = d
		}
	}
}

// NewRegistry creates a registry whose checkers share deps.
func NewRegistry(deps Deps, opts ...RegistryOption) *Registry {
	r := &Registry{
		deps:        deps,
		maxCheckers: DefaultMaxCheckers,
		idleTimeout: DefaultIdleTimeout,
		now:         deps.Now,
		entries:     make(map[Config]*entry),
		quotas:      make(map[string]*userQuota),
		draining:    make(map[*Checker]struct{}),
	}
	if r.now == nil {
		r.now = time.Now
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the checker for cfg, creating and mounting it on first use.
// Mounting runs outside the registry lock, so a slow store only delays
// callers of the same checker.
func (r *Registry) Get(ctx context.Context, cfg Config) (*Checker, error) {
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, errors.New("checker: user id is required")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = cfg.UserID
	}

	r.mu.Lock()
	if e, ok := r.entries[cfg]; ok {
		e.lastUsed = r.now()
		r.mu.Unlock()
		return e.c, nil
	}
	q := r.acquireQuota(cfg.UserID)
	r.mu.Unlock()

	c, err := New(cfg, r.deps)
	if err != nil {
		r.mu.Lock()
		r.releaseQuota(cfg.UserID)
		r.mu.Unlock()
		return nil, err
	}
	c.quota = q
	c.Mount(context.WithoutCancel(ctx))

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if e, ok := r.entries[cfg]; ok {
		// another caller mounted it first
		r.releaseQuota(cfg.UserID)
		e.lastUsed = now
		return e.c, nil
	}
	r.entries[cfg] = &entry{c: c, lastUsed: now}
	r.evictLocked(now, cfg)
	return c, nil
}

func (r *Registry) acquireQuota(userID string) *quota {
	uq, ok := r.quotas[userID]
	if !ok {
		uq = &userQuota{q: newQuota()}
		r.quotas[userID] = uq
	}
	uq.refs++
	return uq.q
}

func (r *Registry) releaseQuota(userID string) {
	uq, ok := r.quotas[userID]
	if !ok {
		return
	}
	uq.refs--
	if uq.refs <= 0 {
		delete(r.quotas, userID)
	}
}

// evictLocked drops idle checkers and then the least recently used ones
// above the cap. keep is never dropped.
func (r *Registry) evictLocked(now time.Time, keep Config) {
	for cfg, e := range r.entries {
		if cfg != keep && now.Sub(e.lastUsed) >= r.idleTimeout && e.c.State() != StateAnalyzing {
			r.dropLocked(cfg, e, "idle")
		}
	}

	for len(r.entries) > r.maxCheckers {
		var (
			oldest Config
			victim *entry
		)
		for cfg, e := range r.entries {
			if cfg == keep || e.c.State() == StateAnalyzing {
				continue
			}
			if victim == nil || e.lastUsed.Before(victim.lastUsed) {
				oldest, victim = cfg, e
			}
		}
		if victim == nil {
			return
		}
		r.dropLocked(oldest, victim, "capacity")
	}
}

// dropLocked forgets a checker and lets its background writes finish.
func (r *Registry) dropLocked(cfg Config, e *entry, reason string) {
	delete(r.entries, cfg)
	r.releaseQuota(cfg.UserID)
	e.c.log.Debug("registry.evicted", map[string]interface{}{"reason": reason})

	r.draining[e.c] = struct{}{}
	logging.SafeGo("registry", func() {
		if err := e.c.Wait(context.Background()); err != nil {
			e.c.log.Warn("registry.drain_failed", nil, err)
		}
		r.mu.Lock()
		delete(r.draining, e.c)
		r.mu.Unlock()
	})
}

// Len returns the number of live checkers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Wait waits for every checker's background work, including checkers that
// were evicted.
func (r *Registry) Wait(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*Checker, 0, len(r.entries)+len(r.draining))
	for _, e := range r.entries {
		all = append(all, e.c)
	}
	for c := range r.draining {
		all = append(all, c)
	}
	r.mu.Unlock()

	var errs []error
	for _, c := range all {
		if err := c.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
