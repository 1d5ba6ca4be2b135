package domain

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultSweepInterval   = time.Minute
	defaultTeardownTimeout = 10 * time.Second
)

// SessionRegistry maps session ids to live sessions.
//
// Lock order: the registry lock is taken first and released before any
// per-session teardown. While it is held only the session's own mutex may be
// taken, and only for short reads or to mark the session closed.
type SessionRegistry struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	maxSessions int

	newEngine EngineFactory
	settings  Settings
	onRemove  func(s *Session, reason string)

	teardownTimeout time.Duration
	logger          zerolog.Logger
	now             func() time.Time
}

func NewSessionRegistry(maxSessions int, newEngine EngineFactory, settings Settings, logger zerolog.Logger) *SessionRegistry {
	return &SessionRegistry{
		sessions:        make(map[string]*Session),
		maxSessions:     maxSessions,
		newEngine:       newEngine,
		settings:        settings,
		teardownTimeout: defaultTeardownTimeout,
		logger:          logger,
		now:             time.Now,
	}
}

// OnRemove registers fn to run after a session has been removed and torn
// down. It must be set before the registry is shared.
func (r *SessionRegistry) OnRemove(fn func(s *Session, reason string)) {
	r.onRemove = fn
}

func (r *SessionRegistry) MaxSessions() int {
	return r.maxSessions
}

func (r *SessionRegistry) Create(id string, cfg SessionConfig) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.maxSessions {
		return nil, fmt.Errorf("maximum of %d sessions reached: %w", r.maxSessions, ErrResourceExhausted)
	}
	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("session %s already exists: %w", id, ErrFailedPrecondition)
	}

	engine, err := r.newEngine(id)
	if err != nil {
		return nil, fmt.Errorf("error creating engine: %w: %v", ErrInternalEngine, err)
	}
	s := NewSession(id, cfg, engine, r.settings, r.now(), r.logger)
	r.sessions[id] = s
	return s, nil
}

func (r *SessionRegistry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, nil
}

// Delete removes the session and tears it down. It reports whether a
// session was removed; deleting an unknown id is a no-op.
func (r *SessionRegistry) Delete(id, reason string) bool {
	return r.deleteIf(id, reason, nil)
}

func (r *SessionRegistry) deleteIf(id, reason string, eligible func(*Session) bool) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok && eligible != nil && !eligible(s) {
		ok = false
	}
	if ok {
		delete(r.sessions, id)
		s.markClosed()
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.teardownTimeout)
	defer cancel()
	if err := s.Teardown(ctx, reason); err != nil {
		r.logger.Error().Err(err).Str("session_id", id).Msg("error tearing down session")
	}
	if r.onRemove != nil {
		r.onRemove(s, reason)
	}
	r.logger.Info().Str("session_id", id).Str("reason", reason).Msg("session cleaned up")
	return true
}

// Sweep deletes every session without a connection that is older than idle
// and returns their ids. Candidates are collected under the lock and then
// deleted one at a time.
func (r *SessionRegistry) Sweep(now time.Time, idle time.Duration) []string {
	eligible := func(s *Session) bool {
		return !s.HasConnection() && s.Age(now) > idle
	}

	r.mu.Lock()
	total := len(r.sessions)
	var candidates []string
	for id, s := range r.sessions {
		if eligible(s) {
			candidates = append(candidates, id)
		}
	}
	r.mu.Unlock()

	evicted := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if r.deleteIf(id, "Session timed out", eligible) {
			r.logger.Warn().Str("session_id", id).Dur("idle_timeout", idle).Msg("session timed out without a stream connection")
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		r.logger.Info().Int("evicted", len(evicted)).Int("total", total).Msg("session sweep finished")
	}
	return evicted
}

// Run sweeps every interval until ctx is done.
func (r *SessionRegistry) Run(ctx context.Context, interval, idle time.Duration) {
	r.logger.Info().Dur("interval", interval).Dur("idle_timeout", idle).Msg("session reaper started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.now(), idle)
		}
	}
}

func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns the live sessions ordered by creation time.
func (r *SessionRegistry) List() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CloseAll deletes every session and returns how many were removed.
func (r *SessionRegistry) CloseAll(reason string) int {
	n := 0
	for _, s := range r.List() {
		if r.Delete(s.ID, reason) {
			n++
		}
	}
	return n
}
