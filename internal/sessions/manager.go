package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/observability"
)

// Close reasons
const (
	ReasonIdle     = "idle_timeout"
	ReasonShutdown = "shutdown"
	ReasonDestroy  = "destroyed"
)

// Handle is the registry's view of one live session
type Handle interface {
	ID() string
	LastActivity() time.Time
	// Close stops the session. It must be safe to call more than once and
	// from any goroutine.
	Close(reason string)
	// Done is closed once the session has fully stopped.
	Done() <-chan struct{}
}

// Manager owns the mapping from session id to live session and reaps
// sessions that stay idle past the timeout.
type Manager struct {
	idleTimeout   time.Duration
	sweepInterval time.Duration
	logger        zerolog.Logger
	now           func() time.Time

	mu       sync.RWMutex
	sessions map[string]Handle
}

// NewManager creates an empty registry
func NewManager(idleTimeout, sweepInterval time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		idleTimeout:   idleTimeout,
		sweepInterval: sweepInterval,
		logger:        observability.WithComponent(logger, "sessions"),
		now:           time.Now,
		sessions:      make(map[string]Handle),
	}
}

// Register adds a session. Ids must be unique.
func (m *Manager) Register(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[h.ID()]; ok {
		return fmt.Errorf("session %s already registered", h.ID())
	}
	m.sessions[h.ID()] = h
	return nil
}

// Unregister removes a session without closing it. Sessions call this
// when they end on their own.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Lookup returns the session with the given id
func (m *Manager) Lookup(id string) (Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.sessions[id]
	return h, ok
}

// Destroy removes and closes a session. It reports whether the session
// was registered.
func (m *Manager) Destroy(id string) bool {
	m.mu.Lock()
	h, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		h.Close(ReasonDestroy)
	}
	return ok
}

// Count returns the number of registered sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep closes every session idle for longer than the timeout and returns
// how many were reaped.
func (m *Manager) Sweep() int {
	now := m.now()

	m.mu.Lock()
	var idle []Handle
	for id, h := range m.sessions {
		if now.Sub(h.LastActivity()) > m.idleTimeout {
			idle = append(idle, h)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, h := range idle {
		m.logger.Info().
			Str("session_id", h.ID()).
			Time("last_activity", h.LastActivity()).
			Msg("Reaping idle session")
		observability.RecordSessionReaped()
		h.Close(ReasonIdle)
	}
	return len(idle)
}

// Run sweeps on every interval until ctx is done
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Info().Int("reaped", n).Int("active", m.Count()).Msg("Session sweep complete")
			}
		}
	}
}

// CloseAll closes every session and waits until they stop or ctx is done.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	all := make([]Handle, 0, len(m.sessions))
	for _, h := range m.sessions {
		all = append(all, h)
	}
	clear(m.sessions)
	m.mu.Unlock()

	for _, h := range all {
		h.Close(ReasonShutdown)
	}
	for _, h := range all {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return fmt.Errorf("sessions did not stop before deadline: %w", ctx.Err())
		}
	}
	return nil
}
