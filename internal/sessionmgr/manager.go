// Package sessionmgr implements the session registry from spec §4.6:
// lookup by identity, periodic reaping of dead sessions, and a bounded
// clear_all for shutdown. It is the sole owner of *session.Session
// values — the subscription index only ever stores SessionIDs — which
// is the fix for the cyclic ownership spec §9's Design Notes calls out
// between Session, the subscription index, and the session manager.
package sessionmgr

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/msgbroker/internal/metrics"
	"github.com/adred-codev/msgbroker/internal/session"
	"github.com/adred-codev/msgbroker/internal/subscription"
	"github.com/adred-codev/msgbroker/internal/wire"
)

type identity struct {
	clientType int32
	clientID   int32
}

// Manager is a concurrent registry of live Sessions. It implements
// session.Registry.
type Manager struct {
	mu      sync.RWMutex
	byID    map[subscription.SessionID]*session.Session
	byIdent map[identity]*session.Session

	nextID atomic.Uint64
	logger zerolog.Logger
}

// New builds an empty Manager.
func New(logger zerolog.Logger) *Manager {
	return &Manager{
		byID:    map[subscription.SessionID]*session.Session{},
		byIdent: map[identity]*session.Session{},
		logger:  logger,
	}
}

// NextID allocates the next process-local monotonic SessionID. Called
// by the acceptor before constructing a session.Session.
func (m *Manager) NextID() subscription.SessionID {
	return subscription.SessionID(m.nextID.Add(1))
}

// Add registers a just-accepted (not yet authenticated) session by ID.
func (m *Manager) Add(s *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[s.ID()] = s
	metrics.SessionsTotal.Inc()
	metrics.SessionsActive.Set(float64(len(m.byID)))
}

// Activate implements session.Registry: indexes s by its post-LOGON
// identity so FindByIdentity can resolve directed deliveries.
func (m *Manager) Activate(s *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byIdent[identity{s.ClientType(), s.ClientID()}] = s
}

// FindByIdentity implements session.Registry.
func (m *Manager) FindByIdentity(clientType, clientID int32) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byIdent[identity{clientType, clientID}]
	return s, ok
}

// Deliver implements session.Registry. A SessionID absent from byID
// means the owning session was already reaped; per spec §9 that is a
// silent drop, not an error, since the subscription index sweeps
// lazily rather than synchronously on session death.
func (m *Manager) Deliver(id subscription.SessionID, rec *wire.Record) bool {
	m.mu.RLock()
	s, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return s.Send(rec)
}

// Remove drops a session from both indexes. Called by the reaper once
// a session has fully shut down.
func (m *Manager) Remove(s *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, s.ID())
	if s.ClientType() != 0 {
		ident := identity{s.ClientType(), s.ClientID()}
		if cur, ok := m.byIdent[ident]; ok && cur.ID() == s.ID() {
			delete(m.byIdent, ident)
		}
	}
	metrics.SessionsActive.Set(float64(len(m.byID)))
}

// snapshot returns the current sessions without holding the lock
// during iteration by callers.
func (m *Manager) snapshot() []*session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session.Session, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s)
	}
	return out
}

// RunReaper periodically removes sessions whose connection has already
// shut down, per spec §4.6's default 1000ms period (the broker's
// --freq flag controls this, default 500ms per the CLI surface).
func (m *Manager) RunReaper(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapOnce()
		}
	}
}

func (m *Manager) reapOnce() {
	for _, s := range m.snapshot() {
		if s.ShutdownComplete() {
			m.Remove(s)
		}
	}
}

// ClearAll shuts every live session down concurrently, waiting up to
// retries × retryDelay for each one (spec §4.6 default: 40 × 50ms)
// before logging it as stuck and no longer waiting for it.
func (m *Manager) ClearAll(retries int, retryDelay time.Duration) {
	var wg sync.WaitGroup
	for _, s := range m.snapshot() {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			done := make(chan struct{})
			go func() { s.ShutDown(); close(done) }()
			select {
			case <-done:
			case <-time.After(time.Duration(retries) * retryDelay):
				m.logger.Warn().Str("session", s.Name()).Msg("session did not shut down within retry budget")
			}
		}()
	}
	wg.Wait()
}

// Diagnostics returns a one-line-per-session summary for the console
// "D" command.
func (m *Manager) Diagnostics() string {
	sessions := m.snapshot()
	lines := make([]string, 0, len(sessions))
	for _, s := range sessions {
		lines = append(lines, s.Diagnostics())
	}
	return strings.Join(lines, "\n")
}

// Count returns the number of registered sessions, live or mid-shutdown.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
