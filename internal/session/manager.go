// Package session shares one backend connection between screens that need
// it at the same time, e.g. a voice screen handing over to a camera screen.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrClosed   = errors.New("session manager closed")
)

// Connection is an open backend session. Disconnect must be safe to call
// once the connection is already down.
type Connection interface {
	Disconnect()
}

// Factory opens the connection for key.
type Factory func(ctx context.Context, key string) (Connection, error)

type entry struct {
	info Session
	conn Connection
}

// Manager reference-counts connections by key. The first Acquire opens the
// connection; after the last Release it lingers for a while so a quick
// re-acquire reuses it, then the janitor closes it.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entry
	leases   map[string]string
	linger   time.Duration
	factory  Factory
	onExpire func(Session)
	closed   bool
	logger   *slog.Logger
}

func NewManager(factory Factory, linger time.Duration, logger *slog.Logger) *Manager {
	if linger <= 0 {
		linger = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*entry),
		leases:   make(map[string]string),
		linger:   linger,
		factory:  factory,
		logger:   logger.With("component", "session"),
	}
}

func (m *Manager) SetExpireHook(hook func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Acquire returns a lease on the connection for key, opening it if needed.
// The factory runs without the manager lock held; if two callers race to
// open the same key, the loser's connection is discarded.
func (m *Manager) Acquire(ctx context.Context, key string) (*Lease, error) {
	if lease, ok, err := m.reuse(key); err != nil || ok {
		return lease, err
	}

	conn, err := m.factory(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("open session %q: %w", key, err)
	}

	now := time.Now().UTC()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Disconnect()
		return nil, ErrClosed
	}
	if e, ok := m.sessions[key]; ok && e.info.Status != StatusClosed {
		lease := m.leaseLocked(e, now)
		m.mu.Unlock()
		conn.Disconnect()
		return lease, nil
	}
	e := &entry{
		conn: conn,
		info: Session{Key: key, Status: StatusActive, StartedAt: now, LastActivityAt: now},
	}
	m.sessions[key] = e
	lease := m.leaseLocked(e, now)
	m.mu.Unlock()

	m.logger.Info("session opened", "key", key)
	return lease, nil
}

func (m *Manager) reuse(key string) (*Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	e, ok := m.sessions[key]
	if !ok {
		return nil, false, nil
	}
	if e.info.Status == StatusLingering {
		m.logger.Debug("session reused while lingering", "key", key)
	}
	return m.leaseLocked(e, time.Now().UTC()), true, nil
}

func (m *Manager) leaseLocked(e *entry, now time.Time) *Lease {
	id := uuid.NewString()
	m.leases[id] = e.info.Key
	e.info.Leases++
	e.info.Status = StatusActive
	e.info.LastActivityAt = now
	e.info.ReleasedAt = time.Time{}
	return &Lease{ID: id, Key: e.info.Key, Conn: e.conn, AcquiredAt: now}
}

// Release gives a lease back. Releasing the same lease twice reports
// ErrNotFound.
func (m *Manager) Release(leaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.leases[leaseID]
	if !ok {
		return ErrNotFound
	}
	delete(m.leases, leaseID)
	e, ok := m.sessions[key]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	e.info.Leases--
	e.info.LastActivityAt = now
	if e.info.Leases <= 0 {
		e.info.Leases = 0
		e.info.Status = StatusLingering
		e.info.ReleasedAt = now
	}
	return nil
}

func (m *Manager) Get(key string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[key]
	if !ok {
		return Session{}, ErrNotFound
	}
	return e.info, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.linger / 2
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireIdle()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, e := range m.sessions {
		if e.info.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireIdle() {
	now := time.Now().UTC()
	var expired []*entry

	m.mu.Lock()
	for key, e := range m.sessions {
		if e.info.Status != StatusLingering {
			continue
		}
		if now.Sub(e.info.ReleasedAt) < m.linger {
			continue
		}
		e.info.Status = StatusClosed
		e.info.LastActivityAt = now
		expired = append(expired, e)
		delete(m.sessions, key)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, e := range expired {
		e.conn.Disconnect()
		m.logger.Info("session closed after linger", "key", e.info.Key)
		if hook != nil {
			hook(e.info)
		}
	}
}

// Close disconnects every session regardless of outstanding leases.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*entry)
	m.leases = make(map[string]string)
	m.mu.Unlock()

	for _, e := range sessions {
		e.conn.Disconnect()
	}
}
