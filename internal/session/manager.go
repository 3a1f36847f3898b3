package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/zsiec/flowbridge/internal/flow"
)

// ErrSessionExists is returned by Manager.Create for a name already in use.
var ErrSessionExists = errors.New("session: already exists")

// ErrSessionNotFound is returned for names the manager does not know.
var ErrSessionNotFound = errors.New("session: not found")

// Manager tracks the active sessions of one engine by name.
type Manager struct {
	log    *slog.Logger
	engine flow.Engine
	opts   []Option

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a manager whose sessions open handles on engine. opts
// apply to every session it creates. If log is nil, slog.Default() is used.
func NewManager(engine flow.Engine, log *slog.Logger, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		engine:   engine,
		opts:     append([]Option{WithLogger(log)}, opts...),
		sessions: make(map[string]*Session),
	}
}

// Create registers a new, unstarted session.
func (m *Manager) Create(cfg Config, opts ...Option) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[cfg.Name]; ok {
		m.log.Warn("session already exists, rejecting duplicate", "name", cfg.Name)
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, cfg.Name)
	}
	s, err := New(m.engine, cfg, append(append([]Option{}, m.opts...), opts...)...)
	if err != nil {
		return nil, err
	}
	m.sessions[cfg.Name] = s
	m.log.Info("session created", "name", cfg.Name, "flow", cfg.FlowID, "role", cfg.Role)
	return s, nil
}

// Get returns the named session.
func (m *Manager) Get(name string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[name]
	return s, ok
}

// Remove stops the named session and forgets it.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	s, ok := m.sessions[name]
	if ok {
		delete(m.sessions, name)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	err := s.Stop()
	s.metrics.Forget(name)
	m.log.Info("session removed", "name", name)
	return err
}

// List returns snapshots of all sessions ordered by name.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StopAll stops every session and empties the manager.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for name, s := range sessions {
		if err := s.Stop(); err != nil {
			errs = append(errs, err)
		}
		s.metrics.Forget(name)
	}
	return errors.Join(errs...)
}
