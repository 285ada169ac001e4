package battle

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stockfighter/battle-engine/internal/model"
)

// ErrBattleNotFound is returned for lookups of unknown or destroyed battles.
var ErrBattleNotFound = errors.New("battle: not found")

// Manager owns all live battle sessions. It replaces the module-level
// session maps of the original design with one explicit owner that has a
// create/get/destroy lifecycle.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	defaults Options
}

// NewManager creates a manager whose sessions inherit the given defaults;
// per-battle config overrides arrive through Create.
func NewManager(defaults Options) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		defaults: defaults,
	}
}

// Create builds a new session in the Setup phase and registers it.
func (m *Manager) Create(userID string, cfg model.BattleConfig) *Session {
	opts := m.defaults
	opts.Config = cfg

	s := NewSession(uuid.New().String(), userID, opts)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	slog.Info("battle created",
		"battle", s.ID,
		"user", userID,
		"timeframe_days", cfg.TimeframeDays,
		"starting_cash", cfg.StartingCash.String(),
	)
	return s
}

// Get returns a live session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrBattleNotFound
	}
	return s, nil
}

// Destroy stops a session's timers and removes it. Used both for explicit
// restarts and by the sweeper.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrBattleNotFound
	}
	s.Stop()
	slog.Info("battle destroyed", "battle", id)
	return nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SweepIdle destroys sessions with no command activity for longer than
// maxIdle, plus any session already in the Complete phase. Returns how many
// were removed. Scheduled via cron from the server wiring.
func (m *Manager) SweepIdle(maxIdle time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxIdle)

	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		if s.Phase().Terminal() || s.IdleSince().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		if err := m.Destroy(id); err == nil {
			slog.Info("stale battle swept", "battle", id)
		}
	}
	return len(stale)
}
