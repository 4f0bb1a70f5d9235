package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/domain"

	"github.com/jonboulle/clockwork"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
)

type ManagerConfig struct {
	SweepInterval time.Duration
	IdleTimeout   time.Duration
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		SweepInterval: 5 * time.Minute,
		IdleTimeout:   30 * time.Minute,
	}
}

// session owns its handler exclusively; nothing else holds a reference once
// the session is registered.
type session struct {
	id             string
	instanceID     string
	handler        domain.ProtocolHandler
	accessToken    string
	createdAt      time.Time
	lastAccessedAt time.Time
}

// Manager keeps one live protocol handler per integration instance across
// requests. The wire protocol needs session continuity, so handlers are
// looked up and reused, with idle sessions swept on a timer.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	factory domain.HandlerFactory
	config  ManagerConfig
	clock   clockwork.Clock

	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(factory domain.HandlerFactory, config ManagerConfig, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Manager{
		sessions: make(map[string]*session),
		factory:  factory,
		config:   config,
		clock:    clock,
	}
}

// GetOrCreate returns the live handler for an instance, creating one on first
// use. When the caller's credential snapshot is newer than the one the
// session was built with, the token is patched into the running handler.
func (m *Manager) GetOrCreate(instanceID string, config domain.HandlerConfig, accessToken string) (domain.ProtocolHandler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[instanceID]; ok {
		existing.lastAccessedAt = m.clock.Now()

		if accessToken != "" && accessToken != existing.accessToken {
			existing.handler.UpdateToken(accessToken)
			existing.accessToken = accessToken
		}

		return existing.handler, nil
	}

	handler, err := m.factory(config, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create protocol handler: %w", err)
	}

	now := m.clock.Now()
	m.sessions[instanceID] = &session{
		id:             xid.New().String(),
		instanceID:     instanceID,
		handler:        handler,
		accessToken:    accessToken,
		createdAt:      now,
		lastAccessedAt: now,
	}

	log.Info().
		Str("instance_id", instanceID).
		Str("service", config.ServiceName).
		Msg("Created protocol handler session")

	return handler, nil
}

// UpdateCredential hot-swaps the access token inside an already-running
// handler without tearing it down, so a refresh does not interrupt an open
// streaming session. Returns false if the instance has no session.
func (m *Manager) UpdateCredential(instanceID, accessToken string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[instanceID]
	if !ok {
		return false
	}

	existing.handler.UpdateToken(accessToken)
	existing.accessToken = accessToken

	return true
}

// Remove tears down the session for an instance, releasing the handler's
// transport resources. Idempotent.
func (m *Manager) Remove(instanceID string) bool {
	m.mu.Lock()
	existing, ok := m.sessions[instanceID]
	delete(m.sessions, instanceID)
	m.mu.Unlock()

	if !ok {
		return false
	}

	m.closeHandler(existing)

	return true
}

func (m *Manager) closeHandler(s *session) {
	if err := s.handler.Close(); err != nil {
		log.Warn().
			Err(err).
			Str("instance_id", s.instanceID).
			Msg("Failed to close protocol handler")
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.sessions)
}

// Statistics returns advisory counters for monitoring endpoints.
func (m *Manager) Statistics() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest time.Time
	for _, s := range m.sessions {
		if oldest.IsZero() || s.createdAt.Before(oldest) {
			oldest = s.createdAt
		}
	}

	stats := map[string]any{"active_sessions": len(m.sessions)}
	if !oldest.IsZero() {
		stats["oldest_session_age_seconds"] = int64(m.clock.Now().Sub(oldest).Seconds())
	}

	return stats
}

// Start launches the idle sweep loop.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go m.run(ctx)

	log.Info().
		Dur("sweep_interval", m.config.SweepInterval).
		Dur("idle_timeout", m.config.IdleTimeout).
		Msg("Session manager started")
}

// Stop terminates the sweep loop without touching live sessions.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}

	m.cancel()
	<-m.done
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	ticker := m.clock.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.safeSweep()
		}
	}
}

func (m *Manager) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Session sweep panicked")
		}
	}()

	m.Sweep()
}

// Sweep tears down sessions idle past the timeout. Returns how many closed.
func (m *Manager) Sweep() int {
	now := m.clock.Now()

	m.mu.Lock()
	var idle []*session
	for instanceID, s := range m.sessions {
		if now.Sub(s.lastAccessedAt) >= m.config.IdleTimeout {
			idle = append(idle, s)
			delete(m.sessions, instanceID)
		}
	}
	m.mu.Unlock()

	// Close outside the lock; handler teardown can block on transports.
	for _, s := range idle {
		m.closeHandler(s)
	}

	if len(idle) > 0 {
		log.Info().Int("closed", len(idle)).Msg("Swept idle protocol sessions")
	}

	return len(idle)
}

// Shutdown closes every live session. Part of graceful process teardown.
func (m *Manager) Shutdown() {
	m.Stop()

	m.mu.Lock()
	remaining := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		remaining = append(remaining, s)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for _, s := range remaining {
		m.closeHandler(s)
	}

	if len(remaining) > 0 {
		log.Info().Int("closed", len(remaining)).Msg("Closed all protocol sessions on shutdown")
	}
}
