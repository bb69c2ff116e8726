// Package lifecycle creates, reuses and destroys sessions.
package lifecycle

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/EscoLessgo/TypeNTalk-sub000/internal/clock"
	"github.com/EscoLessgo/TypeNTalk-sub000/internal/model"
	"github.com/EscoLessgo/TypeNTalk-sub000/internal/protocol"
	"github.com/EscoLessgo/TypeNTalk-sub000/internal/state"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultVacancyTimeout  = 3 * time.Minute
	DefaultReuseWindow     = 12 * time.Hour
	DefaultSweepInterval   = 10 * time.Minute
	DefaultOrphanAge       = 30 * time.Minute
	DefaultManualOrphanAge = 15 * time.Minute

	// Bound on store work done from a timer callback.
	callbackTimeout = 30 * time.Second
)

// Messages published on session channels.
const (
	msgExpired    = "The host left and this session has expired."
	msgTerminated = "The host ended the session."
	msgPurged     = "This session was removed."
)

// Config holds lifecycle timings. Zero values use the defaults.
type Config struct {
	VacancyTimeout time.Duration
	ReuseWindow    time.Duration
	SweepInterval  time.Duration
	OrphanAge      time.Duration
}

func (c *Config) applyDefaults() {
	if c.VacancyTimeout <= 0 {
		c.VacancyTimeout = DefaultVacancyTimeout
	}
	if c.ReuseWindow <= 0 {
		c.ReuseWindow = DefaultReuseWindow
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.OrphanAge <= 0 {
		c.OrphanAge = DefaultOrphanAge
	}
}

// Publisher delivers events to a room.
type Publisher interface {
	Publish(topic, msgType string, payload any)
}

// CommandCanceller drops buffered commands for a host.
type CommandCanceller interface {
	Cancel(hostUID string)
}

type vacancy struct {
	timer *clock.Timer
}

// Manager owns session creation and every way a session ends.
type Manager struct {
	log       zerolog.Logger
	cfg       Config
	clock     clock.Clock
	state     *state.Accessor
	publisher Publisher
	commands  CommandCanceller

	mu      sync.Mutex
	vacancy map[string]*vacancy // lower-cased host uid
}

// New creates a Manager. commands may be nil.
func New(log zerolog.Logger, cfg Config, clk clock.Clock, st *state.Accessor, pub Publisher, commands CommandCanceller) *Manager {
	cfg.applyDefaults()
	return &Manager{
		log:       log.With().Str("component", "lifecycle").Logger(),
		cfg:       cfg,
		clock:     clk,
		state:     st,
		publisher: pub,
		commands:  commands,
		vacancy:   make(map[string]*vacancy),
	}
}

// NewSlug returns an unguessable session identifier.
func NewSlug() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ═══════════════════════════════════════════════════════════════════════════
// CREATE
// ═══════════════════════════════════════════════════════════════════════════

// Create returns a session for hostUID. A session created within the reuse
// window keeps its slug but goes back to pending approval, and its
// controllers are told so. reused reports which case applied.
func (m *Manager) Create(ctx context.Context, hostUID string) (s *model.Session, reused bool) {
	m.state.EnsureHost(ctx, hostUID)

	now := m.clock.Now()
	if latest := m.state.LatestSessionSince(ctx, hostUID, now.Add(-m.cfg.ReuseWindow)); latest != nil {
		s = m.state.SetApproval(ctx, latest.Slug, "", false)
		if s != nil {
			m.publisher.Publish(protocol.SessionTopic(s.Slug), protocol.TypeApprovalStatus, protocol.ApprovalStatusPayload{Approved: false})
			m.log.Info().Str("host", hostUID).Str("slug", s.Slug).Msg("reusing session, approval reset")
			return s, true
		}
	}

	s = &model.Session{
		Slug:      NewSlug(),
		HostUID:   hostUID,
		Approved:  false,
		CreatedAt: now,
	}
	m.state.CreateConnection(ctx, s)
	m.log.Info().Str("host", hostUID).Str("slug", s.Slug).Msg("session created")
	return s, false
}

// ═══════════════════════════════════════════════════════════════════════════
// VACANCY
// ═══════════════════════════════════════════════════════════════════════════

// HostConnected cancels a pending vacancy expiry for hostUID.
func (m *Manager) HostConnected(hostUID string) {
	key := strings.ToLower(hostUID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.vacancy[key]; ok {
		v.timer.Stop()
		delete(m.vacancy, key)
		m.log.Debug().Str("host", hostUID).Msg("host back, vacancy timer cancelled")
	}
}

// HostVacant arms the vacancy timer for hostUID unless one is already armed.
func (m *Manager) HostVacant(hostUID string) {
	key := strings.ToLower(hostUID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vacancy[key]; ok {
		return
	}
	v := &vacancy{}
	v.timer = m.clock.AfterFunc(m.cfg.VacancyTimeout, func() { m.fireVacancy(hostUID, key, v) })
	m.vacancy[key] = v
	m.log.Debug().Str("host", hostUID).Dur("timeout", m.cfg.VacancyTimeout).Msg("host vacant, expiry armed")
}

// VacancyArmed reports whether hostUID has a pending vacancy timer.
func (m *Manager) VacancyArmed(hostUID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.vacancy[strings.ToLower(hostUID)]
	return ok
}

func (m *Manager) fireVacancy(hostUID, key string, v *vacancy) {
	m.mu.Lock()
	if m.vacancy[key] != v {
		m.mu.Unlock()
		return
	}
	delete(m.vacancy, key)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	n := m.Expire(ctx, hostUID)
	m.log.Info().Str("host", hostUID).Int("sessions", n).Msg("vacancy timeout, sessions expired")
}

// Expire destroys every session of hostUID, notifying each session channel.
// Returns the number of sessions removed.
func (m *Manager) Expire(ctx context.Context, hostUID string) int {
	sessions := m.state.SessionsForHost(ctx, hostUID)
	slugs := make([]string, 0, len(sessions))
	for _, s := range sessions {
		m.publisher.Publish(protocol.SessionTopic(s.Slug), protocol.TypeSessionTerminated, protocol.SessionTerminatedPayload{Message: msgExpired})
		slugs = append(slugs, s.Slug)
	}
	m.state.DeleteConnections(ctx, slugs...)
	if m.commands != nil {
		m.commands.Cancel(hostUID)
	}
	return len(slugs)
}

// ═══════════════════════════════════════════════════════════════════════════
// TERMINATE / PURGE
// ═══════════════════════════════════════════════════════════════════════════

// Terminate pauses a session: approval is revoked and controllers are told,
// but the session survives. Returns nil if the slug is unknown.
func (m *Manager) Terminate(ctx context.Context, slug string) *model.Session {
	s := m.state.SetApproval(ctx, slug, "", false)
	if s == nil {
		return nil
	}
	topic := protocol.SessionTopic(slug)
	m.publisher.Publish(topic, protocol.TypeSessionTerminated, protocol.SessionTerminatedPayload{Message: msgTerminated})
	m.publisher.Publish(topic, protocol.TypeApprovalStatus, protocol.ApprovalStatusPayload{Approved: false})
	m.log.Info().Str("slug", slug).Str("host", s.HostUID).Msg("session terminated")
	return s
}

// Purge destroys a single session. Returns false if the slug is unknown.
func (m *Manager) Purge(ctx context.Context, slug string) bool {
	s := m.state.GetConnection(ctx, slug)
	if s == nil {
		return false
	}
	m.publisher.Publish(protocol.SessionTopic(slug), protocol.TypeSessionTerminated, protocol.SessionTerminatedPayload{Message: msgPurged})
	m.state.DeleteConnections(ctx, slug)
	m.log.Info().Str("slug", slug).Msg("session purged")
	return true
}

// ═══════════════════════════════════════════════════════════════════════════
// ORPHAN SWEEP
// ═══════════════════════════════════════════════════════════════════════════

// SweepOrphans deletes sessions older than threshold that never recorded an
// event. Returns the number removed.
func (m *Manager) SweepOrphans(ctx context.Context, threshold time.Duration) int {
	orphans := m.state.UnusedSessionsBefore(ctx, m.clock.Now().Add(-threshold))
	if len(orphans) == 0 {
		return 0
	}
	slugs := make([]string, 0, len(orphans))
	for _, s := range orphans {
		slugs = append(slugs, s.Slug)
	}
	m.state.DeleteConnections(ctx, slugs...)
	m.log.Info().Int("count", len(slugs)).Dur("threshold", threshold).Msg("swept orphan sessions")
	return len(slugs)
}

// Run sweeps orphans every SweepInterval until ctx is done. A panicking sweep
// is logged and the loop carries on.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", m.cfg.SweepInterval).Dur("age", m.cfg.OrphanAge).Msg("starting orphan sweep loop")

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("orphan sweep loop stopped")
			return
		case <-ticker.C:
			m.sweepSafely(ctx)
		}
	}
}

func (m *Manager) sweepSafely(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("orphan sweep crashed")
		}
	}()
	m.SweepOrphans(ctx, m.cfg.OrphanAge)
}

// Stop cancels every pending vacancy timer.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, v := range m.vacancy {
		v.timer.Stop()
		delete(m.vacancy, key)
	}
}
