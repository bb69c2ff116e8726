package state

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/EscoLessgo/TypeNTalk-sub000/internal/clock"
	"github.com/EscoLessgo/TypeNTalk-sub000/internal/model"
	"github.com/EscoLessgo/TypeNTalk-sub000/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("database is locked")

// memDurable is an in-memory Durable that can be switched off.
type memDurable struct {
	mu       sync.Mutex
	down     bool
	hosts    map[string]*model.Host
	sessions map[string]*model.Session
	events   map[string]int
}

func newMemDurable() *memDurable {
	return &memDurable{
		hosts:    make(map[string]*model.Host),
		sessions: make(map[string]*model.Session),
		events:   make(map[string]int),
	}
}

func (m *memDurable) setDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}

func (m *memDurable) FindHost(_ context.Context, key string) (*model.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errDown
	}
	for _, h := range m.hosts {
		if h.Matches(key) {
			return h.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memDurable) UpsertHost(_ context.Context, h *model.Host) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errDown
	}
	m.hosts[strings.ToLower(h.UID)] = h.Clone()
	return nil
}

func (m *memDurable) FindSession(_ context.Context, slug string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errDown
	}
	if s, ok := m.sessions[slug]; ok {
		return s.Clone(), nil
	}
	return nil, store.ErrNotFound
}

func (m *memDurable) CreateSession(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errDown
	}
	m.sessions[s.Slug] = s.Clone()
	return nil
}

func (m *memDurable) UpdateSessionApproval(_ context.Context, slug, hostUID string, approved bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errDown
	}
	s, ok := m.sessions[slug]
	if !ok {
		return store.ErrNotFound
	}
	s.Approved = approved
	if hostUID != "" {
		s.HostUID = hostUID
	}
	return nil
}

func (m *memDurable) DeleteSessions(_ context.Context, slugs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errDown
	}
	for _, slug := range slugs {
		delete(m.sessions, slug)
	}
	return nil
}

func (m *memDurable) ListSessionsForHost(_ context.Context, hostUID string) ([]*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errDown
	}
	var out []*model.Session
	for _, s := range m.sessions {
		if strings.EqualFold(s.HostUID, hostUID) {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *memDurable) FindSessionsOlderThanWithNoEvents(_ context.Context, cutoff time.Time) ([]*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errDown
	}
	var out []*model.Session
	for _, s := range m.sessions {
		if s.CreatedAt.Before(cutoff) && m.events[s.Slug] == 0 {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *memDurable) RecordEvent(_ context.Context, slug, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errDown
	}
	m.events[slug]++
	return nil
}

var now = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func newTestAccessor(d Durable) *Accessor {
	return NewAccessor(zerolog.Nop(), d, clock.Fake(now))
}

func TestGetConnectionCacheApprovalOverridesStore(t *testing.T) {
	ctx := context.Background()
	d := newMemDurable()
	a := newTestAccessor(d)

	a.CreateConnection(ctx, &model.Session{Slug: "s1", HostUID: "h", CreatedAt: now})

	// Durable write of the approval fails; the cache must still win.
	d.setDown(true)
	require.NotNil(t, a.SetApproval(ctx, "s1", "h", true))
	d.setDown(false)

	stored, err := d.FindSession(ctx, "s1")
	require.NoError(t, err)
	require.False(t, stored.Approved, "store missed the write")

	got := a.GetConnection(ctx, "s1")
	require.NotNil(t, got)
	assert.True(t, got.Approved)
}

func TestGetConnectionSeedsCacheFromStore(t *testing.T) {
	ctx := context.Background()
	d := newMemDurable()
	require.NoError(t, d.CreateSession(ctx, &model.Session{Slug: "s1", HostUID: "h", Approved: true, CreatedAt: now}))
	a := newTestAccessor(d)

	require.NotNil(t, a.GetConnection(ctx, "s1"))

	// With the store gone the seeded copy still answers.
	d.setDown(true)
	got := a.GetConnection(ctx, "s1")
	require.NotNil(t, got)
	assert.True(t, got.Approved)
}

func TestGetConnectionMissingEverywhere(t *testing.T) {
	a := newTestAccessor(newMemDurable())
	assert.Nil(t, a.GetConnection(context.Background(), "nope"))
	assert.Nil(t, a.GetConnection(context.Background(), ""))
}

func TestGetHostFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	d := newMemDurable()
	a := newTestAccessor(d)

	a.SaveHost(ctx, &model.Host{UID: "Lov_1", Alias: "velvet"})
	d.setDown(true)

	h := a.GetHost(ctx, "VELVET")
	require.NotNil(t, h)
	assert.Equal(t, "Lov_1", h.UID)

	h = a.GetHost(ctx, "lov_1")
	require.NotNil(t, h)
}

func TestEnsureHostCreatesOnce(t *testing.T) {
	ctx := context.Background()
	d := newMemDurable()
	a := newTestAccessor(d)

	first := a.EnsureHost(ctx, "h1")
	second := a.EnsureHost(ctx, "h1")
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Len(t, d.hosts, 1)
}

func TestSetApprovalRewritesHost(t *testing.T) {
	ctx := context.Background()
	d := newMemDurable()
	a := newTestAccessor(d)
	a.CreateConnection(ctx, &model.Session{Slug: "s1", HostUID: "old", CreatedAt: now})

	got := a.SetApproval(ctx, "s1", "new", true)
	require.NotNil(t, got)
	assert.Equal(t, "new", got.HostUID)

	assert.Empty(t, a.SessionsForHost(ctx, "old"))
	assert.Len(t, a.SessionsForHost(ctx, "new"), 1)

	assert.Nil(t, a.SetApproval(ctx, "ghost", "new", true))
}

func TestSessionsForHostUnionsCacheOnlyEntries(t *testing.T) {
	ctx := context.Background()
	d := newMemDurable()
	a := newTestAccessor(d)

	a.CreateConnection(ctx, &model.Session{Slug: "stored", HostUID: "h", CreatedAt: now.Add(-time.Hour)})
	d.setDown(true)
	a.CreateConnection(ctx, &model.Session{Slug: "cache-only", HostUID: "h", CreatedAt: now})
	d.setDown(false)

	got := a.SessionsForHost(ctx, "h")
	require.Len(t, got, 2)
	assert.Equal(t, "cache-only", got[0].Slug)

	latest := a.LatestSessionSince(ctx, "h", now.Add(-12*time.Hour))
	require.NotNil(t, latest)
	assert.Equal(t, "cache-only", latest.Slug)
	assert.Nil(t, a.LatestSessionSince(ctx, "h", now.Add(time.Minute)))
}

func TestDeleteConnectionsRemovesFromBoth(t *testing.T) {
	ctx := context.Background()
	d := newMemDurable()
	a := newTestAccessor(d)
	a.CreateConnection(ctx, &model.Session{Slug: "s1", HostUID: "h", CreatedAt: now})

	a.DeleteConnections(ctx, "s1")
	assert.Nil(t, a.GetConnection(ctx, "s1"))
	_, err := d.FindSession(ctx, "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUnusedSessionsBeforeFallsBackToCacheCounts(t *testing.T) {
	ctx := context.Background()
	d := newMemDurable()
	a := newTestAccessor(d)
	a.CreateConnection(ctx, &model.Session{Slug: "used", HostUID: "h", CreatedAt: now.Add(-time.Hour)})
	a.CreateConnection(ctx, &model.Session{Slug: "unused", HostUID: "h", CreatedAt: now.Add(-time.Hour)})
	a.RecordEvent(ctx, "used", "join")

	d.setDown(true)
	got := a.UnusedSessionsBefore(ctx, now.Add(-30*time.Minute))
	require.Len(t, got, 1)
	assert.Equal(t, "unused", got[0].Slug)
}

func TestUnusedSessionsBeforeIncludesSessionsTheStoreMissed(t *testing.T) {
	ctx := context.Background()
	d := newMemDurable()
	a := newTestAccessor(d)
	old := now.Add(-time.Hour)
	cutoff := now.Add(-30 * time.Minute)

	a.CreateConnection(ctx, &model.Session{Slug: "stored-unused", HostUID: "h", CreatedAt: old})

	require.NoError(t, d.CreateSession(ctx, &model.Session{Slug: "stored-used", HostUID: "h", CreatedAt: old}))
	require.NoError(t, d.RecordEvent(ctx, "stored-used", "join"))
	require.NotNil(t, a.GetConnection(ctx, "stored-used"), "seeds the cache with zero local events")

	d.setDown(true)
	a.CreateConnection(ctx, &model.Session{Slug: "cache-unused", HostUID: "h", CreatedAt: old})
	a.CreateConnection(ctx, &model.Session{Slug: "cache-used", HostUID: "h", CreatedAt: old})
	a.RecordEvent(ctx, "cache-used", "join")
	d.setDown(false)

	var slugs []string
	for _, s := range a.UnusedSessionsBefore(ctx, cutoff) {
		slugs = append(slugs, s.Slug)
	}
	assert.ElementsMatch(t, []string{"stored-unused", "cache-unused"}, slugs)

	a.DeleteConnections(ctx, slugs...)
	assert.Empty(t, a.UnusedSessionsBefore(ctx, cutoff))
}

func TestAccessorWithoutDurable(t *testing.T) {
	ctx := context.Background()
	a := newTestAccessor(nil)
	a.CreateConnection(ctx, &model.Session{Slug: "s1", HostUID: "h", CreatedAt: now})
	a.SetApproval(ctx, "s1", "", true)

	got := a.GetConnection(ctx, "s1")
	require.NotNil(t, got)
	assert.True(t, got.Approved)
	assert.Equal(t, "h", got.HostUID)
}
