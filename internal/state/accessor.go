// Package state merges the durable store with a process-local cache.
//
// Hosts fall back to the cache when the store is down or has no record.
// Sessions always merge: the cached approval flag wins over the stored one,
// because the approval path updates the cache synchronously even when the
// durable write is still pending or failed.
package state

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/EscoLessgo/TypeNTalk-sub000/internal/clock"
	"github.com/EscoLessgo/TypeNTalk-sub000/internal/model"
	"github.com/EscoLessgo/TypeNTalk-sub000/internal/store"
	"github.com/rs/zerolog"
)

// Durable is the persistent store. Every call may fail transiently.
type Durable interface {
	FindHost(ctx context.Context, key string) (*model.Host, error)
	UpsertHost(ctx context.Context, h *model.Host) error
	FindSession(ctx context.Context, slug string) (*model.Session, error)
	CreateSession(ctx context.Context, s *model.Session) error
	UpdateSessionApproval(ctx context.Context, slug, hostUID string, approved bool) error
	DeleteSessions(ctx context.Context, slugs ...string) error
	ListSessionsForHost(ctx context.Context, hostUID string) ([]*model.Session, error)
	FindSessionsOlderThanWithNoEvents(ctx context.Context, cutoff time.Time) ([]*model.Session, error)
	RecordEvent(ctx context.Context, slug, kind string) error
}

type cachedSession struct {
	session *model.Session
	events  int
	unsaved bool // the durable create failed; only the cache knows it
}

// Accessor is the single read/write path for host and session state.
type Accessor struct {
	log     zerolog.Logger
	durable Durable
	clock   clock.Clock

	mu       sync.RWMutex
	hosts    map[string]*model.Host // lower-cased uid
	sessions map[string]*cachedSession
}

// NewAccessor creates an accessor over durable. durable may be nil, in which
// case state lives only in memory.
func NewAccessor(log zerolog.Logger, durable Durable, clk clock.Clock) *Accessor {
	return &Accessor{
		log:      log.With().Str("component", "state").Logger(),
		durable:  durable,
		clock:    clk,
		hosts:    make(map[string]*model.Host),
		sessions: make(map[string]*cachedSession),
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// HOSTS
// ═══════════════════════════════════════════════════════════════════════════

// GetHost finds a host by uid or alias. Returns nil when neither store has it.
func (a *Accessor) GetHost(ctx context.Context, key string) *model.Host {
	if key == "" {
		return nil
	}
	if a.durable != nil {
		h, err := a.durable.FindHost(ctx, key)
		switch {
		case err == nil:
			a.mu.Lock()
			a.hosts[strings.ToLower(h.UID)] = h.Clone()
			a.mu.Unlock()
			return h
		case !errors.Is(err, store.ErrNotFound):
			a.log.Warn().Err(err).Str("host", key).Msg("store unavailable, using cached host")
		}
	}
	return a.cachedHost(key)
}

func (a *Accessor) cachedHost(key string) *model.Host {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if h, ok := a.hosts[strings.ToLower(key)]; ok {
		return h.Clone()
	}
	for _, h := range a.hosts {
		if h.Matches(key) {
			return h.Clone()
		}
	}
	return nil
}

// SaveHost caches h and writes it through. A failed durable write is logged
// and the cached copy stays authoritative.
func (a *Accessor) SaveHost(ctx context.Context, h *model.Host) {
	now := a.clock.Now()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	h.UpdatedAt = now

	a.mu.Lock()
	a.hosts[strings.ToLower(h.UID)] = h.Clone()
	a.mu.Unlock()

	if a.durable == nil {
		return
	}
	if err := a.durable.UpsertHost(ctx, h); err != nil {
		a.log.Error().Err(err).Str("host", h.UID).Msg("failed to persist host")
	}
}

// EnsureHost returns the host for uid, creating an empty record on first contact.
func (a *Accessor) EnsureHost(ctx context.Context, uid string) *model.Host {
	if h := a.GetHost(ctx, uid); h != nil {
		return h
	}
	h := &model.Host{UID: uid}
	a.SaveHost(ctx, h)
	a.log.Info().Str("host", uid).Msg("created host on first contact")
	return h
}

// ═══════════════════════════════════════════════════════════════════════════
// SESSIONS
// ═══════════════════════════════════════════════════════════════════════════

// GetConnection returns the merged view of a session, or nil.
func (a *Accessor) GetConnection(ctx context.Context, slug string) *model.Session {
	if slug == "" {
		return nil
	}

	var stored *model.Session
	if a.durable != nil {
		s, err := a.durable.FindSession(ctx, slug)
		switch {
		case err == nil:
			stored = s
		case !errors.Is(err, store.ErrNotFound):
			a.log.Warn().Err(err).Str("slug", slug).Msg("store unavailable, using cached session")
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cached, ok := a.sessions[slug]
	switch {
	case stored != nil && ok:
		merged := stored.Clone()
		merged.Approved = cached.session.Approved
		if cached.session.HostUID != "" {
			merged.HostUID = cached.session.HostUID
		}
		return merged
	case stored != nil:
		a.sessions[slug] = &cachedSession{session: stored.Clone()}
		return stored
	case ok:
		return cached.session.Clone()
	}
	return nil
}

// CreateConnection stores a new session in both stores.
func (a *Accessor) CreateConnection(ctx context.Context, s *model.Session) {
	a.mu.Lock()
	a.sessions[s.Slug] = &cachedSession{session: s.Clone()}
	a.mu.Unlock()

	if a.durable == nil {
		return
	}
	if err := a.durable.CreateSession(ctx, s); err != nil {
		a.log.Error().Err(err).Str("slug", s.Slug).Msg("failed to persist session")
		a.mu.Lock()
		if c, ok := a.sessions[s.Slug]; ok {
			c.unsaved = true
		}
		a.mu.Unlock()
	}
}

// SetApproval updates the approval flag, and the owning host when hostUID is
// non-empty. The cache is updated first and regardless of the durable outcome.
// Returns the merged session, or nil if the slug is unknown everywhere.
func (a *Accessor) SetApproval(ctx context.Context, slug, hostUID string, approved bool) *model.Session {
	current := a.GetConnection(ctx, slug)
	if current == nil {
		return nil
	}
	current.Approved = approved
	if hostUID != "" {
		current.HostUID = hostUID
	}

	a.mu.Lock()
	if c, ok := a.sessions[slug]; ok {
		c.session.Approved = approved
		c.session.HostUID = current.HostUID
	} else {
		a.sessions[slug] = &cachedSession{session: current.Clone()}
	}
	a.mu.Unlock()

	if a.durable != nil {
		err := a.durable.UpdateSessionApproval(ctx, slug, hostUID, approved)
		if err != nil {
			a.log.Error().Err(err).
				Str("slug", slug).
				Bool("approved", approved).
				Msg("failed to persist approval, cache stays authoritative")
		}
	}
	return current
}

// DeleteConnections removes sessions from both stores.
func (a *Accessor) DeleteConnections(ctx context.Context, slugs ...string) {
	if len(slugs) == 0 {
		return
	}
	a.mu.Lock()
	for _, slug := range slugs {
		delete(a.sessions, slug)
	}
	a.mu.Unlock()

	if a.durable == nil {
		return
	}
	if err := a.durable.DeleteSessions(ctx, slugs...); err != nil {
		a.log.Error().Err(err).Strs("slugs", slugs).Msg("failed to delete sessions from store")
	}
}

// SessionsForHost returns the union of stored and cached sessions owned by
// hostUID, newest first.
func (a *Accessor) SessionsForHost(ctx context.Context, hostUID string) []*model.Session {
	bySlug := make(map[string]*model.Session)

	if a.durable != nil {
		stored, err := a.durable.ListSessionsForHost(ctx, hostUID)
		if err != nil {
			a.log.Warn().Err(err).Str("host", hostUID).Msg("store unavailable, listing cached sessions")
		}
		for _, s := range stored {
			bySlug[s.Slug] = s
		}
	}

	a.mu.RLock()
	for slug, c := range a.sessions {
		if stored, ok := bySlug[slug]; ok {
			stored.Approved = c.session.Approved
			stored.HostUID = c.session.HostUID
			continue
		}
		if strings.EqualFold(c.session.HostUID, hostUID) {
			bySlug[slug] = c.session.Clone()
		}
	}
	a.mu.RUnlock()

	out := make([]*model.Session, 0, len(bySlug))
	for _, s := range bySlug {
		// A cached rewrite may have moved a stored session to another host.
		if strings.EqualFold(s.HostUID, hostUID) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// LatestSessionSince returns the newest session for hostUID created at or
// after since, or nil.
func (a *Accessor) LatestSessionSince(ctx context.Context, hostUID string, since time.Time) *model.Session {
	sessions := a.SessionsForHost(ctx, hostUID)
	if len(sessions) == 0 || sessions[0].CreatedAt.Before(since) {
		return nil
	}
	return sessions[0]
}

// UnusedSessionsBefore returns sessions created before cutoff that never
// recorded an event. Sessions the store never received are judged by the
// cache's own event counts, as is everything when the store cannot answer.
func (a *Accessor) UnusedSessionsBefore(ctx context.Context, cutoff time.Time) []*model.Session {
	var (
		out      []*model.Session
		fromDisk bool
	)
	if a.durable != nil {
		stored, err := a.durable.FindSessionsOlderThanWithNoEvents(ctx, cutoff)
		if err == nil {
			out, fromDisk = stored, true
		} else {
			a.log.Warn().Err(err).Msg("store unavailable, sweeping cached sessions only")
		}
	}

	a.mu.RLock()
	for _, c := range a.sessions {
		if fromDisk && !c.unsaved {
			continue
		}
		if c.events == 0 && c.session.CreatedAt.Before(cutoff) {
			out = append(out, c.session.Clone())
		}
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RecordEvent counts a session event in the cache and the store.
func (a *Accessor) RecordEvent(ctx context.Context, slug, kind string) {
	a.mu.Lock()
	if c, ok := a.sessions[slug]; ok {
		c.events++
	}
	a.mu.Unlock()

	if a.durable == nil {
		return
	}
	if err := a.durable.RecordEvent(ctx, slug, kind); err != nil {
		a.log.Warn().Err(err).Str("slug", slug).Str("kind", kind).Msg("failed to record session event")
	}
}
