// Package store implements the durable side of host and session state.
//
// The store is the record of what survives a restart:
// - Hosts and their linked devices
// - Sessions and their approval flag
// - Session events, used to tell abandoned links from used ones
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/EscoLessgo/TypeNTalk-sub000/internal/model"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// ErrNotFound is returned when a host or session does not exist.
var ErrNotFound = errors.New("not found")

// StateStore persists hosts, sessions and session events.
type StateStore struct {
	log zerolog.Logger
	db  *sql.DB
}

// New creates a new StateStore with the given database.
func New(log zerolog.Logger, db *sql.DB) *StateStore {
	return &StateStore{
		log: log.With().Str("component", "store").Logger(),
		db:  db,
	}
}

// Open opens a SQLite database and runs migrations.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS hosts (
		uid        TEXT PRIMARY KEY COLLATE NOCASE,
		alias      TEXT UNIQUE COLLATE NOCASE,
		toys       TEXT NOT NULL DEFAULT '[]',
		settings   TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		slug       TEXT PRIMARY KEY,
		host_uid   TEXT NOT NULL COLLATE NOCASE,
		approved   INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_host ON sessions(host_uid, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);

	-- One row per controller join or accepted command.
	CREATE TABLE IF NOT EXISTS session_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		slug       TEXT NOT NULL,
		kind       TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_events_slug ON session_events(slug);
	`

	_, err := db.Exec(schema)
	return err
}

// ═══════════════════════════════════════════════════════════════════════════
// HOSTS
// ═══════════════════════════════════════════════════════════════════════════

// FindHost looks a host up by uid or vanity alias, ignoring case.
func (s *StateStore) FindHost(ctx context.Context, key string) (*model.Host, error) {
	var (
		h                    model.Host
		alias, settings      sql.NullString
		toys                 string
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT uid, alias, toys, settings, created_at, updated_at
		FROM hosts WHERE uid = ? OR alias = ?
		ORDER BY CASE WHEN uid = ? THEN 0 ELSE 1 END
		LIMIT 1
	`, key, key, key).Scan(&h.UID, &alias, &toys, &settings, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find host: %w", err)
	}

	if alias.Valid {
		h.Alias = alias.String
	}
	if err := json.Unmarshal([]byte(toys), &h.Toys); err != nil {
		s.log.Warn().Err(err).Str("host", h.UID).Msg("unreadable device list, treating as empty")
		h.Toys = nil
	}
	if settings.Valid && settings.String != "" {
		if err := json.Unmarshal([]byte(settings.String), &h.Settings); err != nil {
			s.log.Warn().Err(err).Str("host", h.UID).Msg("unreadable settings, ignoring")
		}
	}
	h.CreatedAt = fromMillis(createdAt)
	h.UpdatedAt = fromMillis(updatedAt)
	return &h, nil
}

// UpsertHost inserts or replaces the mutable fields of a host.
func (s *StateStore) UpsertHost(ctx context.Context, h *model.Host) error {
	toys, err := json.Marshal(h.Toys)
	if err != nil {
		return fmt.Errorf("encode toys: %w", err)
	}
	if h.Toys == nil {
		toys = []byte("[]")
	}
	var settings sql.NullString
	if h.Settings != nil {
		data, err := json.Marshal(h.Settings)
		if err != nil {
			return fmt.Errorf("encode settings: %w", err)
		}
		settings = sql.NullString{String: string(data), Valid: true}
	}

	now := time.Now()
	created := h.CreatedAt
	if created.IsZero() {
		created = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO hosts (uid, alias, toys, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			alias = excluded.alias,
			toys = excluded.toys,
			settings = excluded.settings,
			updated_at = excluded.updated_at
	`, h.UID, nullString(h.Alias), string(toys), settings, toMillis(created), toMillis(now))
	if err != nil {
		return fmt.Errorf("upsert host: %w", err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// SESSIONS
// ═══════════════════════════════════════════════════════════════════════════

// FindSession retrieves a session by slug.
func (s *StateStore) FindSession(ctx context.Context, slug string) (*model.Session, error) {
	var (
		sess      model.Session
		approved  int
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT slug, host_uid, approved, created_at FROM sessions WHERE slug = ?
	`, slug).Scan(&sess.Slug, &sess.HostUID, &approved, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	sess.Approved = approved != 0
	sess.CreatedAt = fromMillis(createdAt)
	return &sess, nil
}

// CreateSession persists a new session.
func (s *StateStore) CreateSession(ctx context.Context, sess *model.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (slug, host_uid, approved, created_at) VALUES (?, ?, ?, ?)
	`, sess.Slug, sess.HostUID, boolInt(sess.Approved), toMillis(sess.CreatedAt))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// UpdateSessionApproval sets the approval flag and rewrites the owning host.
// An empty hostUID leaves the owner unchanged.
func (s *StateStore) UpdateSessionApproval(ctx context.Context, slug, hostUID string, approved bool) error {
	var (
		result sql.Result
		err    error
	)
	if hostUID == "" {
		result, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET approved = ? WHERE slug = ?`, boolInt(approved), slug)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET approved = ?, host_uid = ? WHERE slug = ?`, boolInt(approved), hostUID, slug)
	}
	if err != nil {
		return fmt.Errorf("update session approval: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSessions removes sessions and their events.
func (s *StateStore) DeleteSessions(ctx context.Context, slugs ...string) error {
	if len(slugs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(slugs)), ",")
	args := make([]any, len(slugs))
	for i, slug := range slugs {
		args[i] = slug
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_events WHERE slug IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete session events: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE slug IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}

	if rows, _ := result.RowsAffected(); rows > 0 {
		s.log.Debug().Int64("deleted", rows).Msg("deleted sessions")
	}
	return nil
}

// ListSessionsForHost returns a host's sessions, newest first.
func (s *StateStore) ListSessionsForHost(ctx context.Context, hostUID string) ([]*model.Session, error) {
	return s.querySessions(ctx, `
		SELECT slug, host_uid, approved, created_at FROM sessions
		WHERE host_uid = ?
		ORDER BY created_at DESC
	`, hostUID)
}

// FindSessionsOlderThanWithNoEvents returns sessions created before cutoff
// that never recorded a session event.
func (s *StateStore) FindSessionsOlderThanWithNoEvents(ctx context.Context, cutoff time.Time) ([]*model.Session, error) {
	return s.querySessions(ctx, `
		SELECT s.slug, s.host_uid, s.approved, s.created_at FROM sessions s
		WHERE s.created_at < ?
		AND NOT EXISTS (SELECT 1 FROM session_events e WHERE e.slug = s.slug)
		ORDER BY s.created_at
	`, toMillis(cutoff))
}

func (s *StateStore) querySessions(ctx context.Context, query string, args ...any) ([]*model.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*model.Session
	for rows.Next() {
		var (
			sess      model.Session
			approved  int
			createdAt int64
		)
		if err := rows.Scan(&sess.Slug, &sess.HostUID, &approved, &createdAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Approved = approved != 0
		sess.CreatedAt = fromMillis(createdAt)
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// ═══════════════════════════════════════════════════════════════════════════
// SESSION EVENTS
// ═══════════════════════════════════════════════════════════════════════════

// RecordEvent logs a session event.
func (s *StateStore) RecordEvent(ctx context.Context, slug, kind string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_events (slug, kind, created_at) VALUES (?, ?, ?)
	`, slug, kind, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// CountEvents returns the number of events recorded for a session.
func (s *StateStore) CountEvents(ctx context.Context, slug string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_events WHERE slug = ?`, slug).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Ping checks the database is reachable.
func (s *StateStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ═══════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
