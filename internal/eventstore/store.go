package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Session is one journaled voice session.
type Session struct {
	ID         string
	RemoteAddr string
	SampleRate int
	StartedAt  time.Time
	EndedAt    time.Time
}

// Event is one journaled pipeline event.
type Event struct {
	ID        int64
	SessionID string
	Turn      int
	Kind      string
	Payload   []byte
	CreatedAt time.Time
}

// Audit is one skill invocation record.
type Audit struct {
	ID           int64
	Skill        string
	InvocationID string
	Type         string
	Payload      []byte
	Privacy      string
	CreatedAt    time.Time
}

// Store wraps a SQLite-backed session journal.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config. The ephemeral
// retention mode yields a store that records nothing.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    remote_addr TEXT,
    sample_rate INTEGER,
    started_at TEXT NOT NULL,
    ended_at TEXT
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    turn INTEGER NOT NULL,
    kind TEXT NOT NULL,
    payload BLOB,
    created_at TEXT NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);
CREATE TABLE IF NOT EXISTS skill_audit (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    skill TEXT NOT NULL,
    invocation_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    privacy_scope TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_skill_audit_invocation ON skill_audit(invocation_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Enabled reports whether writes are persisted.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) now() string {
	return s.clock().UTC().Format(timeLayout)
}

func stamp(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseStamp(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	ts, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// StartSession records a session. Starting a known session again updates it.
func (s *Store) StartSession(ctx context.Context, sess Session) error {
	if !s.Enabled() {
		return nil
	}
	started := s.now()
	if !sess.StartedAt.IsZero() {
		started = stamp(sess.StartedAt)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, remote_addr, sample_rate, started_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET remote_addr=excluded.remote_addr, sample_rate=excluded.sample_rate`,
		sess.ID, sess.RemoteAddr, sess.SampleRate, started)
	return err
}

// EndSession stamps the session's end time.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE session_id = ?`, s.now(), sessionID)
	return err
}

// GetSession returns one journaled session.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, bool, error) {
	if !s.Enabled() {
		return Session{}, false, nil
	}
	var sess Session
	var remote sql.NullString
	var started, ended sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, remote_addr, sample_rate, started_at, ended_at FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&sess.ID, &remote, &sess.SampleRate, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	sess.RemoteAddr = remote.String
	sess.StartedAt = parseStamp(started)
	sess.EndedAt = parseStamp(ended)
	return sess, true, nil
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.Enabled() {
		return nil
	}
	created := s.now()
	if !evt.CreatedAt.IsZero() {
		created = stamp(evt.CreatedAt)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, turn, kind, payload, created_at) VALUES(?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Turn, evt.Kind, evt.Payload, created)
	return err
}

// ListSessionEvents retrieves up to limit events for a session in the
// order they were appended.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, turn, kind, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Turn, &e.Kind, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseStamp(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// AppendAudit writes a skill audit record.
func (s *Store) AppendAudit(ctx context.Context, a Audit) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO skill_audit(skill, invocation_id, event_type, payload, privacy_scope, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		a.Skill, a.InvocationID, a.Type, a.Payload, a.Privacy, s.now())
	return err
}

// ListAudit returns the audit trail of one invocation.
func (s *Store) ListAudit(ctx context.Context, invocationID string) ([]Audit, error) {
	if !s.Enabled() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, skill, invocation_id, event_type, payload, privacy_scope, created_at
		 FROM skill_audit WHERE invocation_id = ? ORDER BY id ASC`, invocationID)
	if err != nil {
		return nil, err
	}
	return scanAudit(rows)
}

// ListSkillAudit returns the most recent audit records of one skill,
// oldest first.
func (s *Store) ListSkillAudit(ctx context.Context, skill string, limit int) ([]Audit, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, skill, invocation_id, event_type, payload, privacy_scope, created_at FROM (
			SELECT * FROM skill_audit WHERE skill = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`, skill, limit)
	if err != nil {
		return nil, err
	}
	return scanAudit(rows)
}

func scanAudit(rows *sql.Rows) ([]Audit, error) {
	defer rows.Close()

	var out []Audit
	for rows.Next() {
		var a Audit
		var privacy, created sql.NullString
		if err := rows.Scan(&a.ID, &a.Skill, &a.InvocationID, &a.Type, &a.Payload, &privacy, &created); err != nil {
			return nil, err
		}
		a.Privacy = privacy.String
		a.CreatedAt = parseStamp(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		// nothing to prune
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := stamp(s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour))
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM skill_audit WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
