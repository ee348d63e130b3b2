package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mooretm/yes-no/internal/config"
	"github.com/mooretm/yes-no/internal/fault"
	"github.com/mooretm/yes-no/internal/response"
)

// Fixed width keeps stored timestamps in lexical time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Session is one task run.
type Session struct {
	ID         string
	Subject    string
	Condition  string
	MatrixFile string
	CreatedAt  time.Time
}

// TrialRow is a stored trial result.
type TrialRow struct {
	ID             int64
	SessionID      string
	Trial          int
	Stimulus       string
	Response       int
	Expected       string
	Classification string
	Record         response.Record
	CreatedAt      time.Time
}

// Store keeps sessions and their trials in SQLite.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open creates the database file and schema if needed and applies the
// configured retention.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "results-store"))

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fault.Errorf(fault.Persistence, "results.store", "create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fault.Errorf(fault.Persistence, "results.store", "open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fault.Errorf(fault.Persistence, "results.store", "ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fault.Errorf(fault.Persistence, "results.store", "init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("results store vacuum failed", slogError(err))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("results store prune on start failed", slogError(err))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    subject TEXT NOT NULL,
    condition TEXT NOT NULL,
    matrix_file TEXT,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS trials (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    trial INTEGER NOT NULL,
    stimulus TEXT NOT NULL,
    response INTEGER NOT NULL,
    expected TEXT,
    classification TEXT,
    record TEXT NOT NULL,
    created_at TEXT NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_trials_session ON trials(session_id, trial);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginSession ensures a session row exists.
func (s *Store) BeginSession(ctx context.Context, sess Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, subject, condition, matrix_file, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET subject=excluded.subject, condition=excluded.condition, matrix_file=excluded.matrix_file`,
		sess.ID, sess.Subject, sess.Condition, sess.MatrixFile, sess.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fault.Errorf(fault.Persistence, "results.store", "begin session %s: %w", sess.ID, err)
	}
	return nil
}

// AppendTrial stores one result under sessionID.
func (s *Store) AppendTrial(ctx context.Context, sessionID string, r response.Result) error {
	rec, err := json.Marshal(wireRecord(r.Record()))
	if err != nil {
		return fault.Errorf(fault.Persistence, "results.store", "encode record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trials(session_id, trial, stimulus, response, expected, classification, record, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, r.TrialIndex+1, r.Stimulus, r.Response,
		r.Expected.String(), r.Classification.String(), string(rec),
		s.clock().UTC().Format(timeLayout))
	if err != nil {
		return fault.Errorf(fault.Persistence, "results.store", "append trial %d: %w", r.TrialIndex+1, err)
	}
	return nil
}

// ListTrials returns a session's trials in trial order.
func (s *Store) ListTrials(ctx context.Context, sessionID string) ([]TrialRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, trial, stimulus, response, expected, classification, record, created_at
		 FROM trials WHERE session_id = ? ORDER BY trial ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrialRow
	for rows.Next() {
		var (
			t       TrialRow
			rec     string
			created string
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Trial, &t.Stimulus, &t.Response, &t.Expected, &t.Classification, &rec, &created); err != nil {
			return nil, err
		}
		var fields []RecordField
		if err := json.Unmarshal([]byte(rec), &fields); err != nil {
			return nil, fmt.Errorf("decode record of trial %d: %w", t.Trial, err)
		}
		t.Record = ToRecord(fields)
		if ts, err := time.Parse(timeLayout, created); err == nil {
			t.CreatedAt = ts
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Sessions lists stored sessions, newest first.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, subject, condition, COALESCE(matrix_file, ''), created_at
		 FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess    Session
			created string
		)
		if err := rows.Scan(&sess.ID, &sess.Subject, &sess.Condition, &sess.MatrixFile, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(timeLayout, created); err == nil {
			sess.CreatedAt = ts
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.cfg.RetentionDays <= 0 && s.cfg.MaxSessions <= 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().Format(timeLayout)
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Sink binds the store to one session.
func (s *Store) Sink(sessionID string) Sink {
	return &storeSink{store: s, sessionID: sessionID}
}

type storeSink struct {
	store     *Store
	sessionID string
}

func (k *storeSink) Write(ctx context.Context, r response.Result) error {
	return k.store.AppendTrial(ctx, k.sessionID, r)
}

// Close leaves the shared store open; its owner closes it.
func (k *storeSink) Close() error { return nil }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
