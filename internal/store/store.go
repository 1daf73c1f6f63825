// Package store is the local SQLite-backed persistence layer for repair
// sessions and their turns.
//
// Notes:
//   - Turns are append-only; a stored turn row is never updated.
//   - A session's conversation is reconstructible from its turn rows alone,
//     in turn_index order, so a persisted session replays deterministically.
//   - WAL is enabled so the replay tool can read while a campaign writes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/nocodenolife3742/afixl/internal/session"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}

	// Pin the pool to one connection before running pragmas: busy_timeout
	// is per-connection and would be lost on a replacement connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Session is one persisted repair session row.
type Session struct {
	SessionID string `json:"session_id"`
	GroupKey  string `json:"group_key"`
	Status    string `json:"status"`

	FaultKind   string `json:"fault_kind"`
	FaultSite   string `json:"fault_site"`
	Report      string `json:"report"`
	SourceView  string `json:"source_view"`
	InputSize   int    `json:"input_size"`
	BaselineRev string `json:"baseline_rev"`
	TurnLimit   int    `json:"turn_limit"`

	AcceptedRev       string `json:"accepted_rev"`
	AcceptedDiff      string `json:"accepted_diff"`
	AcceptedRationale string `json:"accepted_rationale"`
	AbortReason       string `json:"abort_reason"`

	OpenedAtUnixMs int64 `json:"opened_at_unix_ms"`
	ClosedAtUnixMs int64 `json:"closed_at_unix_ms"`
}

// Turn is one persisted conversation round.
type Turn struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	TurnIndex int    `json:"turn_index"`

	Feedback  string `json:"feedback"`
	Response  string `json:"response"`
	Malformed bool   `json:"malformed"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
}

// RecordSession persists a terminal session and all of its turns in one
// transaction. Re-recording the same session id is an error.
func (s *Store) RecordSession(ctx context.Context, sess *session.Session) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if sess == nil {
		return errors.New("nil session")
	}
	if !sess.Status.Terminal() {
		return fmt.Errorf("session %s is not terminal", sess.ID)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	row, turns := flatten(sess)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO repair_sessions (
  session_id, group_key, status,
  fault_kind, fault_site, report, source_view, input_size,
  baseline_rev, turn_limit,
  accepted_rev, accepted_diff, accepted_rationale, abort_reason,
  opened_at_unix_ms, closed_at_unix_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		row.SessionID, row.GroupKey, row.Status,
		row.FaultKind, row.FaultSite, row.Report, row.SourceView, row.InputSize,
		row.BaselineRev, row.TurnLimit,
		row.AcceptedRev, row.AcceptedDiff, row.AcceptedRationale, row.AbortReason,
		row.OpenedAtUnixMs, row.ClosedAtUnixMs,
	); err != nil {
		return fmt.Errorf("insert session %s: %w", row.SessionID, err)
	}

	for _, t := range turns {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO repair_turns (
  session_id, turn_index, feedback, response, malformed, outcome, reason, created_at_unix_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
			t.SessionID, t.TurnIndex, t.Feedback, t.Response, boolToInt(t.Malformed), t.Outcome, t.Reason, t.CreatedAtUnixMs,
		); err != nil {
			return fmt.Errorf("insert turn %d of %s: %w", t.TurnIndex, t.SessionID, err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}

	var row Session
	err := s.db.QueryRowContext(ctx, `
SELECT
  session_id, group_key, status,
  fault_kind, fault_site, report, source_view, input_size,
  baseline_rev, turn_limit,
  accepted_rev, accepted_diff, accepted_rationale, abort_reason,
  opened_at_unix_ms, closed_at_unix_ms
FROM repair_sessions
WHERE session_id = ?
`, sessionID).Scan(
		&row.SessionID,
		&row.GroupKey,
		&row.Status,
		&row.FaultKind,
		&row.FaultSite,
		&row.Report,
		&row.SourceView,
		&row.InputSize,
		&row.BaselineRev,
		&row.TurnLimit,
		&row.AcceptedRev,
		&row.AcceptedDiff,
		&row.AcceptedRationale,
		&row.AbortReason,
		&row.OpenedAtUnixMs,
		&row.ClosedAtUnixMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT
  session_id, group_key, status,
  fault_kind, fault_site, report, source_view, input_size,
  baseline_rev, turn_limit,
  accepted_rev, accepted_diff, accepted_rationale, abort_reason,
  opened_at_unix_ms, closed_at_unix_ms
FROM repair_sessions
ORDER BY opened_at_unix_ms ASC, session_id ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var row Session
		if err := rows.Scan(
			&row.SessionID,
			&row.GroupKey,
			&row.Status,
			&row.FaultKind,
			&row.FaultSite,
			&row.Report,
			&row.SourceView,
			&row.InputSize,
			&row.BaselineRev,
			&row.TurnLimit,
			&row.AcceptedRev,
			&row.AcceptedDiff,
			&row.AcceptedRationale,
			&row.AbortReason,
			&row.OpenedAtUnixMs,
			&row.ClosedAtUnixMs,
		); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ListTurns returns a session's turns in conversation order.
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, turn_index, feedback, response, malformed, outcome, reason, created_at_unix_ms
FROM repair_turns
WHERE session_id = ?
ORDER BY turn_index ASC
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var malformed int
		if err := rows.Scan(&t.ID, &t.SessionID, &t.TurnIndex, &t.Feedback, &t.Response, &malformed, &t.Outcome, &t.Reason, &t.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		t.Malformed = malformed != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

func flatten(sess *session.Session) (Session, []Turn) {
	row := Session{
		SessionID:   sess.ID,
		GroupKey:    sess.GroupKey,
		Status:      string(sess.Status),
		FaultKind:   sess.Evidence.Kind,
		FaultSite:   sess.Evidence.Site,
		Report:      sess.Evidence.Report,
		SourceView:  sess.Evidence.Context,
		InputSize:   sess.Evidence.InputSize,
		TurnLimit:   sess.TurnLimit,
		AbortReason: sess.AbortReason,
	}
	if sess.Baseline != nil {
		row.BaselineRev = sess.Baseline.ID
	}
	if sess.Accepted != nil {
		if sess.Accepted.Revision != nil {
			row.AcceptedRev = sess.Accepted.Revision.ID
		}
		row.AcceptedDiff = sess.Accepted.DiffText
		row.AcceptedRationale = sess.Accepted.Rationale
	}
	if !sess.OpenedAt.IsZero() {
		row.OpenedAtUnixMs = sess.OpenedAt.UnixMilli()
	}
	if !sess.ClosedAt.IsZero() {
		row.ClosedAtUnixMs = sess.ClosedAt.UnixMilli()
	}

	turns := make([]Turn, 0, len(sess.Turns))
	for _, t := range sess.Turns {
		turns = append(turns, Turn{
			SessionID:       sess.ID,
			TurnIndex:       t.Index,
			Feedback:        t.Feedback,
			Response:        t.Response,
			Malformed:       t.Malformed,
			Outcome:         string(t.Outcome),
			Reason:          t.Reason,
			CreatedAtUnixMs: t.At.UnixMilli(),
		})
	}
	return row, turns
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS repair_sessions (
  session_id TEXT PRIMARY KEY,
  group_key TEXT NOT NULL,
  status TEXT NOT NULL,
  fault_kind TEXT NOT NULL DEFAULT '',
  fault_site TEXT NOT NULL DEFAULT '',
  report TEXT NOT NULL DEFAULT '',
  source_view TEXT NOT NULL DEFAULT '',
  input_size INTEGER NOT NULL DEFAULT 0,
  baseline_rev TEXT NOT NULL DEFAULT '',
  turn_limit INTEGER NOT NULL DEFAULT 0,
  accepted_rev TEXT NOT NULL DEFAULT '',
  accepted_diff TEXT NOT NULL DEFAULT '',
  accepted_rationale TEXT NOT NULL DEFAULT '',
  abort_reason TEXT NOT NULL DEFAULT '',
  opened_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  closed_at_unix_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_repair_sessions_opened ON repair_sessions(opened_at_unix_ms ASC, session_id ASC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS repair_turns (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  turn_index INTEGER NOT NULL,
  feedback TEXT NOT NULL DEFAULT '',
  response TEXT NOT NULL DEFAULT '',
  malformed INTEGER NOT NULL DEFAULT 0,
  outcome TEXT NOT NULL DEFAULT '',
  reason TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  UNIQUE(session_id, turn_index)
);
CREATE INDEX IF NOT EXISTS idx_repair_turns_session ON repair_turns(session_id, turn_index ASC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
