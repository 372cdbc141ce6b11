// internal/session/store.go
package session

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/jmroz/taskpilot/internal/plan"
)

// Store archives sessions and their plans in a local SQLite database.
// It also satisfies the plan manager's persistence hook, so every plan
// mutation lands on disk as it happens.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	goal        TEXT NOT NULL,
	target      TEXT NOT NULL,
	mode        TEXT NOT NULL,
	state       TEXT NOT NULL,
	step_count  INTEGER NOT NULL,
	step_limit  INTEGER NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	duration_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS plan_steps (
	session_id  TEXT NOT NULL,
	step_id     INTEGER NOT NULL,
	description TEXT NOT NULL,
	command     TEXT,
	status      TEXT NOT NULL,
	result      TEXT,
	PRIMARY KEY (session_id, step_id)
);

CREATE TABLE IF NOT EXISTS commands (
	session_id  TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	command     TEXT NOT NULL,
	exit_code   INTEGER NOT NULL,
	stdout      TEXT,
	stderr      TEXT,
	timed_out   INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	at          TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS file_ops (
	session_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	operation  TEXT NOT NULL,
	path       TEXT NOT NULL,
	detail     TEXT,
	error      TEXT,
	at         TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS searches (
	session_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	query      TEXT NOT NULL,
	sources    INTEGER NOT NULL,
	confidence REAL NOT NULL,
	at         TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, seq)
);
`

// Open creates or opens the archive database, creating parent
// directories and the schema as needed.
func Open(logger *zap.Logger, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	// modernc's driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize archive schema: %w", err)
	}

	return &Store{logger: logger.Named("store"), db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SavePlan replaces the archived plan for a session with the current
// step list. Implements the plan manager's persistence hook.
func (s *Store) SavePlan(sessionID, goal string, steps []plan.Step) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM plan_steps WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	for _, step := range steps {
		_, err := tx.Exec(
			`INSERT INTO plan_steps (session_id, step_id, description, command, status, result)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, step.ID, step.Description, step.Command, string(step.Status), step.Result)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveSession upserts the session row and rewrites its activity
// records. Called on every turn boundary so a crash loses at most one
// turn of history.
func (s *Store) SaveSession(sess *Session) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO sessions (id, goal, target, mode, state, step_count, step_limit, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   mode = excluded.mode,
		   state = excluded.state,
		   step_count = excluded.step_count,
		   duration_ms = excluded.duration_ms`,
		sess.ID(), sess.Goal(), sess.Target(), sess.Mode(), string(sess.State()),
		sess.StepCount(), sess.StepLimit(), sess.StartedAt(),
		sess.Duration().Milliseconds())
	if err != nil {
		return err
	}

	if err := replaceRecords(tx, sess); err != nil {
		return err
	}
	return tx.Commit()
}

func replaceRecords(tx *sql.Tx, sess *Session) error {
	id := sess.ID()
	for _, table := range []string{"commands", "file_ops", "searches"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE session_id = ?`, id); err != nil {
			return err
		}
	}

	for i, rec := range sess.Commands() {
		_, err := tx.Exec(
			`INSERT INTO commands (session_id, seq, command, exit_code, stdout, stderr, timed_out, duration_ms, at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, i, rec.Command, rec.ExitCode, rec.Stdout, rec.Stderr,
			boolToInt(rec.TimedOut), rec.Duration.Milliseconds(), rec.At)
		if err != nil {
			return err
		}
	}
	for i, rec := range sess.FileOps() {
		_, err := tx.Exec(
			`INSERT INTO file_ops (session_id, seq, operation, path, detail, error, at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, i, rec.Operation, rec.Path, rec.Detail, rec.Err, rec.At)
		if err != nil {
			return err
		}
	}
	for i, rec := range sess.Searches() {
		_, err := tx.Exec(
			`INSERT INTO searches (session_id, seq, query, sources, confidence, at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id, i, rec.Query, rec.Sources, rec.Confidence, rec.At)
		if err != nil {
			return err
		}
	}
	return nil
}

// ArchivedSession is a summary row from the sessions table.
type ArchivedSession struct {
	ID        string
	Goal      string
	Target    string
	Mode      string
	State     State
	StepCount int
	StartedAt time.Time
	Duration  time.Duration
}

// ListSessions returns the most recent archived sessions, newest first.
func (s *Store) ListSessions(limit int) ([]ArchivedSession, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, goal, target, mode, state, step_count, started_at, duration_ms
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArchivedSession
	for rows.Next() {
		var a ArchivedSession
		var state string
		var durationMS int64
		if err := rows.Scan(&a.ID, &a.Goal, &a.Target, &a.Mode, &state,
			&a.StepCount, &a.StartedAt, &durationMS); err != nil {
			return nil, err
		}
		a.State = State(state)
		a.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, a)
	}
	return out, rows.Err()
}

// LoadPlan returns the archived plan steps for a session in step order.
func (s *Store) LoadPlan(sessionID string) ([]plan.Step, error) {
	rows, err := s.db.Query(
		`SELECT step_id, description, command, status, result
		 FROM plan_steps WHERE session_id = ? ORDER BY step_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []plan.Step
	for rows.Next() {
		var st plan.Step
		var status string
		if err := rows.Scan(&st.ID, &st.Description, &st.Command, &status, &st.Result); err != nil {
			return nil, err
		}
		st.Status = plan.Status(status)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
