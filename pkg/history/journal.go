// Package history keeps a journal of every dispense, test and clean run in a
// SQLite database.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	pkgerrors "github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/tapster-pi/tapster/pkg/dispense"
)

// DefaultLimit is used by List when limit is not positive.
const DefaultLimit = 20

const schema = `CREATE TABLE IF NOT EXISTS operations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL,
    recipe TEXT,
    completed_json TEXT NOT NULL,
    faulted_json TEXT NOT NULL,
    dropped_json TEXT NOT NULL,
    outcomes_json TEXT NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_operations_started ON operations(started_at);`

// Entry is one journaled operation.
type Entry struct {
	ID         int64              `json:"id"`
	JobID      string             `json:"jobId"`
	Kind       dispense.Kind      `json:"kind"`
	Recipe     string             `json:"recipe,omitempty"`
	Completed  []int              `json:"completed"`
	Faulted    []int              `json:"faulted"`
	Dropped    []string           `json:"droppedIngredients"`
	Outcomes   []dispense.Outcome `json:"outcomes"`
	StartedAt  time.Time          `json:"startedAt"`
	FinishedAt time.Time          `json:"finishedAt"`
}

// Journal is the pour journal. It implements dispense.Recorder.
type Journal struct {
	db   *sql.DB
	path string
}

var _ dispense.Recorder = &Journal{}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to create journal directory for %s", path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open journal %s", path)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, pkgerrors.Wrapf(err, "failed to apply %q", pragma)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, pkgerrors.Wrap(err, "failed to create journal schema")
	}

	return &Journal{db: db, path: path}, nil
}

// Path returns the database file.
func (j *Journal) Path() string { return j.path }

// Close closes the database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record appends res to the journal.
func (j *Journal) Record(ctx context.Context, res *dispense.Result) error {
	dropped := res.Dropped
	if dropped == nil {
		dropped = []string{}
	}

	cols := make([]string, 4)
	for i, v := range []any{nonNil(res.Completed), nonNil(res.Faulted), dropped, res.Outcomes} {
		b, err := json.Marshal(v)
		if err != nil {
			return pkgerrors.Wrap(err, "failed to encode journal entry")
		}
		cols[i] = string(b)
	}

	_, err := j.db.ExecContext(
		ctx,
		`INSERT INTO operations (
            job_id, kind, recipe, completed_json, faulted_json, dropped_json,
            outcomes_json, started_at, finished_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.JobID,
		string(res.Kind),
		res.Recipe,
		cols[0],
		cols[1],
		cols[2],
		cols[3],
		res.StartedAt.UTC().Format(time.RFC3339Nano),
		res.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to record job %s", res.JobID)
	}
	return nil
}

// List returns up to limit entries, newest first.
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := j.db.QueryContext(
		ctx,
		`SELECT id, job_id, kind, recipe, completed_json, faulted_json, dropped_json,
            outcomes_json, started_at, finished_at
        FROM operations ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to query journal")
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read journal")
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var (
		e                                 Entry
		kind                              string
		recipe                            sql.NullString
		completed, faulted, dropped, outs string
		startedAt, finishedAt             string
	)
	if err := rows.Scan(&e.ID, &e.JobID, &kind, &recipe, &completed, &faulted, &dropped, &outs, &startedAt, &finishedAt); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to scan journal row")
	}
	e.Kind = dispense.Kind(kind)
	e.Recipe = recipe.String

	for _, c := range []struct {
		raw string
		dst any
	}{
		{completed, &e.Completed},
		{faulted, &e.Faulted},
		{dropped, &e.Dropped},
		{outs, &e.Outcomes},
	} {
		if err := json.Unmarshal([]byte(c.raw), c.dst); err != nil {
			return nil, fmt.Errorf("journal entry %d: %w", e.ID, err)
		}
	}

	var err error
	if e.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("journal entry %d: %w", e.ID, err)
	}
	if e.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
		return nil, fmt.Errorf("journal entry %d: %w", e.ID, err)
	}

	return &e, nil
}

func nonNil(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}
