// Package journal records training runs in a SQLite database: one row per
// run, per evaluated epoch and per saved checkpoint.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const schema = `
CREATE TABLE IF NOT EXISTS runs(
	id         TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	config     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS epochs(
	run_id   TEXT NOT NULL REFERENCES runs(id),
	split    TEXT NOT NULL,
	epoch    INTEGER NOT NULL,
	step     INTEGER NOT NULL,
	loss     REAL NOT NULL,
	accuracy REAL NOT NULL,
	seconds  REAL NOT NULL,
	ts       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoints(
	run_id TEXT NOT NULL REFERENCES runs(id),
	epoch  INTEGER NOT NULL,
	step   INTEGER NOT NULL,
	path   TEXT NOT NULL,
	ts     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS epochs_run ON epochs(run_id, epoch);
`

// Journal is an open run database.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases alive across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Run is one training invocation.
type Run struct {
	ID        string
	StartedAt time.Time
	Config    string

	j *Journal
}

// Epoch is the summary of one split of one epoch.
type Epoch struct {
	Split    string // "train" or "valid".
	Epoch    int
	Step     int
	Loss     float64
	Accuracy float64
	Seconds  float64
}

// Checkpoint is a saved checkpoint event.
type Checkpoint struct {
	Epoch int
	Step  int
	Path  string
}

// StartRun creates a run with a fresh id. config is stored verbatim.
func (j *Journal) StartRun(ctx context.Context, config string) (*Run, error) {
	return j.ResumeRun(ctx, uuid.NewString(), config)
}

// ResumeRun returns the run with the given id, creating it when absent.
func (j *Journal) ResumeRun(ctx context.Context, id, config string) (*Run, error) {
	run := &Run{ID: id, StartedAt: time.Now().UTC(), Config: config, j: j}
	_, err := j.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO runs(id, started_at, config) VALUES(?,?,?)",
		run.ID, run.StartedAt.Format(time.RFC3339Nano), run.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}

	var started string
	err = j.db.QueryRowContext(ctx, "SELECT started_at, config FROM runs WHERE id = ?", id).
		Scan(&started, &run.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", id, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, started); err == nil {
		run.StartedAt = t
	}
	return run, nil
}

// RecordEpoch stores an epoch summary.
func (r *Run) RecordEpoch(ctx context.Context, e Epoch) error {
	_, err := r.j.db.ExecContext(ctx,
		"INSERT INTO epochs(run_id, split, epoch, step, loss, accuracy, seconds, ts) VALUES(?,?,?,?,?,?,?,?)",
		r.ID, e.Split, e.Epoch, e.Step, e.Loss, e.Accuracy, e.Seconds, now())
	if err != nil {
		return fmt.Errorf("failed to record epoch %d: %w", e.Epoch, err)
	}
	return nil
}

// RecordCheckpoint stores a checkpoint event.
func (r *Run) RecordCheckpoint(ctx context.Context, c Checkpoint) error {
	_, err := r.j.db.ExecContext(ctx,
		"INSERT INTO checkpoints(run_id, epoch, step, path, ts) VALUES(?,?,?,?,?)",
		r.ID, c.Epoch, c.Step, c.Path, now())
	if err != nil {
		return fmt.Errorf("failed to record checkpoint: %w", err)
	}
	return nil
}

// Runs lists all runs, oldest first.
func (j *Journal) Runs(ctx context.Context) ([]Run, error) {
	rows, err := j.db.QueryContext(ctx, "SELECT id, started_at, config FROM runs ORDER BY started_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var started string
		if err := rows.Scan(&run.ID, &started, &run.Config); err != nil {
			return nil, err
		}
		run.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		run.j = j
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Epochs returns the epoch summaries of a run in insertion order.
func (j *Journal) Epochs(ctx context.Context, runID string) ([]Epoch, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT split, epoch, step, loss, accuracy, seconds FROM epochs WHERE run_id = ? ORDER BY rowid", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list epochs: %w", err)
	}
	defer rows.Close()

	var out []Epoch
	for rows.Next() {
		var e Epoch
		if err := rows.Scan(&e.Split, &e.Epoch, &e.Step, &e.Loss, &e.Accuracy, &e.Seconds); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Checkpoints returns the checkpoint events of a run in insertion order.
func (j *Journal) Checkpoints(ctx context.Context, runID string) ([]Checkpoint, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT epoch, step, path FROM checkpoints WHERE run_id = ? ORDER BY rowid", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var c Checkpoint
		if err := rows.Scan(&c.Epoch, &c.Step, &c.Path); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
