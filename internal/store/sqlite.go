package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/contact-reveal/internal/model"
)

// SQLiteStore implements Journal using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME,
	stop_reason TEXT,
	processed   INTEGER NOT NULL DEFAULT 0,
	consumed    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS transitions (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL,
	identity_key TEXT NOT NULL,
	from_status  TEXT NOT NULL,
	to_status    TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	at           DATETIME NOT NULL,
	seq          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_identity_key ON transitions(identity_key);
CREATE INDEX IF NOT EXISTS idx_transitions_run_id ON transitions(run_id);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append writes a batch of transitions in one transaction. Rows without an
// ID get a fresh UUID.
func (s *SQLiteStore) Append(ctx context.Context, transitions []model.Transition) error {
	if len(transitions) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append")
	}
	defer tx.Rollback() //nolint:errcheck

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM transitions`).Scan(&seq); err != nil {
		return eris.Wrap(err, "sqlite: read transition seq")
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO transitions (id, run_id, identity_key, from_status, to_status, attempts, error, at, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare append")
	}
	defer stmt.Close() //nolint:errcheck

	for _, t := range transitions {
		id := t.ID
		if id == "" {
			id = uuid.New().String()
		}
		seq++
		var errText sql.NullString
		if t.Error != "" {
			errText = sql.NullString{String: t.Error, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			id, t.RunID, t.IdentityKey, string(t.From), string(t.To), t.Attempts, errText, t.At.UTC(), seq,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert transition %s", t.IdentityKey)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit append")
}

// History returns every transition recorded for identityKey, oldest first.
func (s *SQLiteStore) History(ctx context.Context, identityKey string) ([]model.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, identity_key, from_status, to_status, attempts, error, at
		 FROM transitions WHERE identity_key = ? ORDER BY seq`,
		identityKey,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: history %s", identityKey)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Transition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: history iterate")
}

func (s *SQLiteStore) StartRun(ctx context.Context, runID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at) VALUES (?, ?)`,
		runID, at.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert run %s", runID)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, run Run) error {
	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, stop_reason = ?, processed = ?, consumed = ? WHERE id = ?`,
		finished, run.StopReason, run.Processed, run.Consumed, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", run.ID)
	}
	return checkRowsAffected(res, "run", run.ID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, stop_reason, processed, consumed
		 FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTransition(row scannable) (*model.Transition, error) {
	var t model.Transition
	var from, to string
	var errText sql.NullString

	if err := row.Scan(&t.ID, &t.RunID, &t.IdentityKey, &from, &to, &t.Attempts, &errText, &t.At); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan transition")
	}
	t.From = model.EntryStatus(from)
	t.To = model.EntryStatus(to)
	t.Error = errText.String
	return &t, nil
}

func scanRun(row scannable) (*Run, error) {
	var r Run
	var finished sql.NullTime
	var reason sql.NullString

	if err := row.Scan(&r.ID, &r.StartedAt, &finished, &reason, &r.Processed, &r.Consumed); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	r.StopReason = reason.String
	return &r, nil
}
