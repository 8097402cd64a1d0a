// Package store persists the RTI coordination journal in SQLite.
//
// Each RTI execution is a run. While a run is in progress the coordinator
// appends events to it: grants, relays, stop votes and sequencing
// anomalies. The journal is diagnostic; the coordinator never reads it
// back. WAL mode lets the journal subcommand query a live run.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/daviddao/tagrti/pkg/model"
	"github.com/daviddao/tagrti/pkg/tag"

	_ "modernc.org/sqlite"
)

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database and initializes the schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// retryOnContention wraps retryOp from retry.go with the default config.
func retryOnContention(fn func() error) error {
	return retryOp(defaultRetryConfig, fn)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id                  TEXT PRIMARY KEY,
		federation_id       TEXT NOT NULL,
		number_of_federates INTEGER NOT NULL,
		start_time          INTEGER NOT NULL DEFAULT 0,
		stop_time           INTEGER,
		stop_microstep      INTEGER,
		created_at          TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id     TEXT NOT NULL REFERENCES runs(id),
		kind       TEXT NOT NULL,
		federate   INTEGER NOT NULL,
		peer       INTEGER NOT NULL,
		time       INTEGER NOT NULL,
		microstep  INTEGER NOT NULL,
		body       TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, id);
	CREATE INDEX IF NOT EXISTS idx_events_run_kind ON events(run_id, kind);
	CREATE INDEX IF NOT EXISTS idx_events_run_federate ON events(run_id, federate);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// CreateRun records the start of a run.
func (s *Store) CreateRun(r *model.Run) error {
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO runs (id, federation_id, number_of_federates, start_time, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			r.ID, r.FederationID, r.NumFederates, r.StartTime,
			r.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		return err
	})
}

// SetStartTime records the agreed federation start time.
func (s *Store) SetStartTime(runID string, start int64) error {
	return retryOnContention(func() error {
		_, err := s.db.Exec(`UPDATE runs SET start_time = ? WHERE id = ?`, start, runID)
		return err
	})
}

// SetStopTag records the granted stop tag.
func (s *Store) SetStopTag(runID string, t tag.Tag) error {
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`UPDATE runs SET stop_time = ?, stop_microstep = ? WHERE id = ?`,
			t.Time, int64(t.Microstep), runID,
		)
		return err
	})
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(id string) (*model.Run, error) {
	row := s.db.QueryRow(
		`SELECT id, federation_id, number_of_federates, start_time, stop_time, stop_microstep, created_at
		 FROM runs WHERE id = ?`, id,
	)
	return scanRun(row)
}

// LatestRun returns the most recently created run.
func (s *Store) LatestRun() (*model.Run, error) {
	row := s.db.QueryRow(
		`SELECT id, federation_id, number_of_federates, start_time, stop_time, stop_microstep, created_at
		 FROM runs ORDER BY rowid DESC LIMIT 1`,
	)
	return scanRun(row)
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, federation_id, number_of_federates, start_time, stop_time, stop_microstep, created_at
		 FROM runs ORDER BY rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*model.Run, error) {
	var r model.Run
	var stopTime, stopMicro sql.NullInt64
	var createdStr string
	if err := row.Scan(&r.ID, &r.FederationID, &r.NumFederates, &r.StartTime,
		&stopTime, &stopMicro, &createdStr); err != nil {
		return nil, err
	}
	if stopTime.Valid {
		t := tag.New(stopTime.Int64, uint32(stopMicro.Int64))
		r.StopTag = &t
	}
	var parseErr error
	r.CreatedAt, parseErr = time.Parse(time.RFC3339Nano, createdStr)
	if parseErr != nil {
		return nil, fmt.Errorf("parse created_at time for run %s: %w", r.ID, parseErr)
	}
	return &r, nil
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

const insertEventSQL = `INSERT INTO events (run_id, kind, federate, peer, time, microstep, body, created_at)
	 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

func eventArgs(e *model.Event) []any {
	return []any{
		e.RunID, string(e.Kind), e.Federate, e.Peer, e.Tag.Time, int64(e.Tag.Microstep), e.Body,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// InsertEvent appends an event to the journal. Returns the row ID.
func (s *Store) InsertEvent(e *model.Event) (int64, error) {
	var lastID int64
	err := retryOnContention(func() error {
		res, err := s.db.Exec(insertEventSQL, eventArgs(e)...)
		if err != nil {
			return err
		}
		lastID, err = res.LastInsertId()
		return err
	})
	return lastID, err
}

// InsertEvents appends a batch of events in one transaction.
func (s *Store) InsertEvents(events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	return retryOnContention(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		stmt, err := tx.Prepare(insertEventSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i := range events {
			if _, err := stmt.Exec(eventArgs(&events[i])...); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// EventFilter narrows ListEvents. Zero fields match everything.
type EventFilter struct {
	SinceID  int64
	Kind     model.EventKind
	Federate *int
	Limit    int
}

// ListEvents returns events of a run with row ID > f.SinceID, in order.
func (s *Store) ListEvents(runID string, f EventFilter) ([]model.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query := `SELECT id, run_id, kind, federate, peer, time, microstep, COALESCE(body,''), created_at
		 FROM events WHERE run_id = ? AND id > ?`
	args := []any{runID, f.SinceID}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if f.Federate != nil {
		query += ` AND (federate = ? OR peer = ?)`
		args = append(args, *f.Federate, *f.Federate)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountEvents returns the number of events recorded for a run.
func (s *Store) CountEvents(runID string) int64 {
	var count int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE run_id = ?`, runID).Scan(&count); err != nil {
		return 0
	}
	return count
}

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var kindStr, createdStr string
		var micro int64
		if err := rows.Scan(&e.ID, &e.RunID, &kindStr, &e.Federate, &e.Peer,
			&e.Tag.Time, &micro, &e.Body, &createdStr); err != nil {
			return nil, err
		}
		e.Kind = model.EventKind(kindStr)
		e.Tag.Microstep = uint32(micro)
		var parseErr error
		e.CreatedAt, parseErr = time.Parse(time.RFC3339Nano, createdStr)
		if parseErr != nil {
			return nil, fmt.Errorf("parse created_at time for event %d: %w", e.ID, parseErr)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
