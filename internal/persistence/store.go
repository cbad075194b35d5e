// Package persistence is the embedded relational store of spec.md §4.8:
// runs, metrics, samples, and the supporting collections/requests/
// environments/globals/config tables, backed by SQLite in WAL mode. All
// writes funnel through one serialized writer goroutine — SQLite allows a
// single writer at a time, and WAL mode only buys concurrent readers, not
// concurrent writers — mirroring the teacher's single-writer
// internal/controlplane/runmanager.RunManager mutex discipline but applied
// to disk rather than an in-memory map.
//
// Grounded on mattn/go-sqlite3 (present across the broader example pack's
// go.mod manifests, e.g. 9trocode-load-tester's sql.DB-backed TestManager)
// and the teacher's events.EventLogger.LogPersistenceRetry for the retry
// path — see DESIGN.md.
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bc-dunia/apiforge/internal/events"
	"github.com/bc-dunia/apiforge/internal/loadmodel"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	request_id TEXT,
	environment_id TEXT,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	config_snapshot TEXT,
	start_time_ms INTEGER NOT NULL,
	end_time_ms INTEGER
);
CREATE TABLE IF NOT EXISTS metrics (
	run_id TEXT NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	name TEXT NOT NULL,
	value REAL NOT NULL,
	labels TEXT
);
CREATE INDEX IF NOT EXISTS idx_metrics_run_ts ON metrics(run_id, timestamp_ms);
CREATE TABLE IF NOT EXISTS samples (
	run_id TEXT NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	status_code INTEGER,
	latency_ms REAL,
	error_kind TEXT,
	error_message TEXT,
	trace TEXT
);
CREATE INDEX IF NOT EXISTS idx_samples_run ON samples(run_id);
CREATE TABLE IF NOT EXISTS reports (
	run_id TEXT PRIMARY KEY,
	report TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS collections (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS requests (
	id TEXT PRIMARY KEY,
	collection_id TEXT,
	template TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS environments (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	variables TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS globals (
	id TEXT PRIMARY KEY DEFAULT 'default',
	variables TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// writeOp is one unit of work handed to the serialized writer goroutine.
type writeOp struct {
	exec   func(*sql.DB) error
	result chan error
}

// Store is the embedded SQLite-backed persistence layer. One Store per
// daemon process; safe for concurrent use by multiple goroutines, since all
// writes are serialized internally.
type Store struct {
	db     *sql.DB
	writes chan writeOp
	done   chan struct{}
	logger *events.EventLogger
}

// Open creates (or attaches to) the SQLite database at path, enables WAL
// mode, applies the schema, and starts the single writer goroutine.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("persistence: open: %w", err)
	}
	db.SetMaxOpenConns(1) // one *sql.DB connection: the writer goroutine owns it, readers share it serialized too

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: apply schema: %w", err)
	}

	s := &Store{
		db:     db,
		writes: make(chan writeOp, 256),
		done:   make(chan struct{}),
		logger: events.GetGlobalEventLogger(),
	}
	go s.writerLoop()
	return s, nil
}

// Close drains pending writes and closes the database.
func (s *Store) Close() error {
	close(s.writes)
	<-s.done
	return s.db.Close()
}

func (s *Store) writerLoop() {
	defer close(s.done)
	for op := range s.writes {
		op.result <- s.execWithRetry(op.exec)
	}
}

// execWithRetry runs fn against the shared db handle, retrying on any
// error up to 5 attempts with exponential backoff
// starting at 50ms and capped at 2s, per spec.md §7/§9's implementer-defined
// persistence retry policy.
func (s *Store) execWithRetry(fn func(*sql.DB) error) error {
	backoff := 50 * time.Millisecond
	const maxAttempts = 5
	const maxBackoff = 2 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := fn(s.db); err != nil {
			lastErr = err
			if s.logger != nil {
				s.logger.LogPersistenceRetry("write", attempt, backoff.Milliseconds(), err)
			}
			if attempt == maxAttempts {
				break
			}
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
	return lastErr
}

func (s *Store) write(fn func(*sql.DB) error) error {
	op := writeOp{exec: fn, result: make(chan error, 1)}
	s.writes <- op
	return <-op.result
}

// SaveRun inserts a run row. If a row with the same id already exists, only
// its status and end time are updated.
func (s *Store) SaveRun(run loadmodel.Run) error {
	return s.write(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO runs (id, request_id, environment_id, type, status, config_snapshot, start_time_ms, end_time_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET status=excluded.status, end_time_ms=excluded.end_time_ms`,
			run.ID, run.RequestID, run.EnvironmentID, string(run.Type), string(run.Status),
			string(run.ConfigSnapshot), run.StartTimeMs, run.EndTimeMs,
		)
		return err
	})
}

// UpdateRunStatus updates a run's status and, for terminal states, its end
// time.
func (s *Store) UpdateRunStatus(runID string, status loadmodel.RunStatus, endTimeMs *int64) error {
	return s.write(func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE runs SET status = ?, end_time_ms = ? WHERE id = ?`, string(status), endTimeMs, runID)
		return err
	})
}

// GetRun returns the stored run row, if present.
func (s *Store) GetRun(runID string) (loadmodel.Run, bool, error) {
	row := s.db.QueryRow(`SELECT id, request_id, environment_id, type, status, config_snapshot, start_time_ms, end_time_ms FROM runs WHERE id = ?`, runID)
	var run loadmodel.Run
	var requestID, environmentID, configSnapshot sql.NullString
	var endTimeMs sql.NullInt64
	if err := row.Scan(&run.ID, &requestID, &environmentID, &run.Type, &run.Status, &configSnapshot, &run.StartTimeMs, &endTimeMs); err != nil {
		if err == sql.ErrNoRows {
			return loadmodel.Run{}, false, nil
		}
		return loadmodel.Run{}, false, err
	}
	run.RequestID = requestID.String
	run.EnvironmentID = environmentID.String
	run.ConfigSnapshot = []byte(configSnapshot.String)
	if endTimeMs.Valid {
		v := endTimeMs.Int64
		run.EndTimeMs = &v
	}
	return run, true, nil
}

// ListRuns returns every stored run, most recent start first.
func (s *Store) ListRuns() ([]loadmodel.Run, error) {
	rows, err := s.db.Query(`SELECT id, request_id, environment_id, type, status, config_snapshot, start_time_ms, end_time_ms FROM runs ORDER BY start_time_ms DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loadmodel.Run
	for rows.Next() {
		var run loadmodel.Run
		var requestID, environmentID, configSnapshot sql.NullString
		var endTimeMs sql.NullInt64
		if err := rows.Scan(&run.ID, &requestID, &environmentID, &run.Type, &run.Status, &configSnapshot, &run.StartTimeMs, &endTimeMs); err != nil {
			return nil, err
		}
		run.RequestID = requestID.String
		run.EnvironmentID = environmentID.String
		run.ConfigSnapshot = []byte(configSnapshot.String)
		if endTimeMs.Valid {
			v := endTimeMs.Int64
			run.EndTimeMs = &v
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// DeleteRun removes a run and its associated metrics/samples/report rows.
func (s *Store) DeleteRun(runID string) error {
	return s.write(func(db *sql.DB) error {
		for _, stmt := range []string{
			`DELETE FROM metrics WHERE run_id = ?`,
			`DELETE FROM samples WHERE run_id = ?`,
			`DELETE FROM reports WHERE run_id = ?`,
			`DELETE FROM runs WHERE id = ?`,
		} {
			if _, err := db.Exec(stmt, runID); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveSnapshot appends one metric snapshot row, for the SSE backfill cursor
// over (run_id, timestamp_ms).
func (s *Store) SaveSnapshot(snap loadmodel.MetricSnapshot) error {
	labels, _ := json.Marshal(snap.Labels)
	return s.write(func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO metrics (run_id, timestamp_ms, name, value, labels) VALUES (?, ?, ?, ?, ?)`,
			snap.RunID, snap.TimestampMs, string(snap.Name), snap.Value, string(labels))
		return err
	})
}

// SnapshotsSince returns every metric snapshot for runID with
// timestamp_ms > afterMs, ordered ascending, for a late SSE subscriber's
// backfill.
func (s *Store) SnapshotsSince(runID string, afterMs int64) ([]loadmodel.MetricSnapshot, error) {
	rows, err := s.db.Query(`SELECT run_id, timestamp_ms, name, value, labels FROM metrics WHERE run_id = ? AND timestamp_ms > ? ORDER BY timestamp_ms ASC`, runID, afterMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loadmodel.MetricSnapshot
	for rows.Next() {
		var snap loadmodel.MetricSnapshot
		var name string
		var labels sql.NullString
		if err := rows.Scan(&snap.RunID, &snap.TimestampMs, &name, &snap.Value, &labels); err != nil {
			return nil, err
		}
		snap.Name = loadmodel.MetricName(name)
		if labels.Valid && labels.String != "" {
			_ = json.Unmarshal([]byte(labels.String), &snap.Labels)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// SaveReport stores the final RunReport (including its sampled_records) as
// JSON and fans its individual samples out into the samples table for
// future ad-hoc querying.
func (s *Store) SaveReport(report loadmodel.RunReport) error {
	blob, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("persistence: marshal report: %w", err)
	}
	return s.write(func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`INSERT INTO reports (run_id, report) VALUES (?, ?) ON CONFLICT(run_id) DO UPDATE SET report=excluded.report`, report.RunID, string(blob)); err != nil {
			return err
		}
		for _, rec := range report.SampledRecords {
			var trace, errKind, errMsg string
			if rec.Trace != nil {
				if b, err := json.Marshal(rec.Trace); err == nil {
					trace = string(b)
				}
			}
			if rec.Error != nil {
				errKind = string(rec.Error.Kind)
				errMsg = rec.Error.Message
			}
			if _, err := tx.Exec(
				`INSERT INTO samples (run_id, timestamp_ms, status_code, latency_ms, error_kind, error_message, trace) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				rec.RunID, rec.TimestampMs, rec.StatusCode, rec.LatencyMs, errKind, errMsg, trace,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// GetReport returns the stored RunReport, if present.
func (s *Store) GetReport(runID string) (loadmodel.RunReport, bool, error) {
	row := s.db.QueryRow(`SELECT report FROM reports WHERE run_id = ?`, runID)
	var blob string
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return loadmodel.RunReport{}, false, nil
		}
		return loadmodel.RunReport{}, false, err
	}
	var report loadmodel.RunReport
	if err := json.Unmarshal([]byte(blob), &report); err != nil {
		return loadmodel.RunReport{}, false, err
	}
	return report, true, nil
}

// SaveEnvironment stores a named variable map under environmentID.
func (s *Store) SaveEnvironment(environmentID, name string, variables map[string]string) error {
	blob, err := json.Marshal(variables)
	if err != nil {
		return err
	}
	return s.write(func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO environments (id, name, variables) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET name=excluded.name, variables=excluded.variables`, environmentID, name, string(blob))
		return err
	})
}

// GetEnvironment returns the stored variable map for environmentID.
func (s *Store) GetEnvironment(environmentID string) (map[string]string, bool, error) {
	row := s.db.QueryRow(`SELECT variables FROM environments WHERE id = ?`, environmentID)
	var blob string
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	var vars map[string]string
	if err := json.Unmarshal([]byte(blob), &vars); err != nil {
		return nil, false, err
	}
	return vars, true, nil
}

// SaveGlobals stores the single process-wide global variable map.
func (s *Store) SaveGlobals(variables map[string]string) error {
	blob, err := json.Marshal(variables)
	if err != nil {
		return err
	}
	return s.write(func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO globals (id, variables) VALUES ('default', ?) ON CONFLICT(id) DO UPDATE SET variables=excluded.variables`, string(blob))
		return err
	})
}

// GetGlobals returns the process-wide global variable map.
func (s *Store) GetGlobals() (map[string]string, error) {
	row := s.db.QueryRow(`SELECT variables FROM globals WHERE id = 'default'`)
	var blob string
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return map[string]string{}, nil
		}
		return nil, err
	}
	var vars map[string]string
	if err := json.Unmarshal([]byte(blob), &vars); err != nil {
		return nil, err
	}
	return vars, nil
}

// SaveRequest stores a request template under requestID, optionally grouped
// under collectionID.
func (s *Store) SaveRequest(requestID, collectionID string, template loadmodel.HTTPRequestTemplate) error {
	blob, err := json.Marshal(template)
	if err != nil {
		return err
	}
	return s.write(func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO requests (id, collection_id, template) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET collection_id=excluded.collection_id, template=excluded.template`, requestID, collectionID, string(blob))
		return err
	})
}

// GetRequest returns the stored request template for requestID.
func (s *Store) GetRequest(requestID string) (loadmodel.HTTPRequestTemplate, bool, error) {
	row := s.db.QueryRow(`SELECT template FROM requests WHERE id = ?`, requestID)
	var blob string
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return loadmodel.HTTPRequestTemplate{}, false, nil
		}
		return loadmodel.HTTPRequestTemplate{}, false, err
	}
	var tmpl loadmodel.HTTPRequestTemplate
	if err := json.Unmarshal([]byte(blob), &tmpl); err != nil {
		return loadmodel.HTTPRequestTemplate{}, false, err
	}
	return tmpl, true, nil
}
