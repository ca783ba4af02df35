// Package runstore persists run history in SQLite.
package runstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
)

// ErrNotFound is returned when a run does not exist
var ErrNotFound = errors.New("run not found")

// Store provides SQLite-backed run persistence
type Store struct {
	db *sql.DB
}

// New opens the database at dbPath and applies the schema
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one connection: sqlite serialises writers anyway, and :memory: is
	// per connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun inserts a run in its starting state
func (s *Store) CreateRun(run *domain.Run) error {
	pathsJSON, err := json.Marshal(run.Paths)
	if err != nil {
		return err
	}
	argsJSON, err := json.Marshal(run.Args)
	if err != nil {
		return err
	}
	phase := run.Phase
	if phase == "" {
		phase = domain.PhaseRunning
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (id, paths, args, dir, phase, total, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		string(pathsJSON),
		string(argsJSON),
		run.Dir,
		string(phase),
		run.Total,
		run.StartedAt,
	)
	return err
}

// FinishRun stores the end state and counters of a run
func (s *Store) FinishRun(run *domain.Run) error {
	finished := time.Now()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	res, err := s.db.Exec(`
		UPDATE runs SET phase = ?, exit_code = ?, total = ?, passed = ?, failed = ?,
			skipped = ?, errors = ?, finished_at = ?
		WHERE id = ?
	`,
		string(run.Phase),
		run.ExitCode,
		run.Total,
		run.Passed,
		run.Failed,
		run.Skipped,
		run.Errors,
		finished,
		run.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, run.ID)
	}
	return nil
}

// RecordResult stores the outcome of one test
func (s *Store) RecordResult(r *domain.TestResult) error {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO test_results (run_id, path, outcome, reason, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, r.RunID, r.Path, string(r.Outcome), r.Reason, ts)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = int(id)
	}
	return nil
}

const runColumns = `id, paths, args, dir, phase, exit_code, total, passed, failed, skipped, errors, started_at, finished_at`

// GetRun retrieves a run by ID
func (s *Store) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return run, err
}

// ListRuns returns the most recent runs first. A limit of zero or less
// returns every run.
func (s *Store) ListRuns(limit int) ([]*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, rowid DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ResultsForRun returns the test results of a run in recording order
func (s *Store) ResultsForRun(runID string) ([]*domain.TestResult, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, path, outcome, reason, timestamp
		FROM test_results WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*domain.TestResult
	for rows.Next() {
		var r domain.TestResult
		var outcome string
		var reason sql.NullString
		if err := rows.Scan(&r.ID, &r.RunID, &r.Path, &outcome, &reason, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Outcome = domain.Outcome(outcome)
		r.Reason = reason.String
		results = append(results, &r)
	}
	return results, rows.Err()
}

// FlakyTest is a test that both passed and failed in recent runs
type FlakyTest struct {
	Path   string
	Passed int
	Failed int
}

// FlakyTests looks at the last n runs and returns tests with mixed
// outcomes, most failures first
func (s *Store) FlakyTests(n int) ([]FlakyTest, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.Query(`
		SELECT path,
			SUM(CASE WHEN outcome = 'passed' THEN 1 ELSE 0 END) AS passed,
			SUM(CASE WHEN outcome IN ('failed', 'error') THEN 1 ELSE 0 END) AS failed
		FROM test_results
		WHERE run_id IN (SELECT id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?)
		GROUP BY path
		HAVING passed > 0 AND failed > 0
		ORDER BY failed DESC, path
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FlakyTest
	for rows.Next() {
		var f FlakyTest
		if err := rows.Scan(&f.Path, &f.Passed, &f.Failed); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteRunsBefore removes runs started before t along with their results
func (s *Store) DeleteRunsBefore(t time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM runs WHERE started_at < ?`, t)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*domain.Run, error) {
	var run domain.Run
	var pathsJSON, argsJSON, dir sql.NullString
	var phase string
	var finished sql.NullTime

	err := row.Scan(&run.ID, &pathsJSON, &argsJSON, &dir, &phase, &run.ExitCode, &run.Total,
		&run.Passed, &run.Failed, &run.Skipped, &run.Errors, &run.StartedAt, &finished)
	if err != nil {
		return nil, err
	}

	run.Phase = domain.RunPhase(phase)
	run.Dir = dir.String
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	if err := decodeList(pathsJSON, &run.Paths); err != nil {
		return nil, err
	}
	if err := decodeList(argsJSON, &run.Args); err != nil {
		return nil, err
	}
	return &run, nil
}

func decodeList(s sql.NullString, out *[]string) error {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), out)
}
