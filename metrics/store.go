package metrics

import (
	"database/sql"
	"time"

	sync "github.com/sasha-s/go-deadlock"
	_ "modernc.org/sqlite"
)

// Store keeps runs and their metric series in a sqlite database shared by
// every run under a log directory.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

type RunRecord struct {
	ID         string
	Arch       string
	Version    int
	StartedAt  time.Time
	FinishedAt *time.Time
}

type Point struct {
	Step  int
	Value float64
}

func OpenStore(connectionString string) (*Store, error) {
	db, err := sql.Open("sqlite", connectionString)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" databases alive and writes serialized
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		arch TEXT NOT NULL,
		version INTEGER NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	)`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS metrics (
		run_id TEXT NOT NULL REFERENCES runs(id),
		step INTEGER NOT NULL,
		name TEXT NOT NULL,
		value REAL NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) StartRun(id, arch string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("INSERT INTO runs (id, arch, version, started_at) VALUES (?, ?, ?, ?)",
		id, arch, version, time.Now().UTC())
	return err
}

func (s *Store) FinishRun(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("UPDATE runs SET finished_at = ? WHERE id = ?", time.Now().UTC(), id)
	return err
}

func (s *Store) Runs() ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT id, arch, version, started_at, finished_at FROM runs ORDER BY started_at")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.Arch, &r.Version, &r.StartedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Series returns one metric of a run in step order.
func (s *Store) Series(runID, name string) ([]Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT step, value FROM metrics WHERE run_id = ? AND name = ? ORDER BY step, rowid", runID, name)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var points []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.Step, &p.Value); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *Store) log(runID string, step int, values map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for name, v := range values {
		if _, err := tx.Exec("INSERT INTO metrics (run_id, step, name, value) VALUES (?, ?, ?, ?)", runID, step, name, v); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Logger returns a Logger writing into the given run. Closing it marks the
// run finished but leaves the store open.
func (s *Store) Logger(runID string) Logger {
	return &storeLogger{store: s, runID: runID}
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type storeLogger struct {
	store *Store
	runID string
}

func (l *storeLogger) Log(step int, values map[string]float64) error {
	return l.store.log(l.runID, step, values)
}

func (l *storeLogger) Close() error {
	return l.store.FinishRun(l.runID)
}
