package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Activity keys used by the launcher.
const (
	ActivityConversation = "conversation"
	ActivityListening    = "listening"
	ActivityGrammar      = "grammar"
)

// Progress is the saved state of one activity.
type Progress struct {
	Activity string `json:"activity"`

	// Completed reports whether the activity was finished.
	Completed bool `json:"completed"`

	// FinalTime is the elapsed time at completion, formatted HH:MM:SS.
	FinalTime string `json:"final_time,omitempty"`

	Score          *float64 `json:"score,omitempty"`
	TotalQuestions int      `json:"total_questions,omitempty"`

	// Results carries activity-specific detail, such as per-question
	// answers for the listening and grammar tests.
	Results []map[string]any `json:"results,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// ProgressStore keeps one [Progress] row per activity in SQLite.
type ProgressStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenProgress opens or creates the database at path.
func OpenProgress(path string) (*ProgressStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create database directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping database: %w", err)
	}

	s := &ProgressStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: initialize schema: %w", err)
	}
	return s, nil
}

func (s *ProgressStore) initSchema() error {
	const query = `
	CREATE TABLE IF NOT EXISTS progress (
		activity TEXT PRIMARY KEY,
		completed INTEGER NOT NULL DEFAULT 0,
		data_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	_, err := s.db.Exec(query)
	return err
}

// Ping verifies database connectivity.
func (s *ProgressStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *ProgressStore) Close() error {
	return s.db.Close()
}

// Save upserts p keyed by p.Activity and stamps UpdatedAt.
func (s *ProgressStore) Save(ctx context.Context, p Progress) error {
	if p.Activity == "" {
		return errors.New("storage: progress activity is empty")
	}
	p.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("storage: encode progress: %w", err)
	}

	const query = `
	INSERT INTO progress (activity, completed, data_json, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(activity) DO UPDATE SET
		completed = excluded.completed,
		data_json = excluded.data_json,
		updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, p.Activity, p.Completed, string(data), p.UpdatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("storage: save progress %q: %w", p.Activity, err)
	}
	return nil
}

// Load returns the progress of activity. ok is false when nothing is saved.
func (s *ProgressStore) Load(ctx context.Context, activity string) (p Progress, ok bool, err error) {
	var data string
	err = s.db.QueryRowContext(ctx, `SELECT data_json FROM progress WHERE activity = ?`, activity).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Progress{}, false, nil
	}
	if err != nil {
		return Progress{}, false, fmt.Errorf("storage: load progress %q: %w", activity, err)
	}
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return Progress{}, false, fmt.Errorf("storage: decode progress %q: %w", activity, err)
	}
	return p, true, nil
}

// All returns every saved activity ordered by key.
func (s *ProgressStore) All(ctx context.Context) ([]Progress, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data_json FROM progress ORDER BY activity`)
	if err != nil {
		return nil, fmt.Errorf("storage: query progress: %w", err)
	}
	defer rows.Close()

	var out []Progress
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("storage: scan progress: %w", err)
		}
		var p Progress
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("storage: decode progress: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// HasAny reports whether any activity has saved progress.
func (s *ProgressStore) HasAny(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM progress`).Scan(&n); err != nil {
		return false, fmt.Errorf("storage: count progress: %w", err)
	}
	return n > 0, nil
}

// Delete removes the progress of activity. Deleting a missing activity is
// not an error.
func (s *ProgressStore) Delete(ctx context.Context, activity string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM progress WHERE activity = ?`, activity); err != nil {
		return fmt.Errorf("storage: delete progress %q: %w", activity, err)
	}
	return nil
}

// ClearAll removes every saved activity.
func (s *ProgressStore) ClearAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM progress`); err != nil {
		return fmt.Errorf("storage: clear progress: %w", err)
	}
	return nil
}
