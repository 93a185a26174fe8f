package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"arena/internal/run"

	_ "modernc.org/sqlite"
)

// Store 是运行事件的只追加日志。每条事件按 (run_id, seq) 唯一定位，
// 按 seq 重放即可无损重建运行终态。
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// RunRef 日志中一次运行的概要。
type RunRef struct {
	RunID     string `json:"run_id"`
	StartedAt int64  `json:"started_at"`
	Events    int    `json:"events"`
}

func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("event log path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func ensureSchema(db *sql.DB) error {
	const ddl = `CREATE TABLE IF NOT EXISTS run_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		ts INTEGER NOT NULL,
		payload TEXT NOT NULL,
		UNIQUE(run_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id);`
	_, err := db.Exec(ddl)
	return err
}

// Append 追加一条事件。seq 由调用方维护（从 0 递增），重复 (run_id, seq)
// 视为重放同一条记录，直接忽略。
func (s *Store) Append(ctx context.Context, runID string, seq int, ts int64, ev run.Event) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("event log store 未初始化")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_events (run_id, seq, ts, payload) VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id, seq) DO NOTHING`,
		runID, seq, ts, string(payload))
	return err
}

// Events 按写入顺序返回一次运行的全部事件。
func (s *Store) Events(ctx context.Context, runID string) ([]run.Event, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("event log store 未初始化")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM run_events WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []run.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		ev, err := run.DecodeEvent([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("日志中存在坏事件 (run=%s): %w", runID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListRuns 返回最近的运行概要，按开始时间倒序。
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRef, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("event log store 未初始化")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, MIN(ts), COUNT(*) FROM run_events GROUP BY run_id ORDER BY MIN(ts) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRef
	for rows.Next() {
		var ref RunRef
		if err := rows.Scan(&ref.RunID, &ref.StartedAt, &ref.Events); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
