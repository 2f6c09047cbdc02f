package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	logx "taskpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config controls the sqlite-backed store.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

// Open opens (or creates) the sqlite database and applies migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) Migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateTaskLog(ctx context.Context, l *TaskLog) error {
	if l == nil {
		return errors.New("nil task log")
	}
	if l.Status == "" {
		l.Status = StatusRunning
	}
	if l.StartedAt == 0 {
		l.StartedAt = time.Now().UnixMilli()
	}
	if strings.TrimSpace(l.TaskName) == "" {
		l.TaskName = l.TaskType
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO task_logs(task_type, task_name, status, started_at)
		 VALUES(?,?,?,?)`,
		l.TaskType, l.TaskName, l.Status, l.StartedAt,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	l.ID = id
	return nil
}

func (s *sqliteStore) FinalizeTaskLog(ctx context.Context, id int64, status string, completedAt time.Time, resultData, errorMessage string) error {
	// Load first: finalizing a row that never made it into the database is
	// an error the caller routes to the disk fallback.
	var existing TaskLog
	err := s.db.GetContext(ctx, &existing, `SELECT * FROM task_logs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task log %d not found", id)
	}
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE task_logs
		 SET status = ?, completed_at = ?, result_data = ?, error_message = ?
		 WHERE id = ?`,
		status, completedAt.UnixMilli(),
		nullStr(Truncate(resultData, PayloadLimit)),
		nullStr(Truncate(errorMessage, PayloadLimit)),
		id,
	)
	return err
}

func (s *sqliteStore) QueryTaskLogs(ctx context.Context, f Filter) ([]TaskLog, error) {
	q := `SELECT * FROM task_logs`
	var (
		conds []string
		args  []any
	)
	if strings.TrimSpace(f.TaskType) != "" {
		conds = append(conds, "task_type = ?")
		args = append(args, f.TaskType)
	}
	if strings.TrimSpace(f.Status) != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY started_at DESC, id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += " LIMIT ?"
	args = append(args, limit)

	var out []TaskLog
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) TaskStats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.GetContext(ctx, &st,
		`SELECT COUNT(*) AS total,
		        COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0) AS completed,
		        COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
		        COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0) AS running
		 FROM task_logs`)
	if err != nil {
		return Stats{}, err
	}
	if st.Total > 0 {
		st.SuccessRate = math.Round(float64(st.Completed)/float64(st.Total)*100*100) / 100
	}
	return st, nil
}

func (s *sqliteStore) CountRunning(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM task_logs WHERE status = ?`, StatusRunning)
	return n, err
}

func (s *sqliteStore) MarkInterrupted(ctx context.Context, completedAt time.Time, message string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_logs
		 SET status = ?, completed_at = ?, error_message = ?
		 WHERE status = ?`,
		StatusInterrupted, completedAt.UnixMilli(), nullStr(message), StatusRunning,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// Truncate caps s at n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
