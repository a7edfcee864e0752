package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"schedd/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	r = r.normalize()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, job, handle, due, started, took_ms, lateness_ms, err)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.ID, r.Job, nullStr(r.Handle), formatTime(r.Due), formatTime(r.Started), r.TookMS, r.Lateness, nullStr(r.Error),
	)
	return err
}

const selectRuns = `SELECT id, job, handle, due, started, took_ms, lateness_ms, err FROM runs`

func (s *sqliteStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, selectRuns+` ORDER BY started DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LastRun(ctx context.Context, job string) (RunRecord, bool, error) {
	if s == nil || s.db == nil {
		return RunRecord{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, selectRuns+` WHERE job = ? ORDER BY started DESC, rowid DESC LIMIT 1`, strings.TrimSpace(job))
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	return r, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (RunRecord, error) {
	var (
		r              RunRecord
		handle, errStr sql.NullString
		due, started   string
	)
	if err := sc.Scan(&r.ID, &r.Job, &handle, &due, &started, &r.TookMS, &r.Lateness, &errStr); err != nil {
		return RunRecord{}, err
	}
	r.Handle = handle.String
	r.Error = errStr.String
	var err error
	if r.Due, err = time.Parse(timeLayout, due); err != nil {
		return RunRecord{}, fmt.Errorf("runs.due: %w", err)
	}
	if r.Started, err = time.Parse(timeLayout, started); err != nil {
		return RunRecord{}, fmt.Errorf("runs.started: %w", err)
	}
	return r, nil
}

// timeLayout is fixed width so lexical order in the database matches time
// order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
