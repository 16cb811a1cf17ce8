// Package history keeps a local record of past launches in SQLite. It is
// strictly best-effort: a missing or broken database must never block a
// launch or a teardown, so callers log store errors and move on.
package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store is a SQLite-backed launch log.
type Store struct{ db *sql.DB }

// Launch is one recorded run.
type Launch struct {
	ID        int64
	Script    string
	WorldSize int
	NumNodes  int
	StartedAt time.Time
	EndedAt   *time.Time
	Result    string
}

// DefaultPath places the database under the user's state directory,
// falling back to /tmp when no home is available.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/dlaunch-history.db"
	}
	return filepath.Join(home, ".local", "state", "dlaunch", "history.db")
}

// Open opens or creates the database and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// RecordLaunch inserts a new open row and returns its id.
func (s *Store) RecordLaunch(ctx context.Context, script string, worldSize, numNodes int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO launches (script, world_size, num_nodes, started_at) VALUES (?, ?, ?, ?)`,
		script, worldSize, numNodes, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("record launch: %w", err)
	}
	return res.LastInsertId()
}

// CloseLaunch marks one launch as finished.
func (s *Store) CloseLaunch(ctx context.Context, id int64, result string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE launches SET ended_at = ?, result = ? WHERE id = ?`,
		time.Now().Unix(), result, id)
	if err != nil {
		return fmt.Errorf("close launch: %w", err)
	}
	return nil
}

// CloseOpenLaunches marks every still-open row as finished. The teardown
// runs as a separate process that does not know the launch id, so it closes
// whatever is open.
func (s *Store) CloseOpenLaunches(ctx context.Context, result string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE launches SET ended_at = ?, result = ? WHERE ended_at IS NULL`,
		time.Now().Unix(), result)
	if err != nil {
		return 0, fmt.Errorf("close open launches: %w", err)
	}
	return res.RowsAffected()
}

// RecentLaunches returns the newest launches first.
func (s *Store) RecentLaunches(ctx context.Context, limit int) ([]Launch, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, script, world_size, num_nodes, started_at, ended_at, result
		 FROM launches ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query launches: %w", err)
	}
	defer rows.Close()

	var out []Launch
	for rows.Next() {
		var (
			l       Launch
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&l.ID, &l.Script, &l.WorldSize, &l.NumNodes, &started, &ended, &l.Result); err != nil {
			return nil, fmt.Errorf("scan launch: %w", err)
		}
		l.StartedAt = time.Unix(started, 0)
		if ended.Valid {
			t := time.Unix(ended.Int64, 0)
			l.EndedAt = &t
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
