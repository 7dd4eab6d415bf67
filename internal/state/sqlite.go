package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/picklr-io/tierctl/internal/ir"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore keeps one row per resource id in a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens the database at path and runs pending migrations.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*ir.ResourceState, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM resources WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource %s: %w", id, err)
	}
	return decodeResourceState(doc)
}

func (s *SQLiteStore) Put(ctx context.Context, rs *ir.ResourceState) error {
	doc, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("failed to encode resource %s: %w", rs.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO resources (id, kind, status, document, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			status = excluded.status,
			document = excluded.document,
			updated_at = excluded.updated_at`,
		rs.ID, string(rs.Kind), string(rs.Status), string(doc), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to put resource %s: %w", rs.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete resource %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*ir.ResourceState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM resources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	var out []*ir.ResourceState
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		rs, err := decodeResourceState(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

// Lock inserts one row per id inside a single immediate transaction.
func (s *SQLiteStore) Lock(ctx context.Context, owner string, ids []string) (Unlock, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	staleBefore := time.Now().Add(-lockStaleAfter).Unix()
	if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE created_at < ?`, staleBefore); err != nil {
		return nil, fmt.Errorf("failed to expire stale locks: %w", err)
	}

	var contended []string
	holder := ""
	for _, id := range ids {
		var h string
		err := tx.QueryRowContext(ctx, `SELECT owner FROM locks WHERE id = ?`, id).Scan(&h)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read lock for %s: %w", id, err)
		}
		if h != owner {
			contended = append(contended, id)
			holder = h
		}
	}
	if len(contended) > 0 {
		slices.Sort(contended)
		return nil, &ConcurrentPlanError{Holder: holder, IDs: contended}
	}

	now := time.Now().Unix()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO locks (id, owner, created_at) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET created_at = excluded.created_at`,
			id, owner, now,
		); err != nil {
			return nil, fmt.Errorf("failed to lock %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lock: %w", err)
	}

	held := append([]string(nil), ids...)
	return func() error {
		if len(held) == 0 {
			return nil
		}
		args := make([]any, 0, len(held)+1)
		args = append(args, owner)
		for _, id := range held {
			args = append(args, id)
		}
		query := `DELETE FROM locks WHERE owner = ? AND id IN (?` + strings.Repeat(",?", len(held)-1) + `)`
		if _, err := s.db.ExecContext(context.Background(), query, args...); err != nil {
			return fmt.Errorf("failed to release lock: %w", err)
		}
		return nil
	}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func decodeResourceState(doc string) (*ir.ResourceState, error) {
	var rs ir.ResourceState
	if err := json.Unmarshal([]byte(doc), &rs); err != nil {
		return nil, fmt.Errorf("failed to decode resource: %w", err)
	}
	return &rs, nil
}
