// Package sqlite provides the SQLite-backed realtime storage implementation.
package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/stillwater-app/stillwater/internal/platform/storage/sqlitemigrate"
	"github.com/stillwater-app/stillwater/internal/services/realtime/storage"
	"github.com/stillwater-app/stillwater/internal/services/realtime/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists realtime state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite realtime store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	// modernc.org/sqlite only applies pragmas passed in _pragma=name(value)
	// form; the legacy _journal_mode/_busy_timeout params are ignored.
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready() error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// pairKey returns the canonical ordering of two user ids, enforcing the
// one-row-per-unordered-pair invariant for direct conversations and edges.
func pairKey(userA string, userB string) (lo string, hi string) {
	if userA < userB {
		return userA, userB
	}
	return userB, userA
}

var _ storage.Store = (*Store)(nil)
