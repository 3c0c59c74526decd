// internal/store/sqlite/store.go
package sqlite

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/nbblackbox/gradepipe/internal/models"
	"github.com/nbblackbox/gradepipe/internal/store"
)

type SQLiteStore struct {
	store.BaseStore
}

func NewSQLiteStore(dsn, migrationsDir string) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	// single writer: serialize everything through one connection, which
	// also keeps :memory: databases coherent
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{BaseStore: store.BaseStore{
		DB: db,
		Converter: func(query string) string {
			return query
		},
		ClaimSuffix: "",
		IsUniqueViolation: func(err error) bool {
			var sqliteErr sqlite3.Error
			return errors.As(err, &sqliteErr) &&
				sqliteErr.Code == sqlite3.ErrConstraint
		},
	}}

	if err := s.ApplyMigrations(migrationsDir); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) ApplyMigrations(dir string) error {
	return s.BaseStore.ApplyMigrations(dir, translateToSQLite)
}

// translateToSQLite converts Postgres SQL to SQLite dialect
func translateToSQLite(sql string) string {
	replacements := []struct{ from, to string }{
		{"BIGSERIAL PRIMARY KEY", "INTEGER PRIMARY KEY AUTOINCREMENT"},
		{"BIGSERIAL", "INTEGER"},
		{"BIGINT", "INTEGER"},
		{"UUID", "TEXT"},
		{"BYTEA", "BLOB"},
		{"BOOLEAN", "INTEGER"},
		{"TRUE", "1"},
		{"FALSE", "0"},
		{"now()", "CURRENT_TIMESTAMP"},
		{"::text", ""},
	}
	result := sql
	for _, r := range replacements {
		result = strings.ReplaceAll(result, r.from, r.to)
	}
	return result
}

func (s *SQLiteStore) ClaimNextRequest(worker string) (*models.GradingRequest, error) {
	return s.ClaimNext(worker, time.Now().Unix())
}

func (s *SQLiteStore) AdmitDaily(email, day string, max int) (bool, int, error) {
	// the single serialized connection already makes the check atomic
	return s.AdmitDailyWithLock(email, day, max, "")
}

// TryLockExercise is a no-op: the serialized connection means there is
// never a second concurrent writer on this store.
func (s *SQLiteStore) TryLockExercise(exercise string) (bool, error) {
	return true, nil
}

func (s *SQLiteStore) UnlockExercise(exercise string) error {
	return nil
}
