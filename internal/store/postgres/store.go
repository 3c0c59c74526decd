package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/nbblackbox/gradepipe/internal/models"
	"github.com/nbblackbox/gradepipe/internal/store"
)

type PostgresStore struct {
	store.BaseStore

	// advisory locks are session-scoped, so lock and unlock have to run
	// on the same connection
	lockMu   sync.Mutex
	lockConn *sqlx.Conn
}

func NewPostgresStore(dsn, migrationsDir string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &PostgresStore{BaseStore: store.BaseStore{
		DB: db,
		Converter: func(query string) string {
			out := query
			for i := 1; strings.Contains(out, "?"); i++ {
				out = strings.Replace(out, "?", fmt.Sprintf("$%d", i), 1)
			}
			return out
		},
		ClaimSuffix: " FOR UPDATE OF gr SKIP LOCKED",
		IsUniqueViolation: func(err error) bool {
			var pqErr *pq.Error
			return errors.As(err, &pqErr) && pqErr.Code == "23505"
		},
	}}

	if err := s.ApplyMigrations(migrationsDir); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) ApplyMigrations(dir string) error {
	return s.BaseStore.ApplyMigrations(dir, nil)
}

func (s *PostgresStore) ClaimNextRequest(worker string) (*models.GradingRequest, error) {
	return s.ClaimNext(worker, time.Now().Unix())
}

func (s *PostgresStore) AdmitDaily(email, day string, max int) (bool, int, error) {
	return s.AdmitDailyWithLock(email, day, max, " FOR UPDATE")
}

// TryLockExercise takes a session advisory lock keyed by the exercise
// identifier. The engine's working directory for an exercise must never
// see two concurrent writers.
func (s *PostgresStore) TryLockExercise(exercise string) (bool, error) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	if s.lockConn == nil {
		conn, err := s.DB.Connx(context.Background())
		if err != nil {
			return false, fmt.Errorf("failed to open lock connection: %w", err)
		}
		s.lockConn = conn
	}

	var locked bool
	err := s.lockConn.GetContext(context.Background(), &locked,
		`SELECT pg_try_advisory_lock(hashtext($1))`, exercise)
	if err != nil {
		return false, fmt.Errorf("failed to take exercise lock: %w", err)
	}
	return locked, nil
}

func (s *PostgresStore) UnlockExercise(exercise string) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	if s.lockConn == nil {
		return nil
	}

	var unlocked bool
	err := s.lockConn.GetContext(context.Background(), &unlocked,
		`SELECT pg_advisory_unlock(hashtext($1))`, exercise)
	if err != nil {
		return fmt.Errorf("failed to release exercise lock: %w", err)
	}
	if !unlocked {
		return fmt.Errorf("exercise lock %q was not held", exercise)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.lockMu.Lock()
	if s.lockConn != nil {
		s.lockConn.Close()
		s.lockConn = nil
	}
	s.lockMu.Unlock()
	return s.BaseStore.Close()
}
