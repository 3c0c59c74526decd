package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nbblackbox/gradepipe/internal/models"
)

var (
	// ErrAlreadyTerminal is returned when a second terminal state is
	// attempted for a request that already has results or an error record.
	ErrAlreadyTerminal = errors.New("request already has a terminal state")
)

type GradingStore interface {
	Close() error
	ApplyMigrations(dir string) error

	GetExercise(identifier string) (*models.Exercise, error)
	ListExercises() ([]models.Exercise, error)
	MarkExerciseGenerated(identifier string, ts int64) error

	ReplaceBlueprint(bp *models.Blueprint, startTs, stopTs int64, subs []SubExerciseSpec) error
	GetBlueprint(exercise string) (*models.Blueprint, error)

	CreateGradingRequest(req *models.GradingRequest, artifact *models.SubmittedArtifact) error
	GetRequest(id uuid.UUID) (*models.GradingRequest, error)
	GetArtifact(request uuid.UUID) (*models.SubmittedArtifact, error)
	GetErrorRecord(request uuid.UUID) (*models.ErrorRecord, error)
	SubexerciseScores(request uuid.UUID) ([]SubexerciseScore, error)

	ClaimNextRequest(worker string) (*models.GradingRequest, error)
	CellsByExternalID(exercise string) (map[string]models.Cell, error)
	InsertResults(request uuid.UUID, results []models.Result) error
	InsertErrorRecord(rec *models.ErrorRecord) error

	// TryLockExercise guards the engine's per-exercise working directory;
	// the lock is advisory and held by the store's session.
	TryLockExercise(exercise string) (bool, error)
	UnlockExercise(exercise string) error

	ListUnnotified(limit int) ([]models.GradingRequest, error)
	MarkNotified(request uuid.UUID, email, day string, maxDaily int) (bool, error)

	LatestActiveRequestTs(email, exercise string) (*int64, error)
	AdmitDaily(email, day string, max int) (bool, int, error)
	ContingentCount(email, day string) (int, error)

	ExerciseOutcomeStats() ([]ExerciseOutcome, error)
}

// BaseStore provides common functionality for different DB implementations
type BaseStore struct {
	DB        *sqlx.DB
	Converter func(string) string

	// ClaimSuffix is appended to the candidate select (row locking hints),
	// IsUniqueViolation classifies the driver's constraint errors.
	ClaimSuffix       string
	IsUniqueViolation func(error) bool
}

func (s *BaseStore) Close() error {
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}

// ApplyMigrations applies SQL migrations from a directory, translating dialect if needed
func (s *BaseStore) ApplyMigrations(dir string, translateSQL func(string) string) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	for _, file := range files {
		if !strings.HasSuffix(file.Name(), ".sql") {
			continue
		}

		content, err := os.ReadFile(fmt.Sprintf("%s/%s", dir, file.Name()))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", file.Name(), err)
		}

		sql := string(content)
		if translateSQL != nil {
			sql = translateSQL(sql)
		}

		if _, err := s.DB.Exec(sql); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", file.Name(), err)
		}
	}

	return nil
}

func (s *BaseStore) GetExercise(identifier string) (*models.Exercise, error) {
	var ex models.Exercise
	query := s.Converter(`
		SELECT identifier, start_ts, stop_ts, last_generated_ts
		FROM exercises
		WHERE identifier = ?
	`)

	err := s.DB.Get(&ex, query, identifier)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get exercise: %w", err)
	}
	return &ex, nil
}

func (s *BaseStore) ListExercises() ([]models.Exercise, error) {
	var exercises []models.Exercise
	err := s.DB.Select(&exercises, `
		SELECT identifier, start_ts, stop_ts, last_generated_ts
		FROM exercises
		ORDER BY identifier
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list exercises: %w", err)
	}
	return exercises, nil
}

func (s *BaseStore) MarkExerciseGenerated(identifier string, ts int64) error {
	query := s.Converter(`
		UPDATE exercises SET last_generated_ts = ? WHERE identifier = ?
	`)
	if _, err := s.DB.Exec(query, ts, identifier); err != nil {
		return fmt.Errorf("failed to mark exercise generated: %w", err)
	}
	return nil
}

// ReplaceBlueprint swaps the blueprint and its gradable structure for an
// exercise in one transaction, creating the exercise row on first publish.
// The older structure is marked superseded, never deleted: results of
// already-graded requests reference those cell rows and must keep their
// terminal state across a republish.
func (s *BaseStore) ReplaceBlueprint(bp *models.Blueprint, startTs, stopTs int64, subs []SubExerciseSpec) error {
	tx, err := s.DB.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin blueprint replace: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(s.Converter(`
		INSERT INTO exercises (identifier, start_ts, stop_ts)
		VALUES (?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET start_ts = excluded.start_ts, stop_ts = excluded.stop_ts
	`), bp.Exercise, startTs, stopTs)
	if err != nil {
		return fmt.Errorf("failed to upsert exercise: %w", err)
	}

	_, err = tx.Exec(s.Converter(`
		UPDATE subexercises SET superseded = TRUE WHERE exercise = ? AND superseded = FALSE
	`), bp.Exercise)
	if err != nil {
		return fmt.Errorf("failed to supersede old subexercises: %w", err)
	}

	_, err = tx.NamedExec(`
		INSERT INTO blueprints (exercise, filename, content, asset_bundle, uploaded_ts)
		VALUES (:exercise, :filename, :content, :asset_bundle, :uploaded_ts)
		ON CONFLICT(exercise) DO UPDATE SET
		filename = :filename,
		content = :content,
		asset_bundle = :asset_bundle,
		uploaded_ts = :uploaded_ts
	`, bp)
	if err != nil {
		return fmt.Errorf("failed to replace blueprint: %w", err)
	}

	for _, sub := range subs {
		var subID int64
		err := tx.Get(&subID, s.Converter(`
			INSERT INTO subexercises (label, exercise) VALUES (?, ?) RETURNING id
		`), sub.Label, bp.Exercise)
		if err != nil {
			return fmt.Errorf("failed to insert subexercise %q: %w", sub.Label, err)
		}
		for _, cell := range sub.Cells {
			_, err := tx.Exec(s.Converter(`
				INSERT INTO cells (cell_id, max_score, subexercise) VALUES (?, ?, ?)
			`), cell.CellID, cell.MaxScore, subID)
			if err != nil {
				return fmt.Errorf("failed to insert cell %q: %w", cell.CellID, err)
			}
		}
	}

	return tx.Commit()
}

func (s *BaseStore) GetBlueprint(exercise string) (*models.Blueprint, error) {
	var bp models.Blueprint
	query := s.Converter(`
		SELECT exercise, filename, content, asset_bundle, uploaded_ts
		FROM blueprints
		WHERE exercise = ?
	`)

	err := s.DB.Get(&bp, query, exercise)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blueprint: %w", err)
	}
	return &bp, nil
}

// CreateGradingRequest inserts the request and its artifact together so a
// claimed request can always materialize its bytes.
func (s *BaseStore) CreateGradingRequest(req *models.GradingRequest, artifact *models.SubmittedArtifact) error {
	tx, err := s.DB.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin request insert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExec(`
		INSERT INTO grading_requests (identifier, email, exercise, requested_ts, notified)
		VALUES (:identifier, :email, :exercise, :requested_ts, :notified)
	`, req)
	if err != nil {
		return fmt.Errorf("failed to create grading request: %w", err)
	}

	_, err = tx.NamedExec(`
		INSERT INTO submitted_artifacts (request, filename, data)
		VALUES (:request, :filename, :data)
	`, artifact)
	if err != nil {
		return fmt.Errorf("failed to store submitted artifact: %w", err)
	}

	return tx.Commit()
}

func (s *BaseStore) GetRequest(id uuid.UUID) (*models.GradingRequest, error) {
	var req models.GradingRequest
	query := s.Converter(`
		SELECT identifier, email, exercise, requested_ts, notified
		FROM grading_requests
		WHERE identifier = ?
	`)

	err := s.DB.Get(&req, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grading request: %w", err)
	}
	return &req, nil
}

func (s *BaseStore) GetArtifact(request uuid.UUID) (*models.SubmittedArtifact, error) {
	var artifact models.SubmittedArtifact
	query := s.Converter(`
		SELECT request, filename, data
		FROM submitted_artifacts
		WHERE request = ?
	`)

	err := s.DB.Get(&artifact, query, request)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get submitted artifact: %w", err)
	}
	return &artifact, nil
}

func (s *BaseStore) GetErrorRecord(request uuid.UUID) (*models.ErrorRecord, error) {
	var rec models.ErrorRecord
	query := s.Converter(`
		SELECT request, kind, diagnostic
		FROM error_records
		WHERE request = ?
	`)

	err := s.DB.Get(&rec, query, request)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get error record: %w", err)
	}
	return &rec, nil
}

func (s *BaseStore) SubexerciseScores(request uuid.UUID) ([]SubexerciseScore, error) {
	var scores []SubexerciseScore
	query := s.Converter(`
		SELECT s.label AS label, SUM(r.points) AS achieved, SUM(c.max_score) AS max_points
		FROM results r
		JOIN cells c ON r.cell = c.id
		JOIN subexercises s ON c.subexercise = s.id
		WHERE r.request = ?
		GROUP BY s.label
		ORDER BY s.label
	`)

	err := s.DB.Select(&scores, query, request)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subexercise scores: %w", err)
	}
	return scores, nil
}

// ClaimNext picks the oldest request with no terminal state and no
// ownership marker and inserts an assignment for worker, all in one
// transaction. Losing the insert race to another worker is not an error:
// the candidate is skipped and the next one is tried.
func (s *BaseStore) ClaimNext(worker string, claimedTs int64) (*models.GradingRequest, error) {
	const maxAttempts = 5

	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := s.tryClaim(worker, claimedTs)
		if err == nil {
			return req, nil
		}
		if s.IsUniqueViolation != nil && s.IsUniqueViolation(err) {
			continue
		}
		return nil, err
	}
	// contended enough that the caller should just idle and come back
	return nil, nil
}

func (s *BaseStore) tryClaim(worker string, claimedTs int64) (*models.GradingRequest, error) {
	tx, err := s.DB.Beginx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	var req models.GradingRequest
	query := s.Converter(`
		SELECT identifier, email, exercise, requested_ts, notified
		FROM grading_requests gr
		WHERE NOT EXISTS (SELECT 1 FROM results r WHERE r.request = gr.identifier)
		AND NOT EXISTS (SELECT 1 FROM error_records er WHERE er.request = gr.identifier)
		AND NOT EXISTS (SELECT 1 FROM assignments a WHERE a.request = gr.identifier)
		ORDER BY requested_ts ASC
		LIMIT 1
	`) + s.ClaimSuffix

	err = tx.Get(&req, query)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claim candidate: %w", err)
	}

	_, err = tx.Exec(s.Converter(`
		INSERT INTO assignments (request, worker, claimed_ts) VALUES (?, ?, ?)
	`), req.Identifier, worker, claimedTs)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return &req, nil
}

// CellsByExternalID maps external cell identifiers to rows of the current
// blueprint version. Superseded cells stay in the table for historical
// results but are never offered for new gradings.
func (s *BaseStore) CellsByExternalID(exercise string) (map[string]models.Cell, error) {
	var cells []models.Cell
	query := s.Converter(`
		SELECT c.id, c.cell_id, c.max_score, c.subexercise
		FROM cells c
		JOIN subexercises s ON c.subexercise = s.id
		WHERE s.exercise = ? AND s.superseded = FALSE
	`)

	err := s.DB.Select(&cells, query, exercise)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch cells: %w", err)
	}

	byID := make(map[string]models.Cell, len(cells))
	for _, c := range cells {
		byID[c.CellID] = c
	}
	return byID, nil
}

// InsertResults writes the full result set for a request or nothing.
// A request that already reached a terminal state is rejected, keeping
// Result-set XOR ErrorRecord intact even if two workers ever got this far.
func (s *BaseStore) InsertResults(request uuid.UUID, results []models.Result) error {
	tx, err := s.DB.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin result insert: %w", err)
	}
	defer tx.Rollback()

	terminal, err := s.hasTerminalState(tx, request)
	if err != nil {
		return err
	}
	if terminal {
		return ErrAlreadyTerminal
	}

	for _, r := range results {
		_, err := tx.NamedExec(`
			INSERT INTO results (request, cell, points) VALUES (:request, :cell, :points)
		`, r)
		if err != nil {
			return fmt.Errorf("failed to insert result for cell %d: %w", r.Cell, err)
		}
	}

	return tx.Commit()
}

func (s *BaseStore) InsertErrorRecord(rec *models.ErrorRecord) error {
	tx, err := s.DB.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin error insert: %w", err)
	}
	defer tx.Rollback()

	terminal, err := s.hasTerminalState(tx, rec.Request)
	if err != nil {
		return err
	}
	if terminal {
		return ErrAlreadyTerminal
	}

	_, err = tx.NamedExec(`
		INSERT INTO error_records (request, kind, diagnostic) VALUES (:request, :kind, :diagnostic)
	`, rec)
	if err != nil {
		return fmt.Errorf("failed to insert error record: %w", err)
	}

	return tx.Commit()
}

func (s *BaseStore) hasTerminalState(tx *sqlx.Tx, request uuid.UUID) (bool, error) {
	var terminal bool
	query := s.Converter(`
		SELECT EXISTS (SELECT 1 FROM results WHERE request = ?)
		OR EXISTS (SELECT 1 FROM error_records WHERE request = ?)
	`)
	if err := tx.Get(&terminal, query, request, request); err != nil {
		return false, fmt.Errorf("failed to check terminal state: %w", err)
	}
	return terminal, nil
}

func (s *BaseStore) ListUnnotified(limit int) ([]models.GradingRequest, error) {
	var requests []models.GradingRequest
	query := s.Converter(`
		SELECT identifier, email, exercise, requested_ts, notified
		FROM grading_requests gr
		WHERE notified = FALSE
		AND (
			EXISTS (SELECT 1 FROM results r WHERE r.request = gr.identifier)
			OR EXISTS (SELECT 1 FROM error_records er WHERE er.request = gr.identifier)
		)
		ORDER BY requested_ts ASC
		LIMIT ?
	`)

	err := s.DB.Select(&requests, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unnotified requests: %w", err)
	}
	return requests, nil
}

// MarkNotified flips the notified flag and charges the daily contingent in
// one transaction. The charge only happens when this call actually flipped
// the flag, so a redelivered notification never double-charges, and the
// counter saturates at maxDaily. A request without a terminal state never
// flips, whatever the caller believes. Returns whether the flip happened.
func (s *BaseStore) MarkNotified(request uuid.UUID, email, day string, maxDaily int) (bool, error) {
	tx, err := s.DB.Beginx()
	if err != nil {
		return false, fmt.Errorf("failed to begin notify update: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(s.Converter(`
		UPDATE grading_requests SET notified = TRUE
		WHERE identifier = ? AND notified = FALSE
		AND (
			EXISTS (SELECT 1 FROM results r WHERE r.request = grading_requests.identifier)
			OR EXISTS (SELECT 1 FROM error_records er WHERE er.request = grading_requests.identifier)
		)
	`), request)
	if err != nil {
		return false, fmt.Errorf("failed to flip notified flag: %w", err)
	}
	flipped, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read notify update result: %w", err)
	}
	if flipped == 0 {
		return false, tx.Commit()
	}

	// the charge saturates at maxDaily so a burst of deliveries can never
	// push the counter past the quota
	_, err = tx.Exec(s.Converter(`
		INSERT INTO contingent_counters (email, day, count) VALUES (?, ?, 1)
		ON CONFLICT(email) DO UPDATE SET
		count = CASE
			WHEN contingent_counters.day != excluded.day THEN 1
			WHEN contingent_counters.count + 1 > ? THEN ?
			ELSE contingent_counters.count + 1
		END,
		day = excluded.day
	`), email, day, maxDaily, maxDaily)
	if err != nil {
		return false, fmt.Errorf("failed to charge contingent: %w", err)
	}

	return true, tx.Commit()
}

// LatestActiveRequestTs returns the newest request timestamp for this user
// and exercise, not counting errored attempts. Nil means no prior request.
func (s *BaseStore) LatestActiveRequestTs(email, exercise string) (*int64, error) {
	var ts int64
	query := s.Converter(`
		SELECT requested_ts
		FROM grading_requests gr
		WHERE email = ?
		AND exercise = ?
		AND NOT EXISTS (SELECT 1 FROM error_records er WHERE er.request = gr.identifier)
		ORDER BY requested_ts DESC
		LIMIT 1
	`)

	err := s.DB.Get(&ts, query, email, exercise)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest request: %w", err)
	}
	return &ts, nil
}

// AdmitDailyWithLock locks the user's counter row (lockClause per
// dialect), resets stale days, and compares against max. Remaining slots
// are reported back for the denial message.
func (s *BaseStore) AdmitDailyWithLock(email, day string, max int, lockClause string) (bool, int, error) {
	tx, err := s.DB.Beginx()
	if err != nil {
		return false, 0, fmt.Errorf("failed to begin admission check: %w", err)
	}
	defer tx.Rollback()

	// the row has to exist before it can be locked
	_, err = tx.Exec(s.Converter(`
		INSERT INTO contingent_counters (email, day, count) VALUES (?, ?, 0)
		ON CONFLICT(email) DO NOTHING
	`), email, day)
	if err != nil {
		return false, 0, fmt.Errorf("failed to ensure counter row: %w", err)
	}

	var counter models.ContingentCounter
	query := s.Converter(`
		SELECT email, day, count FROM contingent_counters WHERE email = ?
	`) + lockClause
	if err := tx.Get(&counter, query, email); err != nil {
		return false, 0, fmt.Errorf("failed to lock counter row: %w", err)
	}

	count := counter.Count
	if counter.Day != day {
		count = 0
		_, err = tx.Exec(s.Converter(`
			UPDATE contingent_counters SET day = ?, count = 0 WHERE email = ?
		`), day, email)
		if err != nil {
			return false, 0, fmt.Errorf("failed to reset stale counter: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("failed to commit admission check: %w", err)
	}

	remaining := max - count
	if remaining < 0 {
		remaining = 0
	}
	return count < max, remaining, nil
}

func (s *BaseStore) ContingentCount(email, day string) (int, error) {
	var counter models.ContingentCounter
	query := s.Converter(`
		SELECT email, day, count FROM contingent_counters WHERE email = ?
	`)

	err := s.DB.Get(&counter, query, email)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get contingent counter: %w", err)
	}
	if counter.Day != day {
		return 0, nil
	}
	return counter.Count, nil
}

func (s *BaseStore) ExerciseOutcomeStats() ([]ExerciseOutcome, error) {
	var stats []ExerciseOutcome
	err := s.DB.Select(&stats, `
		SELECT
			e.identifier AS exercise,
			COUNT(gr.identifier) AS total,
			COALESCE(SUM(CASE WHEN EXISTS (SELECT 1 FROM results r WHERE r.request = gr.identifier) THEN 1 ELSE 0 END), 0) AS graded,
			COALESCE(SUM(CASE WHEN EXISTS (SELECT 1 FROM error_records er WHERE er.request = gr.identifier) THEN 1 ELSE 0 END), 0) AS errored,
			COALESCE(SUM(CASE WHEN gr.notified = TRUE THEN 1 ELSE 0 END), 0) AS notified
		FROM exercises e
		LEFT JOIN grading_requests gr ON gr.exercise = e.identifier
		GROUP BY e.identifier
		ORDER BY e.identifier
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch outcome stats: %w", err)
	}
	return stats, nil
}
