package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/nbblackbox/gradepipe/internal/engine"
	"github.com/nbblackbox/gradepipe/internal/metrics"
	"github.com/nbblackbox/gradepipe/internal/models"
	"github.com/nbblackbox/gradepipe/internal/store"
	"github.com/nbblackbox/gradepipe/internal/wakeup"
)

// Store is the slice of the coordination store the worker needs.
type Store interface {
	GetExercise(identifier string) (*models.Exercise, error)
	GetBlueprint(exercise string) (*models.Blueprint, error)
	MarkExerciseGenerated(identifier string, ts int64) error

	ClaimNextRequest(worker string) (*models.GradingRequest, error)
	GetArtifact(request uuid.UUID) (*models.SubmittedArtifact, error)
	CellsByExternalID(exercise string) (map[string]models.Cell, error)
	InsertResults(request uuid.UUID, results []models.Result) error
	InsertErrorRecord(rec *models.ErrorRecord) error

	TryLockExercise(exercise string) (bool, error)
	UnlockExercise(exercise string) error
}

// UnmappedCellError marks an engine-reported cell identifier that is not
// part of the exercise's published blueprint.
type UnmappedCellError struct {
	CellID string
}

func (e *UnmappedCellError) Error() string {
	return fmt.Sprintf("engine returned unknown cell identifier %q", e.CellID)
}

const lockRetryDelay = 500 * time.Millisecond

// Runner executes one claimed grading job end to end: freshness,
// materialization, engine call, score mapping, terminal persistence,
// dispatcher signal. Every failure path terminates the job with exactly
// one error record; the worker process itself never goes down with a job.
type Runner struct {
	store     Store
	engine    engine.Engine
	checker   *Checker
	signal    *wakeup.Signal
	courseDir string
	student   string
}

func NewRunner(st Store, eng engine.Engine, signal *wakeup.Signal, courseDir, syntheticStudent string) *Runner {
	return &Runner{
		store:     st,
		engine:    eng,
		checker:   NewChecker(st, eng, courseDir),
		signal:    signal,
		courseDir: courseDir,
		student:   syntheticStudent,
	}
}

// Process grades one claimed request. The returned error is already
// recorded; callers only log it.
func (r *Runner) Process(ctx context.Context, req *models.GradingRequest) (err error) {
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error.Printf("Job %s panicked: %v", req.Identifier, rec)
			err = fmt.Errorf("job panicked: %v", rec)
			r.fail(ctx, req, models.ErrorKindGeneric, err.Error())
		}
	}()

	// the engine grades everything under one synthetic student, so two
	// jobs for the same exercise must never overlap
	if err := r.lockExercise(ctx, req.Exercise); err != nil {
		r.fail(ctx, req, models.ErrorKindGeneric, err.Error())
		return err
	}
	defer func() {
		if unlockErr := r.store.UnlockExercise(req.Exercise); unlockErr != nil {
			logger.Error.Printf("Failed to unlock exercise %s: %v", req.Exercise, unlockErr)
		}
	}()

	if _, err := r.checker.EnsureFresh(ctx, req.Exercise); err != nil {
		r.fail(ctx, req, models.ErrorKindGeneric, fmt.Sprintf("freshness check failed: %v", err))
		return err
	}

	artifact, err := r.store.GetArtifact(req.Identifier)
	if err != nil {
		r.fail(ctx, req, models.ErrorKindGeneric, fmt.Sprintf("failed to load artifact: %v", err))
		return err
	}
	if artifact == nil {
		err := fmt.Errorf("request %s has no submitted artifact", req.Identifier)
		r.fail(ctx, req, models.ErrorKindGeneric, err.Error())
		return err
	}

	if err := r.materialize(req.Exercise, artifact); err != nil {
		r.fail(ctx, req, models.ErrorKindGeneric, err.Error())
		return err
	}

	points, err := r.engine.Autograde(ctx, req.Exercise, r.student)
	if err != nil {
		r.fail(ctx, req, models.ErrorKindGeneric, fmt.Sprintf("engine failure: %v", err))
		return err
	}

	results, err := r.mapScores(req, points)
	if err != nil {
		kind := models.ErrorKindGeneric
		var unmapped *UnmappedCellError
		if errors.As(err, &unmapped) {
			kind = models.ErrorKindFormat
		}
		r.fail(ctx, req, kind, err.Error())
		return err
	}

	if err := r.store.InsertResults(req.Identifier, results); err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			// somebody else recorded a terminal state first; nothing to add
			logger.Error.Printf("Job %s already terminal, dropping results", req.Identifier)
			return nil
		}
		r.fail(ctx, req, models.ErrorKindGeneric, fmt.Sprintf("failed to persist results: %v", err))
		return err
	}

	metrics.JobsTotal.WithLabelValues(req.Exercise, "graded").Inc()
	metrics.GradingDuration.WithLabelValues(req.Exercise).Observe(time.Since(start).Seconds())
	r.signal.Publish(ctx, wakeup.KindResultReady)

	logger.Info.Printf("Graded request %s for %s in %s", req.Identifier, req.Exercise, time.Since(start))
	return nil
}

func (r *Runner) lockExercise(ctx context.Context, exercise string) error {
	for {
		locked, err := r.store.TryLockExercise(exercise)
		if err != nil {
			return fmt.Errorf("failed to lock exercise: %w", err)
		}
		if locked {
			return nil
		}
		logger.Debug.Printf("Exercise %s is locked by another worker, waiting", exercise)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
}

// materialize writes the submitted notebook into the slot the engine
// grades from. The filename has to match the blueprint's, which the
// artifact recorded at submission time.
func (r *Runner) materialize(exercise string, artifact *models.SubmittedArtifact) error {
	dir := filepath.Join(r.courseDir, "submitted", r.student, exercise)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create submission dir: %w", err)
	}
	path := filepath.Join(dir, artifact.Filename)
	if err := os.WriteFile(path, artifact.Data, 0o644); err != nil {
		return fmt.Errorf("failed to write submission: %w", err)
	}
	return nil
}

// mapScores translates engine points keyed by external cell identifier
// into result rows keyed by cell database ids. All-or-nothing: an
// unknown identifier, a missing score, or a negative score aborts the
// whole mapping. Scores above a cell's max are kept: that is the
// engine's defect to surface, not ours to clamp.
func (r *Runner) mapScores(req *models.GradingRequest, points map[string]int) ([]models.Result, error) {
	cells, err := r.store.CellsByExternalID(req.Exercise)
	if err != nil {
		return nil, fmt.Errorf("failed to load cell mapping: %w", err)
	}
	if len(cells) == 0 {
		return nil, fmt.Errorf("exercise %q has no gradable cells", req.Exercise)
	}

	results := make([]models.Result, 0, len(cells))
	for cellID, score := range points {
		cell, ok := cells[cellID]
		if !ok {
			return nil, &UnmappedCellError{CellID: cellID}
		}
		if score < 0 {
			return nil, fmt.Errorf("engine returned negative score %d for cell %q", score, cellID)
		}
		if score > cell.MaxScore {
			logger.Error.Printf("Engine scored cell %q with %d over max %d on request %s",
				cellID, score, cell.MaxScore, req.Identifier)
		}
		results = append(results, models.Result{
			Request: req.Identifier,
			Cell:    cell.ID,
			Points:  score,
		})
	}

	if len(results) != len(cells) {
		return nil, fmt.Errorf("engine scored %d of %d cells", len(results), len(cells))
	}
	return results, nil
}

// fail records the single terminal error record for the job and signals
// the dispatcher. A second terminal write is silently dropped.
func (r *Runner) fail(ctx context.Context, req *models.GradingRequest, kind, diagnostic string) {
	rec := &models.ErrorRecord{
		Request:    req.Identifier,
		Kind:       kind,
		Diagnostic: diagnostic,
	}
	if err := r.store.InsertErrorRecord(rec); err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			logger.Error.Printf("Job %s already terminal, dropping error record", req.Identifier)
			return
		}
		logger.Error.Printf("Failed to record error for %s: %v", req.Identifier, err)
		return
	}

	metrics.JobsTotal.WithLabelValues(req.Exercise, "errored").Inc()
	r.signal.Publish(ctx, wakeup.KindResultReady)
}
