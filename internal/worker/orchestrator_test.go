// internal/worker/orchestrator_test.go
package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbblackbox/gradepipe/internal/models"
	"github.com/nbblackbox/gradepipe/internal/store"
	"github.com/nbblackbox/gradepipe/internal/wakeup"
)

type mockStore struct {
	exercises  map[string]*models.Exercise
	blueprints map[string]*models.Blueprint
	artifacts  map[uuid.UUID]*models.SubmittedArtifact
	cells      map[string]map[string]models.Cell

	results map[uuid.UUID][]models.Result
	errs    map[uuid.UUID]*models.ErrorRecord

	lockBusy  bool
	lockCalls int
}

func newMockStore() *mockStore {
	return &mockStore{
		exercises:  map[string]*models.Exercise{},
		blueprints: map[string]*models.Blueprint{},
		artifacts:  map[uuid.UUID]*models.SubmittedArtifact{},
		cells:      map[string]map[string]models.Cell{},
		results:    map[uuid.UUID][]models.Result{},
		errs:       map[uuid.UUID]*models.ErrorRecord{},
	}
}

func (m *mockStore) GetExercise(identifier string) (*models.Exercise, error) {
	return m.exercises[identifier], nil
}

func (m *mockStore) GetBlueprint(exercise string) (*models.Blueprint, error) {
	return m.blueprints[exercise], nil
}

func (m *mockStore) MarkExerciseGenerated(identifier string, ts int64) error {
	m.exercises[identifier].LastGeneratedTs = ts
	return nil
}

func (m *mockStore) ClaimNextRequest(worker string) (*models.GradingRequest, error) {
	return nil, nil
}

func (m *mockStore) GetArtifact(request uuid.UUID) (*models.SubmittedArtifact, error) {
	return m.artifacts[request], nil
}

func (m *mockStore) CellsByExternalID(exercise string) (map[string]models.Cell, error) {
	return m.cells[exercise], nil
}

func (m *mockStore) InsertResults(request uuid.UUID, results []models.Result) error {
	if m.terminal(request) {
		return store.ErrAlreadyTerminal
	}
	m.results[request] = results
	return nil
}

func (m *mockStore) InsertErrorRecord(rec *models.ErrorRecord) error {
	if m.terminal(rec.Request) {
		return store.ErrAlreadyTerminal
	}
	m.errs[rec.Request] = rec
	return nil
}

func (m *mockStore) terminal(request uuid.UUID) bool {
	_, graded := m.results[request]
	_, errored := m.errs[request]
	return graded || errored
}

func (m *mockStore) TryLockExercise(exercise string) (bool, error) {
	m.lockCalls++
	return !m.lockBusy, nil
}

func (m *mockStore) UnlockExercise(exercise string) error {
	return nil
}

type fakeEngine struct {
	generated     bool
	generateCalls int
	points        map[string]int
	autogradeErr  error
}

func (e *fakeEngine) Generated(ctx context.Context, exercise string) (bool, error) {
	return e.generated, nil
}

func (e *fakeEngine) Generate(ctx context.Context, exercise string) error {
	e.generated = true
	e.generateCalls++
	return nil
}

func (e *fakeEngine) Autograde(ctx context.Context, exercise, student string) (map[string]int, error) {
	if e.autogradeErr != nil {
		return nil, e.autogradeErr
	}
	return e.points, nil
}

type runnerFixture struct {
	store  *mockStore
	engine *fakeEngine
	runner *Runner
	req    *models.GradingRequest
}

func setupRunner(t *testing.T) *runnerFixture {
	t.Helper()

	st := newMockStore()
	uploaded := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC).Unix()
	st.exercises["lab01"] = &models.Exercise{
		Identifier:      "lab01",
		LastGeneratedTs: uploaded,
	}
	st.blueprints["lab01"] = &models.Blueprint{
		Exercise:   "lab01",
		Filename:   "lab01.ipynb",
		Content:    []byte("{}"),
		UploadedTs: uploaded,
	}
	st.cells["lab01"] = map[string]models.Cell{
		"cell-a1": {ID: 1, CellID: "cell-a1", MaxScore: 5},
		"cell-a2": {ID: 2, CellID: "cell-a2", MaxScore: 10},
	}

	eng := &fakeEngine{
		generated: true,
		points:    map[string]int{"cell-a1": 5, "cell-a2": 8},
	}

	signal, err := wakeup.New("")
	require.NoError(t, err)

	runner := NewRunner(st, eng, signal, t.TempDir(), "0")

	req := &models.GradingRequest{
		Identifier: uuid.New(),
		Email:      "student@example.com",
		Exercise:   "lab01",
	}
	st.artifacts[req.Identifier] = &models.SubmittedArtifact{
		Request:  req.Identifier,
		Filename: "lab01.ipynb",
		Data:     []byte("{}"),
	}

	return &runnerFixture{store: st, engine: eng, runner: runner, req: req}
}

func TestProcessGradesSubmission(t *testing.T) {
	f := setupRunner(t)

	err := f.runner.Process(context.Background(), f.req)
	require.NoError(t, err)

	results := f.store.results[f.req.Identifier]
	require.Len(t, results, 2)
	byCell := map[int64]int{}
	for _, r := range results {
		byCell[r.Cell] = r.Points
	}
	assert.Equal(t, 5, byCell[1])
	assert.Equal(t, 8, byCell[2])

	assert.Nil(t, f.store.errs[f.req.Identifier], "graded job must not carry an error record")
	assert.Equal(t, 0, f.engine.generateCalls, "fresh blueprint must not regenerate")
}

func TestProcessRegeneratesStaleBlueprint(t *testing.T) {
	f := setupRunner(t)

	// republish: a newer upload than what the engine generated from
	newer := f.store.blueprints["lab01"].UploadedTs + 3600
	f.store.blueprints["lab01"].UploadedTs = newer

	err := f.runner.Process(context.Background(), f.req)
	require.NoError(t, err)

	assert.Equal(t, 1, f.engine.generateCalls)
	assert.Equal(t, newer, f.store.exercises["lab01"].LastGeneratedTs)
	require.Len(t, f.store.results[f.req.Identifier], 2)

	// a second job for the same exercise finds the artifact fresh
	second := &models.GradingRequest{
		Identifier: uuid.New(),
		Email:      "other@example.com",
		Exercise:   "lab01",
	}
	f.store.artifacts[second.Identifier] = &models.SubmittedArtifact{
		Request:  second.Identifier,
		Filename: "lab01.ipynb",
		Data:     []byte("{}"),
	}
	require.NoError(t, f.runner.Process(context.Background(), second))
	assert.Equal(t, 1, f.engine.generateCalls, "regeneration must not repeat for the same upload")
}

func TestProcessUnmappedCell(t *testing.T) {
	f := setupRunner(t)
	f.engine.points = map[string]int{"cell-a1": 5, "cell-bogus": 3}

	err := f.runner.Process(context.Background(), f.req)
	require.Error(t, err)

	assert.Empty(t, f.store.results[f.req.Identifier], "no scores may survive an unmapped cell")
	rec := f.store.errs[f.req.Identifier]
	require.NotNil(t, rec)
	assert.Equal(t, models.ErrorKindFormat, rec.Kind)
}

func TestProcessIncompleteScores(t *testing.T) {
	f := setupRunner(t)
	f.engine.points = map[string]int{"cell-a1": 5}

	err := f.runner.Process(context.Background(), f.req)
	require.Error(t, err)

	assert.Empty(t, f.store.results[f.req.Identifier])
	rec := f.store.errs[f.req.Identifier]
	require.NotNil(t, rec)
	assert.Equal(t, models.ErrorKindGeneric, rec.Kind)
}

func TestProcessNegativeScore(t *testing.T) {
	f := setupRunner(t)
	f.engine.points = map[string]int{"cell-a1": -1, "cell-a2": 8}

	err := f.runner.Process(context.Background(), f.req)
	require.Error(t, err)

	assert.Empty(t, f.store.results[f.req.Identifier])
	require.NotNil(t, f.store.errs[f.req.Identifier])
}

func TestProcessScoreOverMaxIsKept(t *testing.T) {
	f := setupRunner(t)
	f.engine.points = map[string]int{"cell-a1": 99, "cell-a2": 8}

	err := f.runner.Process(context.Background(), f.req)
	require.NoError(t, err)

	results := f.store.results[f.req.Identifier]
	require.Len(t, results, 2)
	byCell := map[int64]int{}
	for _, r := range results {
		byCell[r.Cell] = r.Points
	}
	assert.Equal(t, 99, byCell[1], "over-max score is persisted as reported")
}

func TestProcessMissingBlueprint(t *testing.T) {
	f := setupRunner(t)
	delete(f.store.blueprints, "lab01")

	err := f.runner.Process(context.Background(), f.req)
	require.Error(t, err)

	rec := f.store.errs[f.req.Identifier]
	require.NotNil(t, rec)
	assert.Equal(t, models.ErrorKindGeneric, rec.Kind)
}

func TestProcessMissingArtifact(t *testing.T) {
	f := setupRunner(t)
	delete(f.store.artifacts, f.req.Identifier)

	err := f.runner.Process(context.Background(), f.req)
	require.Error(t, err)
	require.NotNil(t, f.store.errs[f.req.Identifier])
}

func TestProcessEngineFailure(t *testing.T) {
	f := setupRunner(t)
	f.engine.autogradeErr = assert.AnError

	err := f.runner.Process(context.Background(), f.req)
	require.Error(t, err)

	rec := f.store.errs[f.req.Identifier]
	require.NotNil(t, rec)
	assert.Equal(t, models.ErrorKindGeneric, rec.Kind)
}

func TestProcessWaitsForExerciseLock(t *testing.T) {
	f := setupRunner(t)
	f.store.lockBusy = true

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := f.runner.Process(ctx, f.req)
	require.Error(t, err)
	assert.GreaterOrEqual(t, f.store.lockCalls, 1)
}
