package store

type DatabaseType string

const (
	DBTypePostgres DatabaseType = "postgres"
	DBTypeSQLite   DatabaseType = "sqlite"
)

// CellSpec and SubExerciseSpec describe the gradable structure extracted
// from a published notebook, before any database ids exist.
type CellSpec struct {
	CellID   string
	MaxScore int
}

type SubExerciseSpec struct {
	Label string
	Cells []CellSpec
}

// SubexerciseScore is one per-subexercise aggregate of a graded request.
type SubexerciseScore struct {
	Label     string `db:"label"`
	Achieved  int    `db:"achieved"`
	MaxPoints int    `db:"max_points"`
}

// ExerciseOutcome is a per-exercise rollup for the exporter.
type ExerciseOutcome struct {
	Exercise string `db:"exercise"`
	Total    int64  `db:"total"`
	Graded   int64  `db:"graded"`
	Errored  int64  `db:"errored"`
	Notified int64  `db:"notified"`
}
