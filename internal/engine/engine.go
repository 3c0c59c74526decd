package engine

import "context"

// Engine is the external grading engine the worker delegates to. The
// engine owns a course directory with one assignment slot per exercise;
// everything behind this interface (cell execution, scoring) is an
// external collaborator.
type Engine interface {
	// Generated reports whether a student-facing generated artifact for
	// the exercise exists in the engine's course directory.
	Generated(ctx context.Context, exercise string) (bool, error)

	// Generate (re)builds the student-facing artifact from the blueprint
	// source already written into the course directory.
	Generate(ctx context.Context, exercise string) error

	// Autograde grades the submission previously materialized into the
	// student slot and returns achieved points keyed by the external
	// cell identifier. A reported grading failure comes back as an error.
	Autograde(ctx context.Context, exercise, student string) (map[string]int, error)
}
