package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Exercise is one gradable assignment window. Identifier doubles as the
// directory name the grading engine knows the assignment under.
type Exercise struct {
	Identifier      string `db:"identifier" json:"identifier" validate:"required,max=255"`
	StartTs         int64  `db:"start_ts" json:"start_ts"`
	StopTs          int64  `db:"stop_ts" json:"stop_ts"`
	LastGeneratedTs int64  `db:"last_generated_ts" json:"-"`
}

// Running reports whether the submission window is open at t.
func (e *Exercise) Running(t time.Time) bool {
	ts := t.Unix()
	return e.StartTs <= ts && ts < e.StopTs
}

func (e *Exercise) Validate() error {
	validate := validator.New()
	return validate.Struct(e)
}

// Blueprint is the staff-authored notebook a blueprint's exercise is
// graded against. Replaced wholesale on republish; UploadedTs is the
// freshness reference for on-disk generated artifacts.
type Blueprint struct {
	Exercise    string `db:"exercise" json:"exercise"`
	Filename    string `db:"filename" json:"filename" validate:"required,max=255"`
	Content     []byte `db:"content" json:"-"`
	AssetBundle []byte `db:"asset_bundle" json:"-"`
	UploadedTs  int64  `db:"uploaded_ts" json:"uploaded_ts"`
}

func (b *Blueprint) Validate() error {
	validate := validator.New()
	return validate.Struct(b)
}

// SubExercise is the granularity results are reported at. Superseded
// rows belong to an older blueprint version and only matter for the
// results that still reference their cells.
type SubExercise struct {
	ID         int64  `db:"id" json:"id"`
	Label      string `db:"label" json:"label" validate:"required"`
	Exercise   string `db:"exercise" json:"exercise"`
	Superseded bool   `db:"superseded" json:"-"`
}

// Cell is a single gradable notebook cell. CellID is the external
// identifier embedded in the notebook metadata, not the database key.
type Cell struct {
	ID          int64  `db:"id" json:"id"`
	CellID      string `db:"cell_id" json:"cell_id" validate:"required,max=255"`
	MaxScore    int    `db:"max_score" json:"max_score" validate:"gte=0"`
	SubExercise int64  `db:"subexercise" json:"subexercise"`
}
