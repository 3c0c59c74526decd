package models

import (
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Error record kinds shown to users as categories, never raw diagnostics.
const (
	ErrorKindGeneric = "generic"
	ErrorKindFormat  = "format"
)

// GradingRequest is one student submission moving through the pipeline.
// Terminal state is reached once either a full set of Results or an
// ErrorRecord exists; Notified flips false to true exactly once after that.
type GradingRequest struct {
	Identifier  uuid.UUID `db:"identifier" json:"identifier"`
	Email       string    `db:"email" json:"email" validate:"required,email"`
	Exercise    string    `db:"exercise" json:"exercise" validate:"required"`
	RequestedTs int64     `db:"requested_ts" json:"requested_ts"`
	Notified    bool      `db:"notified" json:"notified"`
}

func (r *GradingRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// SubmittedArtifact holds the raw uploaded notebook bytes, 1:1 with its
// request and read-only after creation.
type SubmittedArtifact struct {
	Request  uuid.UUID `db:"request" json:"request"`
	Filename string    `db:"filename" json:"filename" validate:"required"`
	Data     []byte    `db:"data" json:"-"`
}

func (a *SubmittedArtifact) Validate() error {
	validate := validator.New()
	return validate.Struct(a)
}

// Assignment is the ownership marker tying a worker to a request. Its
// existence alone means "being worked on"; it is never updated and never
// deleted by the normal flow.
type Assignment struct {
	Request   uuid.UUID `db:"request" json:"request"`
	Worker    string    `db:"worker" json:"worker"`
	ClaimedTs int64     `db:"claimed_ts" json:"claimed_ts"`
}

// Result is the final score for one cell of one request. The (request,
// cell) primary key rules out duplicate scoring.
type Result struct {
	Request uuid.UUID `db:"request" json:"request"`
	Cell    int64     `db:"cell" json:"cell"`
	Points  int       `db:"points" json:"points"`
}

// ErrorRecord is the terminal failure notice for a request.
type ErrorRecord struct {
	Request    uuid.UUID `db:"request" json:"request"`
	Kind       string    `db:"kind" json:"kind"`
	Diagnostic string    `db:"diagnostic" json:"-"`
}

// ContingentCounter tracks completed gradings per user and day. Day is
// stored as 2006-01-02; a stale day means the count is logically zero.
type ContingentCounter struct {
	Email string `db:"email" json:"email"`
	Day   string `db:"day" json:"day"`
	Count int    `db:"count" json:"count"`
}
