// internal/ratelimit/limiter.go
package ratelimit

import (
	"fmt"
	"time"
)

type Reason string

const (
	ReasonCooldown Reason = "cooldown"
	ReasonQuota    Reason = "quota"
)

// Decision is an admission outcome, not an error: a denial carries what
// the caller needs for its countdown or quota view.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
	Remaining  int
}

func (d Decision) Message() string {
	switch d.Reason {
	case ReasonCooldown:
		return fmt.Sprintf("please wait %d more seconds before resubmitting", int(d.RetryAfter.Seconds()))
	case ReasonQuota:
		return "daily grading contingent exhausted, try again tomorrow"
	default:
		return "admitted"
	}
}

// AdmissionStore is the slice of the coordination store admission needs.
type AdmissionStore interface {
	LatestActiveRequestTs(email, exercise string) (*int64, error)
	AdmitDaily(email, day string, max int) (bool, int, error)
}

type Limiter struct {
	store    AdmissionStore
	cooldown time.Duration
	maxDaily int
}

func New(store AdmissionStore, cooldown time.Duration, maxDaily int) *Limiter {
	return &Limiter{store: store, cooldown: cooldown, maxDaily: maxDaily}
}

// Admit evaluates the cooldown window and the daily contingent for one
// submission attempt at time now. Staff bypass both gates. The quota gate
// locks the user's counter row, so two racing attempts at the boundary
// see each other.
func (l *Limiter) Admit(email, exercise string, now time.Time, staff bool) (Decision, error) {
	if staff {
		return Decision{Allowed: true, Remaining: l.maxDaily}, nil
	}

	last, err := l.store.LatestActiveRequestTs(email, exercise)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to check cooldown: %w", err)
	}
	if last != nil {
		elapsed := now.Sub(time.Unix(*last, 0))
		if elapsed < l.cooldown {
			return Decision{
				Reason:     ReasonCooldown,
				RetryAfter: l.cooldown - elapsed,
			}, nil
		}
	}

	day := now.UTC().Format("2006-01-02")
	allowed, remaining, err := l.store.AdmitDaily(email, day, l.maxDaily)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to check daily contingent: %w", err)
	}
	if !allowed {
		return Decision{Reason: ReasonQuota, Remaining: 0}, nil
	}

	return Decision{Allowed: true, Remaining: remaining}, nil
}
