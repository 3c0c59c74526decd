// internal/ratelimit/limiter_test.go
package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdmissionStore struct {
	lastTs   *int64
	admitted bool
	left     int

	admitCalls int
}

func (f *fakeAdmissionStore) LatestActiveRequestTs(email, exercise string) (*int64, error) {
	return f.lastTs, nil
}

func (f *fakeAdmissionStore) AdmitDaily(email, day string, max int) (bool, int, error) {
	f.admitCalls++
	return f.admitted, f.left, nil
}

func TestAdmit(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	cooldown := 120 * time.Second

	t.Run("first submission is admitted", func(t *testing.T) {
		st := &fakeAdmissionStore{admitted: true, left: 10}
		l := New(st, cooldown, 10)

		d, err := l.Admit("a@example.com", "lab01", now, false)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 10, d.Remaining)
	})

	t.Run("submission inside the cooldown is denied with a countdown", func(t *testing.T) {
		last := now.Add(-30 * time.Second).Unix()
		st := &fakeAdmissionStore{lastTs: &last, admitted: true, left: 10}
		l := New(st, cooldown, 10)

		d, err := l.Admit("a@example.com", "lab01", now, false)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonCooldown, d.Reason)
		assert.Equal(t, 90*time.Second, d.RetryAfter)
		assert.Equal(t, 0, st.admitCalls, "cooldown denial must not touch the contingent")
	})

	t.Run("submission right at the cooldown boundary passes", func(t *testing.T) {
		last := now.Add(-cooldown).Unix()
		st := &fakeAdmissionStore{lastTs: &last, admitted: true, left: 9}
		l := New(st, cooldown, 10)

		d, err := l.Admit("a@example.com", "lab01", now, false)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("exhausted quota is denied", func(t *testing.T) {
		st := &fakeAdmissionStore{admitted: false, left: 0}
		l := New(st, cooldown, 10)

		d, err := l.Admit("a@example.com", "lab01", now, false)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonQuota, d.Reason)
		assert.Equal(t, 0, d.Remaining)
	})

	t.Run("staff bypass both gates", func(t *testing.T) {
		last := now.Add(-1 * time.Second).Unix()
		st := &fakeAdmissionStore{lastTs: &last, admitted: false}
		l := New(st, cooldown, 10)

		d, err := l.Admit("staff@example.com", "lab01", now, true)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 0, st.admitCalls)
	})
}

func TestDecisionMessage(t *testing.T) {
	d := Decision{Reason: ReasonCooldown, RetryAfter: 90 * time.Second}
	assert.Equal(t, "please wait 90 more seconds before resubmitting", d.Message())

	d = Decision{Reason: ReasonQuota}
	assert.Equal(t, "daily grading contingent exhausted, try again tomorrow", d.Message())
}
