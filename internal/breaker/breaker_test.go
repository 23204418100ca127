package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"outpost/internal/failure"
	"outpost/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(clock *fakeClock) *Registry {
	return NewRegistry(Config{}, zerolog.Nop(), WithClock(clock.Now))
}

func failN(t *testing.T, r *Registry, kind models.OperationKind, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := r.Execute(context.Background(), kind, func(ctx context.Context) error {
			return failure.ErrTimeout
		})
		require.ErrorIs(t, err, failure.ErrTimeout)
	}
}

func TestTripsAfterThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock)

	failN(t, r, models.KindSendMessage, 4)
	assert.Equal(t, models.CircuitClosed, r.State(models.KindSendMessage).State)

	failN(t, r, models.KindSendMessage, 1)
	st := r.State(models.KindSendMessage)
	assert.Equal(t, models.CircuitOpen, st.State)
	assert.Equal(t, 1, st.Trips)
	assert.True(t, r.IsOpen(models.KindSendMessage))
	assert.True(t, r.Blocked(models.KindSendMessage))

	called := false
	err := r.Execute(context.Background(), models.KindSendMessage, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, failure.ErrCircuitOpen)
	assert.False(t, called)

	// Other kinds are unaffected.
	assert.False(t, r.Blocked(models.KindMarkRead))
}

func TestFailuresOutsideWindowDoNotTrip(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock)

	failN(t, r, models.KindSendMessage, 4)
	clock.Advance(61 * time.Second)
	failN(t, r, models.KindSendMessage, 1)

	assert.Equal(t, models.CircuitClosed, r.State(models.KindSendMessage).State)
}

func TestSuccessResetsFailures(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock)

	failN(t, r, models.KindSendMessage, 4)
	require.NoError(t, r.Execute(context.Background(), models.KindSendMessage, func(ctx context.Context) error { return nil }))
	failN(t, r, models.KindSendMessage, 4)

	assert.Equal(t, models.CircuitClosed, r.State(models.KindSendMessage).State)
	assert.Equal(t, 4, r.State(models.KindSendMessage).ConsecutiveFailures)
}

func TestFatalErrorsAreNeutral(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock)

	for i := 0; i < 10; i++ {
		_ = r.Execute(context.Background(), models.KindOther, func(ctx context.Context) error {
			return failure.ErrMalformed
		})
	}
	assert.Equal(t, models.CircuitClosed, r.State(models.KindOther).State)
}

func TestHalfOpenAllowsExactlyOneTrial(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock)
	failN(t, r, models.KindSendMessage, 5)

	clock.Advance(29 * time.Second)
	_, err := r.Allow(models.KindSendMessage)
	require.ErrorIs(t, err, failure.ErrCircuitOpen)

	clock.Advance(time.Second)
	assert.False(t, r.Blocked(models.KindSendMessage))

	trial, err := r.Allow(models.KindSendMessage)
	require.NoError(t, err)
	assert.Equal(t, models.CircuitHalfOpen, r.State(models.KindSendMessage).State)
	assert.True(t, r.Blocked(models.KindSendMessage))

	_, err = r.Allow(models.KindSendMessage)
	require.ErrorIs(t, err, failure.ErrCircuitOpen)

	trial.Done(Success)
	st := r.State(models.KindSendMessage)
	assert.Equal(t, models.CircuitClosed, st.State)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, 30*time.Second, st.Cooldown)
}

func TestFailedTrialDoublesCooldown(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := NewRegistry(Config{Cooldown: 30 * time.Second, MaxCooldown: 100 * time.Second}, zerolog.Nop(), WithClock(clock.Now))
	failN(t, r, models.KindSendMessage, 5)

	expected := []time.Duration{60 * time.Second, 100 * time.Second, 100 * time.Second}
	wait := 30 * time.Second
	for _, want := range expected {
		clock.Advance(wait)
		trial, err := r.Allow(models.KindSendMessage)
		require.NoError(t, err)
		trial.Done(Failure)

		st := r.State(models.KindSendMessage)
		assert.Equal(t, models.CircuitOpen, st.State)
		assert.Equal(t, want, st.Cooldown)
		wait = want
	}
	assert.Equal(t, 4, r.State(models.KindSendMessage).Trips)
}

func TestNeutralTrialKeepsHalfOpen(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock)
	failN(t, r, models.KindMarkRead, 5)
	clock.Advance(30 * time.Second)

	trial, err := r.Allow(models.KindMarkRead)
	require.NoError(t, err)
	trial.Done(Neutral)
	trial.Done(Failure) // ignored, already reported

	assert.Equal(t, models.CircuitHalfOpen, r.State(models.KindMarkRead).State)
	_, err = r.Allow(models.KindMarkRead)
	assert.NoError(t, err)
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, Success, OutcomeOf(nil))
	assert.Equal(t, Failure, OutcomeOf(failure.ErrUnavailable))
	assert.Equal(t, Neutral, OutcomeOf(failure.ErrPermissionDenied))
	assert.Equal(t, Neutral, OutcomeOf(context.Canceled))
	assert.Equal(t, Failure, OutcomeOf(errors.New("connection reset")))
}

func TestSnapshotListsKnownKinds(t *testing.T) {
	r := newTestRegistry(&fakeClock{t: time.Unix(0, 0)})
	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, models.KindSendMessage, snap[0].Kind)
	for _, s := range snap {
		assert.Equal(t, models.CircuitClosed, s.State)
	}
}
