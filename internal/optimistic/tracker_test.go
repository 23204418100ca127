package optimistic

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"outpost/internal/events"
	"outpost/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	types    []string
	payloads []events.OperationEventPayload
}

func newTracker(t *testing.T) (*Tracker, *recorder, *time.Time) {
	t.Helper()
	bus := events.NewEventBus()
	rec := &recorder{}
	bus.Subscribe(events.AllEvents, func(e *events.Event) error {
		var p events.OperationEventPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		rec.types = append(rec.types, e.Type)
		rec.payloads = append(rec.payloads, p)
		return nil
	})

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(bus, zerolog.Nop(), WithClock(func() time.Time { return clock }))
	return tr, rec, &clock
}

func op(id string) models.QueuedOperation {
	return models.QueuedOperation{
		ID:              id,
		Kind:            models.KindSendMessage,
		ConversationKey: "conv-1",
		EntityType:      models.EntityMessage,
		EntityID:        id,
	}
}

func TestTrackerHappyPath(t *testing.T) {
	tr, rec, _ := newTracker(t)

	entry := tr.Track(op("msg-1"), map[string]any{"text": "hi"}, nil)
	assert.Equal(t, models.DisplayQueued, entry.DisplayState)

	_, err := tr.MarkSending("msg-1")
	require.NoError(t, err)
	sent, err := tr.MarkSent("msg-1")
	require.NoError(t, err)
	assert.Equal(t, models.DisplaySent, sent.DisplayState)

	assert.Equal(t, []string{
		events.EventOperationQueued,
		events.EventOperationSending,
		events.EventOperationSent,
	}, rec.types)
	assert.Equal(t, "msg-1", rec.payloads[2].OperationID)

	_, ok := tr.Confirm("msg-1")
	assert.True(t, ok)
	_, ok = tr.Get("msg-1")
	assert.False(t, ok)
	assert.Equal(t, events.EventOperationConfirmed, rec.types[len(rec.types)-1])
}

func TestTrackerFailureAndManualRetry(t *testing.T) {
	tr, rec, _ := newTracker(t)
	tr.Track(op("msg-2"), nil, nil)
	_, err := tr.MarkSending("msg-2")
	require.NoError(t, err)

	failed, err := tr.MarkFailed("msg-2", "permission denied")
	require.NoError(t, err)
	assert.Equal(t, models.DisplayFailed, failed.DisplayState)
	assert.Equal(t, "permission denied", failed.FailureReason)
	assert.Equal(t, "permission denied", rec.payloads[len(rec.payloads)-1].Reason)

	_, err = tr.MarkSending("msg-2")
	assert.True(t, errors.Is(err, ErrIllegalTransition))

	queued, err := tr.MarkQueued("msg-2")
	require.NoError(t, err)
	assert.Equal(t, models.DisplayQueued, queued.DisplayState)
	assert.Empty(t, queued.FailureReason)
}

func TestTrackerTrackRequeuesFailed(t *testing.T) {
	tr, _, _ := newTracker(t)
	tr.Track(op("msg-3"), map[string]any{"text": "a"}, nil)
	_, err := tr.MarkFailed("msg-3", "rejected")
	require.NoError(t, err)

	entry := tr.Track(op("msg-3"), map[string]any{"text": "b"}, nil)
	assert.Equal(t, models.DisplayQueued, entry.DisplayState)
	assert.Equal(t, "b", entry.LocalSnapshot["text"])
	assert.Equal(t, 1, tr.Len())
}

func TestTrackerIllegalTransitions(t *testing.T) {
	tr, _, _ := newTracker(t)
	tr.Track(op("msg-4"), nil, nil)

	_, err := tr.MarkSent("msg-4")
	assert.True(t, errors.Is(err, ErrIllegalTransition))

	_, err = tr.MarkSending("msg-4")
	require.NoError(t, err)
	_, err = tr.MarkSent("msg-4")
	require.NoError(t, err)

	_, err = tr.MarkFailed("msg-4", "late")
	assert.True(t, errors.Is(err, ErrIllegalTransition))
	_, err = tr.MarkQueued("msg-4")
	assert.True(t, errors.Is(err, ErrIllegalTransition))

	_, err = tr.MarkSending("missing")
	assert.True(t, errors.Is(err, ErrEntryNotFound))
}

func TestTrackerSameStateIsNoop(t *testing.T) {
	tr, rec, _ := newTracker(t)
	tr.Track(op("msg-5"), nil, nil)
	_, err := tr.MarkQueued("msg-5")
	require.NoError(t, err)
	assert.Len(t, rec.types, 1)
}

func TestTrackerDiscard(t *testing.T) {
	tr, rec, _ := newTracker(t)
	tr.Track(op("msg-6"), nil, nil)
	_, err := tr.MarkSending("msg-6")
	require.NoError(t, err)

	_, err = tr.Discard("msg-6")
	assert.True(t, errors.Is(err, ErrIllegalTransition))

	_, err = tr.MarkFailed("msg-6", "boom")
	require.NoError(t, err)
	_, err = tr.Discard("msg-6")
	require.NoError(t, err)
	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, events.EventOperationDiscarded, rec.types[len(rec.types)-1])

	_, err = tr.Discard("msg-6")
	assert.True(t, errors.Is(err, ErrEntryNotFound))
}

func TestTrackerStaleAndSnapshot(t *testing.T) {
	tr, _, _ := newTracker(t)
	tr.Track(op("msg-7"), map[string]any{"text": "x"}, []string{"text", "text"})

	require.NoError(t, tr.MarkStale("msg-7"))
	require.NoError(t, tr.SetSnapshot("msg-7", map[string]any{"text": "y"}))

	entry, ok := tr.Get("msg-7")
	require.True(t, ok)
	assert.True(t, entry.Stale)
	assert.Equal(t, "y", entry.LocalSnapshot["text"])
	assert.Equal(t, []string{"text"}, entry.TouchedFields)

	// Copies never alias internal state.
	entry.LocalSnapshot["text"] = "mutated"
	again, _ := tr.Get("msg-7")
	assert.Equal(t, "y", again.LocalSnapshot["text"])

	assert.True(t, errors.Is(tr.MarkStale("missing"), ErrEntryNotFound))
}

func TestTrackerSnapshotOrderAndForEntity(t *testing.T) {
	tr, _, clock := newTracker(t)
	tr.Track(op("b"), nil, nil)
	*clock = clock.Add(time.Second)
	tr.Track(op("a"), nil, nil)
	profile := models.QueuedOperation{ID: "p-1", Kind: models.KindOther, EntityType: models.EntityProfile, EntityID: "user-1"}
	tr.Track(profile, nil, []string{"name"})

	all := tr.Snapshot()
	require.Len(t, all, 3)
	assert.Equal(t, "b", all[0].OperationID)
	assert.Equal(t, "a", all[1].OperationID)

	forUser := tr.ForEntity(models.EntityProfile, "user-1")
	require.Len(t, forUser, 1)
	assert.Equal(t, "p-1", forUser[0].OperationID)
}

func TestTrackerPruneSent(t *testing.T) {
	tr, _, clock := newTracker(t)
	tr.Track(op("old"), nil, nil)
	tr.Track(op("queued"), nil, nil)
	_, _ = tr.MarkSending("old")
	_, _ = tr.MarkSent("old")

	*clock = clock.Add(time.Minute)
	assert.Empty(t, tr.PruneSent(2*time.Minute))

	*clock = clock.Add(2 * time.Minute)
	assert.Equal(t, []string{"old"}, tr.PruneSent(2*time.Minute))
	assert.Equal(t, 1, tr.Len())
	assert.Nil(t, tr.PruneSent(0))
}

func TestTrackerNilPublisher(t *testing.T) {
	tr := NewTracker(nil, zerolog.Nop())
	tr.Track(op("msg-8"), nil, nil)
	_, err := tr.MarkSending("msg-8")
	assert.NoError(t, err)
}
