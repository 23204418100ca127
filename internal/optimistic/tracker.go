package optimistic

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"outpost/internal/domain"
	"outpost/internal/events"
	"outpost/internal/models"

	"github.com/rs/zerolog"
)

var (
	ErrEntryNotFound     = errors.New("optimistic entry not found")
	ErrIllegalTransition = errors.New("illegal display state transition")
)

// allowed lists the legal source states for each target state. Re-entering
// the current state is always a no-op.
var allowed = map[models.DisplayState][]models.DisplayState{
	models.DisplayQueued:  {models.DisplayFailed, models.DisplaySending},
	models.DisplaySending: {models.DisplayQueued},
	models.DisplaySent:    {models.DisplaySending},
	models.DisplayFailed:  {models.DisplayQueued, models.DisplaySending},
}

var eventFor = map[models.DisplayState]string{
	models.DisplayQueued:  events.EventOperationQueued,
	models.DisplaySending: events.EventOperationSending,
	models.DisplaySent:    events.EventOperationSent,
	models.DisplayFailed:  events.EventOperationFailed,
}

// Tracker holds the UI-visible projection of every live write. Readers
// always get copies.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*models.OptimisticEntry
	events  domain.EventPublisher
	logger  zerolog.Logger
	now     func() time.Time
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker builds an empty tracker. publisher may be nil.
func NewTracker(publisher domain.EventPublisher, logger zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		entries: make(map[string]*models.OptimisticEntry),
		events:  publisher,
		logger:  logger.With().Str("component", "optimistic").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track registers op as Queued with the value the UI should render. Tracking
// an id that already failed re-queues it; tracking a live id refreshes its
// snapshot and leaves the state alone.
func (t *Tracker) Track(op models.QueuedOperation, snapshot map[string]any, touched []string) models.OptimisticEntry {
	t.mu.Lock()
	now := t.now()

	entry, ok := t.entries[op.ID]
	if ok {
		if snapshot != nil {
			entry.LocalSnapshot = models.CloneFields(snapshot)
		}
		if touched != nil {
			entry.TouchedFields = sortedUnique(touched)
		}
		entry.Stale = false
		entry.UpdatedAt = now
		requeue := entry.DisplayState == models.DisplayFailed
		if requeue {
			entry.DisplayState = models.DisplayQueued
			entry.FailureReason = ""
		}
		out := entry.Clone()
		t.mu.Unlock()
		if requeue {
			t.publish(events.EventOperationQueued, out)
		}
		return out
	}

	entry = &models.OptimisticEntry{
		OperationID:   op.ID,
		Kind:          op.Kind,
		EntityType:    op.EntityType,
		EntityID:      op.EntityID,
		DisplayState:  models.DisplayQueued,
		LocalSnapshot: models.CloneFields(snapshot),
		TouchedFields: sortedUnique(touched),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	t.entries[op.ID] = entry
	out := entry.Clone()
	t.mu.Unlock()

	t.publish(events.EventOperationQueued, out)
	return out
}

func (t *Tracker) MarkSending(id string) (models.OptimisticEntry, error) {
	return t.transition(id, models.DisplaySending, "")
}

func (t *Tracker) MarkSent(id string) (models.OptimisticEntry, error) {
	return t.transition(id, models.DisplaySent, "")
}

func (t *Tracker) MarkFailed(id, reason string) (models.OptimisticEntry, error) {
	return t.transition(id, models.DisplayFailed, reason)
}

// MarkQueued returns a failed entry to Queued for a manual retry, or a
// sending entry whose attempt was deferred.
func (t *Tracker) MarkQueued(id string) (models.OptimisticEntry, error) {
	return t.transition(id, models.DisplayQueued, "")
}

func (t *Tracker) transition(id string, to models.DisplayState, reason string) (models.OptimisticEntry, error) {
	t.mu.Lock()
	entry, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return models.OptimisticEntry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}

	from := entry.DisplayState
	if from == to {
		out := entry.Clone()
		t.mu.Unlock()
		return out, nil
	}
	if !legal(from, to) {
		t.mu.Unlock()
		return models.OptimisticEntry{}, fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, id, from, to)
	}

	entry.DisplayState = to
	entry.UpdatedAt = t.now()
	if to == models.DisplayFailed {
		entry.FailureReason = reason
	} else {
		entry.FailureReason = ""
	}
	out := entry.Clone()
	t.mu.Unlock()

	t.logger.Debug().
		Str("operation_id", id).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("display state changed")
	t.publish(eventFor[to], out)
	return out, nil
}

func legal(from, to models.DisplayState) bool {
	for _, s := range allowed[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Discard removes an entry the user gave up on. Entries currently being
// sent cannot be discarded.
func (t *Tracker) Discard(id string) (models.OptimisticEntry, error) {
	t.mu.Lock()
	entry, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return models.OptimisticEntry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if entry.DisplayState == models.DisplaySending {
		t.mu.Unlock()
		return models.OptimisticEntry{}, fmt.Errorf("%w: %s is sending", ErrIllegalTransition, id)
	}
	delete(t.entries, id)
	out := entry.Clone()
	t.mu.Unlock()

	t.publish(events.EventOperationDiscarded, out)
	return out, nil
}

// Confirm drops the entry once the server's authoritative value for it has
// been merged. The bool reports whether an entry existed.
func (t *Tracker) Confirm(id string) (models.OptimisticEntry, bool) {
	t.mu.Lock()
	entry, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return models.OptimisticEntry{}, false
	}
	delete(t.entries, id)
	out := entry.Clone()
	t.mu.Unlock()

	t.publish(events.EventOperationConfirmed, out)
	return out, true
}

// MarkStale flags an entry whose local value could not be reconciled.
func (t *Tracker) MarkStale(id string) error {
	t.mu.Lock()
	entry, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	entry.Stale = true
	entry.UpdatedAt = t.now()
	out := entry.Clone()
	t.mu.Unlock()

	t.publish(eventFor[out.DisplayState], out)
	return nil
}

// SetSnapshot replaces the rendered value, e.g. with a merged result.
func (t *Tracker) SetSnapshot(id string, snapshot map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	entry.LocalSnapshot = models.CloneFields(snapshot)
	entry.UpdatedAt = t.now()
	return nil
}

func (t *Tracker) Get(id string) (models.OptimisticEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.entries[id]
	if !ok {
		return models.OptimisticEntry{}, false
	}
	return entry.Clone(), true
}

// Snapshot returns copies of every entry, oldest first.
func (t *Tracker) Snapshot() []models.OptimisticEntry {
	return t.collect(func(*models.OptimisticEntry) bool { return true })
}

// ForEntity returns the live entries that target one entity, oldest first.
func (t *Tracker) ForEntity(entityType, entityID string) []models.OptimisticEntry {
	return t.collect(func(e *models.OptimisticEntry) bool {
		return e.EntityType == entityType && e.EntityID == entityID
	})
}

func (t *Tracker) collect(keep func(*models.OptimisticEntry) bool) []models.OptimisticEntry {
	t.mu.RLock()
	out := make([]models.OptimisticEntry, 0, len(t.entries))
	for _, e := range t.entries {
		if keep(e) {
			out = append(out, e.Clone())
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].OperationID < out[j].OperationID
	})
	return out
}

// PruneSent removes Sent entries whose confirmation never arrived within
// grace. It returns the removed ids.
func (t *Tracker) PruneSent(grace time.Duration) []string {
	if grace <= 0 {
		return nil
	}

	t.mu.Lock()
	cutoff := t.now().Add(-grace)
	var removed []string
	for id, e := range t.entries {
		if e.DisplayState == models.DisplaySent && e.UpdatedAt.Before(cutoff) {
			delete(t.entries, id)
			removed = append(removed, id)
		}
	}
	t.mu.Unlock()

	sort.Strings(removed)
	return removed
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *Tracker) publish(eventType string, e models.OptimisticEntry) {
	if t.events == nil {
		return
	}
	payload := events.OperationEventPayload{
		OperationID:  e.OperationID,
		Kind:         string(e.Kind),
		EntityType:   e.EntityType,
		EntityID:     e.EntityID,
		DisplayState: string(e.DisplayState),
		Reason:       e.FailureReason,
		Stale:        e.Stale,
	}
	if err := t.events.PublishJSON(eventType, payload); err != nil {
		t.logger.Warn().Err(err).Str("event", eventType).Msg("publish failed")
	}
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
