package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"outpost/internal/breaker"
	"outpost/internal/conflict"
	"outpost/internal/domain"
	"outpost/internal/models"
	"outpost/internal/optimistic"
	"outpost/internal/outbox"
	"outpost/internal/reachability"
	"outpost/internal/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrInvalidRequest = errors.New("invalid request")

// Drainer is the part of the processor the UI can poke.
type Drainer interface {
	Trigger()
	Stats() worker.Stats
}

// SubmitRequest is a write issued by the UI.
type SubmitRequest struct {
	ID              string               `json:"id,omitempty"`
	Kind            models.OperationKind `json:"kind"`
	ConversationKey string               `json:"conversation_key,omitempty"`
	EntityType      string               `json:"entity_type,omitempty"`
	EntityID        string               `json:"entity_id,omitempty"`
	Payload         json.RawMessage      `json:"payload,omitempty"`
	// Snapshot is the value rendered until the server confirms it.
	Snapshot      map[string]any `json:"snapshot,omitempty"`
	TouchedFields []string       `json:"touched_fields,omitempty"`
}

// Status is the aggregate health view.
type Status struct {
	Reachability reachability.Status   `json:"reachability"`
	Circuits     []models.CircuitState `json:"circuits"`
	Queue        outbox.Stats          `json:"queue"`
	Processor    worker.Stats          `json:"processor"`
	Conflicts    int                   `json:"pending_conflicts"`
}

type Pipeline struct {
	queue    *outbox.Queue
	tracker  *optimistic.Tracker
	resolver *conflict.Resolver
	breakers *breaker.Registry
	monitor  *reachability.Monitor
	drainer  Drainer
	logger   *zerolog.Logger
}

func NewPipeline(
	queue *outbox.Queue,
	tracker *optimistic.Tracker,
	resolver *conflict.Resolver,
	breakers *breaker.Registry,
	monitor *reachability.Monitor,
	drainer Drainer,
	logger *zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		queue:    queue,
		tracker:  tracker,
		resolver: resolver,
		breakers: breakers,
		monitor:  monitor,
		drainer:  drainer,
		logger:   logger,
	}
}

// Restore rebuilds the optimistic projection from the persisted queue
// after a restart. Snapshots are not persisted, so restored entries render
// without one.
func (p *Pipeline) Restore() int {
	ops := p.queue.List()
	for _, op := range ops {
		p.tracker.Track(op, nil, nil)
		if op.Status != models.StatusFailed {
			continue
		}
		reason := ""
		if op.LastError != nil {
			reason = op.LastError.Reason
		}
		if _, err := p.tracker.MarkFailed(op.ID, reason); err != nil {
			p.logger.Warn().Err(err).Str("operation_id", op.ID).Msg("restore failed entry")
		}
	}
	if len(ops) > 0 {
		p.logger.Info().Int("operations", len(ops)).Msg("restored outbound queue")
	}
	return len(ops)
}

// Submit queues a write and returns its optimistic entry. Submitting an id
// again updates the payload without duplicating the write.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (models.OptimisticEntry, error) {
	if !req.Kind.Valid() {
		return models.OptimisticEntry{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.EntityType == models.EntityMessage && req.EntityID == "" {
		req.EntityID = req.ID
	}
	if req.ConversationKey == "" {
		if req.EntityID == "" {
			return models.OptimisticEntry{}, fmt.Errorf("%w: conversation_key or entity_id is required", ErrInvalidRequest)
		}
		req.ConversationKey = req.EntityType + "/" + req.EntityID
	}

	payload := []byte(req.Payload)
	if len(payload) == 0 && req.Snapshot != nil {
		raw, err := json.Marshal(req.Snapshot)
		if err != nil {
			return models.OptimisticEntry{}, fmt.Errorf("%w: snapshot: %v", ErrInvalidRequest, err)
		}
		payload = raw
	}

	op, err := p.queue.Enqueue(ctx, models.QueuedOperation{
		ID:              req.ID,
		Kind:            req.Kind,
		Payload:         payload,
		ConversationKey: req.ConversationKey,
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
	})
	if err != nil {
		return models.OptimisticEntry{}, err
	}
	if op.Status == models.StatusSucceeded {
		return p.delivered(op, req.Snapshot), nil
	}

	entry := p.tracker.Track(op, req.Snapshot, req.TouchedFields)
	p.logger.Debug().
		Str("operation_id", op.ID).
		Str("kind", string(op.Kind)).
		Str("conversation", op.ConversationKey).
		Msg("operation submitted")
	p.trigger()
	return entry, nil
}

// delivered answers a re-submit of an id the queue already delivered. The
// live entry is returned when it still waits for its echo; otherwise the
// write is reported as sent without tracking it again.
func (p *Pipeline) delivered(op models.QueuedOperation, snapshot map[string]any) models.OptimisticEntry {
	p.logger.Debug().Str("operation_id", op.ID).Msg("operation already delivered")
	if entry, ok := p.tracker.Get(op.ID); ok {
		return entry
	}
	return models.OptimisticEntry{
		OperationID:   op.ID,
		Kind:          op.Kind,
		EntityType:    op.EntityType,
		EntityID:      op.EntityID,
		DisplayState:  models.DisplaySent,
		LocalSnapshot: models.CloneFields(snapshot),
		CreatedAt:     op.UpdatedAt,
		UpdatedAt:     op.UpdatedAt,
	}
}

// Retry re-queues a failed operation with a fresh attempt budget.
func (p *Pipeline) Retry(ctx context.Context, id string) (models.OptimisticEntry, error) {
	op, err := p.queue.Retry(ctx, id)
	if err != nil {
		return models.OptimisticEntry{}, err
	}

	entry, err := p.tracker.MarkQueued(id)
	if errors.Is(err, optimistic.ErrEntryNotFound) {
		entry, err = p.tracker.Track(op, nil, nil), nil
	}
	if err != nil {
		return models.OptimisticEntry{}, err
	}
	p.trigger()
	return entry, nil
}

// Discard drops a queued or failed operation and its entry.
func (p *Pipeline) Discard(ctx context.Context, id string) error {
	_, qerr := p.queue.Discard(ctx, id)
	if qerr != nil && !errors.Is(qerr, outbox.ErrOperationNotFound) {
		return qerr
	}

	_, terr := p.tracker.Discard(id)
	if terr != nil && !errors.Is(terr, optimistic.ErrEntryNotFound) {
		return terr
	}
	if qerr != nil && terr != nil {
		return qerr
	}
	return nil
}

// HandleUpdate feeds one authoritative server value to the resolver.
func (p *Pipeline) HandleUpdate(ctx context.Context, update models.EntityUpdate) (conflict.Result, error) {
	res, err := p.resolver.Handle(update)
	if err != nil {
		return res, err
	}
	if len(res.Confirmed) > 0 {
		p.logger.Debug().
			Strs("operations", res.Confirmed).
			Str("entity_id", update.EntityID).
			Msg("server confirmed writes")
	}
	return res, nil
}

// ConsumeFeed applies every update from feed until ctx ends.
func (p *Pipeline) ConsumeFeed(ctx context.Context, feed domain.UpdateFeed) error {
	updates, err := feed.Subscribe(ctx, "", "")
	if err != nil {
		return fmt.Errorf("subscribe to updates: %w", err)
	}
	for u := range updates {
		if _, err := p.HandleUpdate(ctx, u); err != nil {
			p.logger.Warn().Err(err).Str("entity_type", u.EntityType).Str("entity_id", u.EntityID).Msg("update not applied")
		}
	}
	return nil
}

func (p *Pipeline) Entries() []models.OptimisticEntry {
	return p.tracker.Snapshot()
}

func (p *Pipeline) Entry(id string) (models.OptimisticEntry, bool) {
	return p.tracker.Get(id)
}

func (p *Pipeline) Operations() []models.QueuedOperation {
	return p.queue.List()
}

func (p *Pipeline) Failed() []models.QueuedOperation {
	return p.queue.ListFailed()
}

func (p *Pipeline) Conflicts() []models.SyncConflict {
	return p.resolver.Conflicts()
}

func (p *Pipeline) ResolveConflict(id, choice string) (models.SyncConflict, error) {
	return p.resolver.ResolveConflict(id, choice)
}

// Drain asks the processor for a pass.
func (p *Pipeline) Drain() {
	p.trigger()
}

func (p *Pipeline) Status() Status {
	st := Status{
		Circuits:  p.breakers.Snapshot(),
		Queue:     p.queue.Stats(),
		Conflicts: len(p.resolver.Conflicts()),
	}
	if p.monitor != nil {
		st.Reachability = p.monitor.Current()
	} else {
		st.Reachability = reachability.Status{Online: true, Quality: reachability.QualityUnknown}
	}
	if p.drainer != nil {
		st.Processor = p.drainer.Stats()
	}
	return st
}

func (p *Pipeline) trigger() {
	if p.drainer != nil {
		p.drainer.Trigger()
	}
}
