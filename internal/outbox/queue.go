// Package outbox is the durable, per-conversation FIFO queue of pending
// writes. Every state change is written through to a domain.Store so the
// queue survives restarts.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"outpost/internal/domain"
	"outpost/internal/models"

	"github.com/rs/zerolog"
)

var (
	ErrOperationNotFound = errors.New("operation not found")
	ErrInvalidOperation  = errors.New("invalid operation")
	ErrNotFailed         = errors.New("operation is not failed")
	ErrInFlight          = errors.New("operation is in flight")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrQueueFull         = errors.New("outbound queue is full")
)

type Options struct {
	// Capacity limits distinct operations held. Zero uses the default,
	// negative disables the limit.
	Capacity int
	// DeadLetter, when set, receives every operation marked failed.
	DeadLetter domain.DeadLetter
	// DeliveredMemory is how many delivered ids are remembered so a late
	// re-submit is not sent again. Zero uses the default.
	DeliveredMemory int
	Now        func() time.Time
}

// Stats counts operations by status.
type Stats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Failed   int `json:"failed"`
	Total    int `json:"total"`
	// BlockedConversations have a failed head with pending writes behind it.
	BlockedConversations int `json:"blocked_conversations"`
	// Blocked counts the pending writes held back by a failed head.
	Blocked int `json:"blocked"`
}

// Queue holds all live operations in memory behind a single mutex and
// mirrors them to the store. Readers always get copies.
type Queue struct {
	mu     sync.Mutex
	ops    map[string]*models.QueuedOperation
	seq    uint64
	store  domain.Store
	opts   Options
	logger zerolog.Logger

	// delivered remembers recently succeeded ids, oldest first in order.
	delivered      map[string]time.Time
	deliveredOrder []string
}

// Open loads persisted operations. Anything left in flight by a previous
// process is reset to pending: an interrupted attempt is never assumed to
// have succeeded.
func Open(ctx context.Context, store domain.Store, opts Options, logger zerolog.Logger) (*Queue, error) {
	if opts.Capacity == 0 {
		opts.Capacity = models.DefaultQueueCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DeliveredMemory <= 0 {
		opts.DeliveredMemory = models.DefaultDeliveredMemory
	}

	q := &Queue{
		ops:       make(map[string]*models.QueuedOperation),
		delivered: make(map[string]time.Time),
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "outbox").Logger(),
	}

	records, err := store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}

	var restored, reset int
	var unsequenced []*models.QueuedOperation
	for _, rec := range records {
		var op models.QueuedOperation
		if err := json.Unmarshal(rec.Data, &op); err != nil || op.ID == "" {
			q.logger.Warn().Err(err).Str("id", rec.ID).Msg("skipping unreadable queue record")
			continue
		}

		switch op.Status {
		case models.StatusSucceeded:
			if err := store.Delete(ctx, op.ID); err != nil {
				q.logger.Warn().Err(err).Str("id", op.ID).Msg("failed to drop delivered record")
			}
			continue
		case models.StatusInFlight:
			op.Status = models.StatusPending
			op.UpdatedAt = opts.Now()
			if err := q.persist(ctx, &op); err != nil {
				q.logger.Warn().Err(err).Str("id", op.ID).Msg("failed to persist reset record")
			}
			reset++
		case models.StatusPending, models.StatusFailed:
		default:
			op.Status = models.StatusPending
		}

		o := op
		q.ops[op.ID] = &o
		if op.Seq == 0 {
			unsequenced = append(unsequenced, &o)
		} else if op.Seq > q.seq {
			q.seq = op.Seq
		}
		restored++
	}
	for _, op := range unsequenced {
		q.seq++
		op.Seq = q.seq
	}

	q.logger.Info().Int("restored", restored).Int("reset_in_flight", reset).Msg("outbound queue opened")
	return q, nil
}

func (q *Queue) persist(ctx context.Context, op *models.QueuedOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode %s: %w", op.ID, err)
	}
	return q.store.Put(ctx, op.ID, data)
}

// persistOrLog writes op and only logs on failure. The in-memory state
// stays authoritative for this process; a lost write degrades to a resend
// after restart.
func (q *Queue) persistOrLog(ctx context.Context, op *models.QueuedOperation) {
	if err := q.persist(ctx, op); err != nil {
		q.logger.Error().Err(err).Str("id", op.ID).Str("status", string(op.Status)).Msg("failed to persist queue record")
	}
}

// Enqueue adds op or, if its id is already queued, updates the payload in
// place. Re-enqueuing a failed id returns it to pending; this is how the
// UI retry affordance re-submits without duplication. A recently delivered
// id is ignored and reported with status succeeded.
func (q *Queue) Enqueue(ctx context.Context, op models.QueuedOperation) (models.QueuedOperation, error) {
	if op.ID == "" || op.ConversationKey == "" || !op.Kind.Valid() {
		return models.QueuedOperation{}, fmt.Errorf("%w: id, conversation key and a known kind are required", ErrInvalidOperation)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()

	if at, ok := q.delivered[op.ID]; ok {
		q.logger.Debug().Str("id", op.ID).Msg("ignoring re-submit of delivered operation")
		return models.QueuedOperation{
			ID:              op.ID,
			Kind:            op.Kind,
			ConversationKey: op.ConversationKey,
			EntityType:      op.EntityType,
			EntityID:        op.EntityID,
			CreatedAt:       op.CreatedAt,
			UpdatedAt:       at,
			Status:          models.StatusSucceeded,
		}, nil
	}

	if existing, ok := q.ops[op.ID]; ok {
		updated := existing.Clone()
		updated.Payload = append([]byte(nil), op.Payload...)
		if op.EntityType != "" {
			updated.EntityType = op.EntityType
		}
		if op.EntityID != "" {
			updated.EntityID = op.EntityID
		}
		if updated.Status == models.StatusFailed {
			updated.Status = models.StatusPending
			updated.AttemptCount = 0
		}
		updated.UpdatedAt = now

		if err := q.persist(ctx, &updated); err != nil {
			return models.QueuedOperation{}, fmt.Errorf("enqueue %s: %w", op.ID, err)
		}
		*existing = updated
		return existing.Clone(), nil
	}

	if q.opts.Capacity > 0 && len(q.ops) >= q.opts.Capacity {
		return models.QueuedOperation{}, ErrQueueFull
	}

	fresh := models.QueuedOperation{
		ID:              op.ID,
		Kind:            op.Kind,
		Payload:         append([]byte(nil), op.Payload...),
		ConversationKey: op.ConversationKey,
		EntityType:      op.EntityType,
		EntityID:        op.EntityID,
		CreatedAt:       op.CreatedAt,
		UpdatedAt:       now,
		Seq:             q.seq + 1,
		Status:          models.StatusPending,
	}
	if fresh.CreatedAt.IsZero() {
		fresh.CreatedAt = now
	}

	if err := q.persist(ctx, &fresh); err != nil {
		return models.QueuedOperation{}, fmt.Errorf("enqueue %s: %w", op.ID, err)
	}
	q.seq++
	q.ops[fresh.ID] = &fresh
	return fresh.Clone(), nil
}

// DequeueNextBatch returns, per conversation, up to maxPerConversation of
// the oldest pending operations. A conversation yields nothing while its
// head is in flight or failed, or when skip rejects the head's kind, so
// order within a conversation is never broken. Nothing is mutated.
func (q *Queue) DequeueNextBatch(maxPerConversation int, skip func(models.OperationKind) bool) []models.QueuedOperation {
	if maxPerConversation < 1 {
		maxPerConversation = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	groups := make(map[string][]*models.QueuedOperation)
	for _, op := range q.ops {
		groups[op.ConversationKey] = append(groups[op.ConversationKey], op)
	}

	var batch []models.QueuedOperation
	for _, ops := range groups {
		sortOps(ops)
		taken := 0
		for _, op := range ops {
			if op.Status != models.StatusPending {
				break
			}
			if skip != nil && skip(op.Kind) {
				break
			}
			batch = append(batch, op.Clone())
			taken++
			if taken >= maxPerConversation {
				break
			}
		}
	}

	sort.Slice(batch, func(i, j int) bool { return batch[i].Before(&batch[j]) })
	return batch
}

// NextInConversation returns the head of key when it is pending and skip
// does not reject its kind.
func (q *Queue) NextInConversation(key string, skip func(models.OperationKind) bool) (models.QueuedOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var head *models.QueuedOperation
	for _, op := range q.ops {
		if op.ConversationKey != key {
			continue
		}
		if head == nil || op.Before(head) {
			head = op
		}
	}
	if head == nil || head.Status != models.StatusPending {
		return models.QueuedOperation{}, false
	}
	if skip != nil && skip(head.Kind) {
		return models.QueuedOperation{}, false
	}
	return head.Clone(), true
}

// HasPending reports whether any operation is pending.
func (q *Queue) HasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.ops {
		if op.Status == models.StatusPending {
			return true
		}
	}
	return false
}

func (q *Queue) lookup(id string) (*models.QueuedOperation, error) {
	op, ok := q.ops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}
	return op, nil
}

// MarkInFlight claims a pending operation for one delivery attempt.
func (q *Queue) MarkInFlight(ctx context.Context, id string) (models.QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.lookup(id)
	if err != nil {
		return models.QueuedOperation{}, err
	}
	if op.Status != models.StatusPending {
		return models.QueuedOperation{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, op.Status)
	}
	op.Status = models.StatusInFlight
	op.UpdatedAt = q.opts.Now()
	q.persistOrLog(ctx, op)
	return op.Clone(), nil
}

// RecordAttempt increments the attempt counter and returns the new value.
func (q *Queue) RecordAttempt(ctx context.Context, id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.lookup(id)
	if err != nil {
		return 0, err
	}
	op.AttemptCount++
	op.UpdatedAt = q.opts.Now()
	q.persistOrLog(ctx, op)
	return op.AttemptCount, nil
}

// Payload returns the current payload of id. Enqueue may replace it while
// the operation is in flight; the next attempt picks it up.
func (q *Queue) Payload(id string) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.lookup(id)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), op.Payload...), nil
}

// MarkSucceeded removes a delivered operation.
func (q *Queue) MarkSucceeded(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.lookup(id); err != nil {
		return err
	}
	delete(q.ops, id)
	q.remember(id)
	if err := q.store.Delete(ctx, id); err != nil {
		q.logger.Error().Err(err).Str("id", id).Msg("failed to delete delivered record")
	}
	return nil
}

func (q *Queue) remember(id string) {
	if _, ok := q.delivered[id]; !ok {
		q.deliveredOrder = append(q.deliveredOrder, id)
	}
	q.delivered[id] = q.opts.Now()
	for len(q.deliveredOrder) > q.opts.DeliveredMemory {
		delete(q.delivered, q.deliveredOrder[0])
		q.deliveredOrder = q.deliveredOrder[1:]
	}
}

// MarkFailed parks an in-flight operation until it is retried or discarded.
// A failed operation blocks the rest of its conversation.
func (q *Queue) MarkFailed(ctx context.Context, id string, info models.FailureInfo) error {
	q.mu.Lock()
	op, err := q.lookup(id)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if info.At.IsZero() {
		info.At = q.opts.Now()
	}
	op.Status = models.StatusFailed
	op.LastError = &info
	op.UpdatedAt = q.opts.Now()
	q.persistOrLog(ctx, op)

	var data []byte
	if q.opts.DeadLetter != nil {
		data, _ = json.Marshal(op)
	}
	q.mu.Unlock()

	if data != nil {
		if err := q.opts.DeadLetter.PushFailed(ctx, id, data); err != nil {
			q.logger.Warn().Err(err).Str("id", id).Msg("dead letter push failed")
		}
	}
	return nil
}

// ReturnToPending releases an in-flight operation without consuming its
// queue position, e.g. when its circuit is open or the pass was cancelled.
func (q *Queue) ReturnToPending(ctx context.Context, id string, info *models.FailureInfo) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.lookup(id)
	if err != nil {
		return err
	}
	if op.Status != models.StatusInFlight {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, op.Status)
	}
	op.Status = models.StatusPending
	if info != nil {
		le := *info
		if le.At.IsZero() {
			le.At = q.opts.Now()
		}
		op.LastError = &le
	}
	op.UpdatedAt = q.opts.Now()
	q.persistOrLog(ctx, op)
	return nil
}

// Retry moves a failed operation back to pending with a fresh attempt
// budget. Only explicit user action calls this.
func (q *Queue) Retry(ctx context.Context, id string) (models.QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.lookup(id)
	if err != nil {
		return models.QueuedOperation{}, err
	}
	if op.Status != models.StatusFailed {
		return models.QueuedOperation{}, fmt.Errorf("%w: %s is %s", ErrNotFailed, id, op.Status)
	}

	updated := op.Clone()
	updated.Status = models.StatusPending
	updated.AttemptCount = 0
	updated.UpdatedAt = q.opts.Now()
	if err := q.persist(ctx, &updated); err != nil {
		return models.QueuedOperation{}, fmt.Errorf("retry %s: %w", id, err)
	}
	*op = updated
	return op.Clone(), nil
}

// Discard drops an operation that is not currently in flight.
func (q *Queue) Discard(ctx context.Context, id string) (models.QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.lookup(id)
	if err != nil {
		return models.QueuedOperation{}, err
	}
	if op.Status == models.StatusInFlight {
		return models.QueuedOperation{}, fmt.Errorf("%w: %s", ErrInFlight, id)
	}
	if err := q.store.Delete(ctx, id); err != nil {
		return models.QueuedOperation{}, fmt.Errorf("discard %s: %w", id, err)
	}
	delete(q.ops, id)
	return op.Clone(), nil
}

// PurgeFailed drops failed operations last touched before olderThan ago.
// A non-positive olderThan keeps everything.
func (q *Queue) PurgeFailed(ctx context.Context, olderThan time.Duration) []string {
	if olderThan <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.opts.Now().Add(-olderThan)
	var purged []string
	for id, op := range q.ops {
		if op.Status != models.StatusFailed || !op.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := q.store.Delete(ctx, id); err != nil {
			q.logger.Warn().Err(err).Str("id", id).Msg("failed to purge expired record")
			continue
		}
		delete(q.ops, id)
		purged = append(purged, id)
	}
	sort.Strings(purged)
	if len(purged) > 0 {
		q.logger.Info().Int("count", len(purged)).Dur("retention", olderThan).Msg("purged expired failed operations")
	}
	return purged
}

func (q *Queue) Get(id string) (models.QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.lookup(id)
	if err != nil {
		return models.QueuedOperation{}, err
	}
	return op.Clone(), nil
}

// List returns every operation in queue order.
func (q *Queue) List() []models.QueuedOperation {
	return q.filter(func(*models.QueuedOperation) bool { return true })
}

// ListFailed returns failed operations in queue order.
func (q *Queue) ListFailed() []models.QueuedOperation {
	return q.filter(func(op *models.QueuedOperation) bool { return op.Status == models.StatusFailed })
}

func (q *Queue) filter(keep func(*models.QueuedOperation) bool) []models.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ops []*models.QueuedOperation
	for _, op := range q.ops {
		if keep(op) {
			ops = append(ops, op)
		}
	}
	sortOps(ops)

	out := make([]models.QueuedOperation, len(ops))
	for i, op := range ops {
		out[i] = op.Clone()
	}
	return out
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	groups := make(map[string][]*models.QueuedOperation)
	for _, op := range q.ops {
		switch op.Status {
		case models.StatusPending:
			s.Pending++
		case models.StatusInFlight:
			s.InFlight++
		case models.StatusFailed:
			s.Failed++
		}
		groups[op.ConversationKey] = append(groups[op.ConversationKey], op)
	}
	s.Total = len(q.ops)

	for _, ops := range groups {
		sortOps(ops)
		if ops[0].Status != models.StatusFailed {
			continue
		}
		held := 0
		for _, op := range ops[1:] {
			if op.Status == models.StatusPending {
				held++
			}
		}
		if held > 0 {
			s.BlockedConversations++
			s.Blocked += held
		}
	}
	return s
}

func sortOps(ops []*models.QueuedOperation) {
	sort.Slice(ops, func(i, j int) bool { return ops[i].Before(ops[j]) })
}
