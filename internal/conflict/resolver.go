package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"outpost/internal/domain"
	"outpost/internal/events"
	"outpost/internal/metrics"
	"outpost/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/tidwall/gjson"
)

// Resolution strategies, fixed per entity type.
const (
	StrategyServerWins = "server_wins"
	StrategyFieldMerge = "field_merge"
	StrategyManual     = "manual"
)

// Choices accepted by ResolveConflict.
const (
	ChoiceLocal  = "local"
	ChoiceServer = "server"
)

var (
	ErrMalformedUpdate  = errors.New("malformed server update")
	ErrConflictNotFound = errors.New("conflict not found")
	ErrInvalidChoice    = errors.New("choice must be local or server")
)

// Entries is the slice of the optimistic tracker the resolver drives.
type Entries interface {
	ForEntity(entityType, entityID string) []models.OptimisticEntry
	Confirm(id string) (models.OptimisticEntry, bool)
	MarkStale(id string) error
	SetSnapshot(id string, snapshot map[string]any) error
}

// StrategyFor returns the fixed policy for an entity type.
func StrategyFor(entityType string) string {
	switch entityType {
	case models.EntityMessage:
		return StrategyServerWins
	case models.EntityProfile:
		return StrategyFieldMerge
	default:
		return StrategyManual
	}
}

// Result describes what one server update did.
type Result struct {
	Strategy  string
	Merged    map[string]any
	Confirmed []string
	Conflict  *models.SyncConflict
}

// Resolver reconciles authoritative server pushes with optimistic local
// state. All state is guarded by mu; callers get copies.
type Resolver struct {
	mu        sync.Mutex
	entries   Entries
	events    domain.EventPublisher
	logger    zerolog.Logger
	now       func() time.Time
	latest    map[string]map[string]any
	merged    map[string]map[string]any
	conflicts map[string]*models.SyncConflict
	byEntity  map[string]string
}

type Option func(*Resolver)

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func NewResolver(entries Entries, publisher domain.EventPublisher, logger zerolog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		entries:   entries,
		events:    publisher,
		logger:    logger.With().Str("component", "conflict").Logger(),
		now:       time.Now,
		latest:    make(map[string]map[string]any),
		merged:    make(map[string]map[string]any),
		conflicts: make(map[string]*models.SyncConflict),
		byEntity:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func entityKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

// Handle applies one authoritative update. A malformed payload leaves the
// local value in place, flags the live entries stale and records a pending
// conflict; the returned error wraps ErrMalformedUpdate in that case.
func (r *Resolver) Handle(update models.EntityUpdate) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := entityKey(update.EntityType, update.EntityID)
	strategy := StrategyFor(update.EntityType)
	live := r.entries.ForEntity(update.EntityType, update.EntityID)

	server, err := decodeFields(update)
	if err != nil {
		if len(live) == 0 {
			r.logger.Warn().Err(err).Str("entity", key).Msg("dropping malformed update")
			return Result{Strategy: strategy}, err
		}
		return r.malformed(update, strategy, live, err), err
	}
	r.latest[key] = server

	if len(live) == 0 {
		return Result{Strategy: strategy}, nil
	}

	var res Result
	switch strategy {
	case StrategyServerWins:
		res = r.serverWins(update, server, live)
	case StrategyFieldMerge:
		res = r.fieldMerge(update, server, live)
	default:
		res = r.manual(update, server, live)
	}
	res.Strategy = strategy
	return res, nil
}

func decodeFields(update models.EntityUpdate) (map[string]any, error) {
	if update.Fields != nil {
		return models.CloneFields(update.Fields), nil
	}
	if len(update.Raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedUpdate)
	}
	if !gjson.ValidBytes(update.Raw) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedUpdate)
	}
	parsed := gjson.ParseBytes(update.Raw)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("%w: expected an object, got %s", ErrMalformedUpdate, parsed.Type)
	}
	fields, ok := parsed.Value().(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: undecodable object", ErrMalformedUpdate)
	}
	return fields, nil
}

func (r *Resolver) malformed(update models.EntityUpdate, strategy string, live []models.OptimisticEntry, cause error) Result {
	for _, e := range live {
		if err := r.entries.MarkStale(e.OperationID); err != nil {
			r.logger.Debug().Err(err).Str("operation_id", e.OperationID).Msg("mark stale")
		}
	}

	c := r.upsertConflict(update, strategy, localValue(live), nil)
	c.Error = cause.Error()
	c.Diffs = nil

	r.logger.Error().
		Err(cause).
		Str("entity_type", update.EntityType).
		Str("entity_id", update.EntityID).
		Str("conflict_id", c.ID).
		Msg("server update could not be resolved")
	metrics.IncResolution(strategy, "error")

	out := c.Clone()
	r.publishConflict(events.EventConflictDetected, out)
	return Result{Strategy: strategy, Conflict: &out}
}

// serverWins handles append-only entities: the server value is rendered
// and the entry for the confirmed operation id is dropped.
func (r *Resolver) serverWins(update models.EntityUpdate, server map[string]any, live []models.OptimisticEntry) Result {
	key := entityKey(update.EntityType, update.EntityID)
	r.merged[key] = server

	res := Result{Merged: models.CloneFields(server)}
	for _, e := range live {
		if confirms(update, e) {
			if _, ok := r.entries.Confirm(e.OperationID); ok {
				res.Confirmed = append(res.Confirmed, e.OperationID)
			}
		}
	}

	outcome := "applied"
	if len(res.Confirmed) > 0 {
		outcome = "confirmed"
	}
	metrics.IncResolution(StrategyServerWins, outcome)
	return res
}

// fieldMerge keeps locally touched fields from the live entries and takes
// every other field from the server.
func (r *Resolver) fieldMerge(update models.EntityUpdate, server map[string]any, live []models.OptimisticEntry) Result {
	key := entityKey(update.EntityType, update.EntityID)
	res := Result{}

	remaining := live[:0:0]
	for _, e := range live {
		if confirms(update, e) {
			if _, ok := r.entries.Confirm(e.OperationID); ok {
				res.Confirmed = append(res.Confirmed, e.OperationID)
			}
			continue
		}
		remaining = append(remaining, e)
	}

	merged := models.CloneFields(server)
	// Oldest first so the newest local edit of a field wins.
	for _, e := range remaining {
		for _, f := range e.TouchedFields {
			if v, ok := e.LocalSnapshot[f]; ok {
				merged[f] = v
			}
		}
	}
	for _, e := range remaining {
		if err := r.entries.SetSnapshot(e.OperationID, merged); err != nil {
			r.logger.Debug().Err(err).Str("operation_id", e.OperationID).Msg("set snapshot")
		}
	}

	r.merged[key] = merged
	res.Merged = models.CloneFields(merged)
	metrics.IncResolution(StrategyFieldMerge, "merged")
	return res
}

// manual surfaces a pending conflict whenever the local and server values
// differ. Matching values confirm the write.
func (r *Resolver) manual(update models.EntityUpdate, server map[string]any, live []models.OptimisticEntry) Result {
	local := localValue(live)
	diffs := diffFields(local, server)

	if len(diffs) == 0 {
		res := Result{Merged: models.CloneFields(server)}
		for _, e := range live {
			if _, ok := r.entries.Confirm(e.OperationID); ok {
				res.Confirmed = append(res.Confirmed, e.OperationID)
			}
		}
		r.merged[entityKey(update.EntityType, update.EntityID)] = server
		r.dropConflict(update.EntityType, update.EntityID)
		metrics.IncResolution(StrategyManual, "identical")
		return res
	}

	c := r.upsertConflict(update, StrategyManual, local, server)
	c.Diffs = diffs
	c.Error = ""

	r.logger.Info().
		Str("entity_type", update.EntityType).
		Str("entity_id", update.EntityID).
		Str("conflict_id", c.ID).
		Int("fields", len(diffs)).
		Msg("conflict pending")
	metrics.IncResolution(StrategyManual, "pending")

	out := c.Clone()
	r.publishConflict(events.EventConflictDetected, out)
	return Result{Conflict: &out}
}

func (r *Resolver) upsertConflict(update models.EntityUpdate, strategy string, local, server map[string]any) *models.SyncConflict {
	key := entityKey(update.EntityType, update.EntityID)
	if id, ok := r.byEntity[key]; ok {
		c := r.conflicts[id]
		c.LocalValue = models.CloneFields(local)
		if server != nil {
			c.ServerValue = models.CloneFields(server)
		}
		return c
	}

	c := &models.SyncConflict{
		ID:                 uuid.NewString(),
		EntityID:           update.EntityID,
		EntityType:         update.EntityType,
		LocalValue:         models.CloneFields(local),
		ServerValue:        models.CloneFields(server),
		ResolutionStrategy: strategy,
		Status:             models.ConflictPending,
		DetectedAt:         r.now(),
	}
	r.conflicts[c.ID] = c
	r.byEntity[key] = c.ID
	return c
}

func (r *Resolver) dropConflict(entityType, entityID string) {
	key := entityKey(entityType, entityID)
	if id, ok := r.byEntity[key]; ok {
		delete(r.conflicts, id)
		delete(r.byEntity, key)
	}
}

// ResolveConflict settles a pending conflict with the local or the server
// value. The conflict is removed and its resolved form returned.
func (r *Resolver) ResolveConflict(id, choice string) (models.SyncConflict, error) {
	if choice != ChoiceLocal && choice != ChoiceServer {
		return models.SyncConflict{}, fmt.Errorf("%w: %q", ErrInvalidChoice, choice)
	}

	r.mu.Lock()
	c, ok := r.conflicts[id]
	if !ok {
		r.mu.Unlock()
		return models.SyncConflict{}, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}

	key := entityKey(c.EntityType, c.EntityID)
	chosen := c.LocalValue
	if choice == ChoiceServer {
		chosen = c.ServerValue
		if chosen == nil {
			chosen = r.latest[key]
		}
		for _, e := range r.entries.ForEntity(c.EntityType, c.EntityID) {
			if err := r.entries.SetSnapshot(e.OperationID, chosen); err != nil {
				r.logger.Debug().Err(err).Str("operation_id", e.OperationID).Msg("set snapshot")
			}
		}
	}
	r.merged[key] = models.CloneFields(chosen)

	c.Status = models.ConflictResolved
	c.ResolvedAt = r.now()
	out := c.Clone()
	delete(r.conflicts, id)
	delete(r.byEntity, key)
	r.mu.Unlock()

	r.logger.Info().Str("conflict_id", id).Str("choice", choice).Msg("conflict resolved")
	metrics.IncResolution(out.ResolutionStrategy, "resolved_"+choice)
	r.publishConflict(events.EventConflictResolved, out)
	return out, nil
}

// Conflicts returns copies of every pending conflict, oldest first.
func (r *Resolver) Conflicts() []models.SyncConflict {
	r.mu.Lock()
	out := make([]models.SyncConflict, 0, len(r.conflicts))
	for _, c := range r.conflicts {
		out = append(out, c.Clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Merged returns the last reconciled value for an entity.
func (r *Resolver) Merged(entityType, entityID string) (map[string]any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.merged[entityKey(entityType, entityID)]
	return models.CloneFields(v), ok
}

// Latest returns the last well-formed server value seen for an entity.
func (r *Resolver) Latest(entityType, entityID string) (map[string]any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.latest[entityKey(entityType, entityID)]
	return models.CloneFields(v), ok
}

func (r *Resolver) publishConflict(eventType string, c models.SyncConflict) {
	if r.events == nil {
		return
	}
	payload := events.ConflictEventPayload{
		ConflictID: c.ID,
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		Strategy:   c.ResolutionStrategy,
		Status:     string(c.Status),
	}
	if err := r.events.PublishJSON(eventType, payload); err != nil {
		r.logger.Warn().Err(err).Str("event", eventType).Msg("publish failed")
	}
}

// confirms reports whether the update acknowledges the entry's write.
func confirms(update models.EntityUpdate, e models.OptimisticEntry) bool {
	if update.OperationID != "" {
		return update.OperationID == e.OperationID
	}
	return update.EntityType == models.EntityMessage && update.EntityID == e.OperationID
}

// localValue folds the live snapshots oldest first.
func localValue(live []models.OptimisticEntry) map[string]any {
	out := make(map[string]any)
	for _, e := range live {
		for k, v := range e.LocalSnapshot {
			out[k] = v
		}
	}
	return out
}

func diffFields(local, server map[string]any) []models.FieldDiff {
	keys := make(map[string]struct{}, len(local)+len(server))
	for k := range local {
		keys[k] = struct{}{}
	}
	for k := range server {
		keys[k] = struct{}{}
	}
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)

	dmp := diffmatchpatch.New()
	var diffs []models.FieldDiff
	for _, name := range names {
		l, s := valueText(local[name]), valueText(server[name])
		if l == s {
			continue
		}
		diffs = append(diffs, models.FieldDiff{
			Field:  name,
			Local:  l,
			Server: s,
			Patch:  dmp.PatchToText(dmp.PatchMake(l, s)),
		})
	}
	return diffs
}

func valueText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
