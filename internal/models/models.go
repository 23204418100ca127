package models

import "time"

// CircuitStateName is the state of a per-kind circuit breaker.
type CircuitStateName string

const (
	CircuitClosed   CircuitStateName = "closed"
	CircuitOpen     CircuitStateName = "open"
	CircuitHalfOpen CircuitStateName = "half_open"
)

// CircuitState is a read-only snapshot of one breaker.
type CircuitState struct {
	Kind                OperationKind    `json:"kind"`
	State               CircuitStateName `json:"state"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	OpenedAt            time.Time        `json:"opened_at,omitempty"`
	Cooldown            time.Duration    `json:"cooldown"`
	Trips               int              `json:"trips"`
}

// DisplayState is what the UI renders for an in-flight write.
type DisplayState string

const (
	DisplayQueued  DisplayState = "queued"
	DisplaySending DisplayState = "sending"
	DisplaySent    DisplayState = "sent"
	DisplayFailed  DisplayState = "failed"
)

// OptimisticEntry is the UI-visible projection of a queued write.
type OptimisticEntry struct {
	OperationID   string         `json:"operation_id"`
	Kind          OperationKind  `json:"kind"`
	EntityType    string         `json:"entity_type,omitempty"`
	EntityID      string         `json:"entity_id,omitempty"`
	DisplayState  DisplayState   `json:"display_state"`
	LocalSnapshot map[string]any `json:"local_snapshot,omitempty"`
	TouchedFields []string       `json:"touched_fields,omitempty"`
	Stale         bool           `json:"stale"`
	FailureReason string         `json:"failure_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (e *OptimisticEntry) Clone() OptimisticEntry {
	c := *e
	c.LocalSnapshot = CloneFields(e.LocalSnapshot)
	if e.TouchedFields != nil {
		c.TouchedFields = append([]string(nil), e.TouchedFields...)
	}
	return c
}

// ConflictStatus tracks whether a divergence still needs a decision.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
)

// FieldDiff describes one diverging field of a pending conflict.
type FieldDiff struct {
	Field  string `json:"field"`
	Local  string `json:"local"`
	Server string `json:"server"`
	Patch  string `json:"patch"`
}

// SyncConflict is a divergence between optimistic local state and an
// authoritative server value that no fixed policy could reconcile.
type SyncConflict struct {
	ID                 string         `json:"id"`
	EntityID           string         `json:"entity_id"`
	EntityType         string         `json:"entity_type"`
	LocalValue         map[string]any `json:"local_value,omitempty"`
	ServerValue        map[string]any `json:"server_value,omitempty"`
	ResolutionStrategy string         `json:"resolution_strategy"`
	Status             ConflictStatus `json:"status"`
	Diffs              []FieldDiff    `json:"diffs,omitempty"`
	Error              string         `json:"error,omitempty"`
	DetectedAt         time.Time      `json:"detected_at"`
	ResolvedAt         time.Time      `json:"resolved_at,omitempty"`
}

func (c *SyncConflict) Clone() SyncConflict {
	out := *c
	out.LocalValue = CloneFields(c.LocalValue)
	out.ServerValue = CloneFields(c.ServerValue)
	if c.Diffs != nil {
		out.Diffs = append([]FieldDiff(nil), c.Diffs...)
	}
	return out
}

// EntityUpdate is an authoritative value delivered by the server push
// channel. Fields may be empty when only Raw was received; the resolver
// decodes Raw in that case.
type EntityUpdate struct {
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	OperationID string         `json:"operation_id,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	Raw         []byte         `json:"-"`
	ReceivedAt  time.Time      `json:"received_at"`
}

// CloneFields copies the top level of a field map.
func CloneFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
