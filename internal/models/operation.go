package models

import "time"

// OperationKind selects the retry policy and circuit breaker for a write.
type OperationKind string

const (
	KindSendMessage OperationKind = "send_message"
	KindMarkRead    OperationKind = "mark_read"
	KindOther       OperationKind = "other"
)

// Kinds lists every known kind in a stable order.
var Kinds = []OperationKind{KindSendMessage, KindMarkRead, KindOther}

func (k OperationKind) Valid() bool {
	switch k {
	case KindSendMessage, KindMarkRead, KindOther:
		return true
	default:
		return false
	}
}

// OperationStatus is the durable lifecycle state of a queued write.
type OperationStatus string

const (
	StatusPending   OperationStatus = "pending"
	StatusInFlight  OperationStatus = "in_flight"
	StatusSucceeded OperationStatus = "succeeded"
	StatusFailed    OperationStatus = "failed"
)

// FailureInfo records the last observed failure of an operation.
type FailureInfo struct {
	Class  string    `json:"class"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// QueuedOperation is one durable unit of outbound work. ID is the client
// generated idempotency key and stays stable across retries and restarts.
type QueuedOperation struct {
	ID              string          `json:"id"`
	Kind            OperationKind   `json:"kind"`
	Payload         []byte          `json:"payload"`
	ConversationKey string          `json:"conversation_key"`
	EntityType      string          `json:"entity_type,omitempty"`
	EntityID        string          `json:"entity_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Seq             uint64          `json:"seq"`
	AttemptCount    int             `json:"attempt_count"`
	LastError       *FailureInfo    `json:"last_error,omitempty"`
	Status          OperationStatus `json:"status"`
}

// Clone returns a deep copy safe to hand to readers.
func (o *QueuedOperation) Clone() QueuedOperation {
	c := *o
	if o.Payload != nil {
		c.Payload = append([]byte(nil), o.Payload...)
	}
	if o.LastError != nil {
		le := *o.LastError
		c.LastError = &le
	}
	return c
}

// Before reports whether o is ordered ahead of other within a conversation.
func (o *QueuedOperation) Before(other *QueuedOperation) bool {
	if !o.CreatedAt.Equal(other.CreatedAt) {
		return o.CreatedAt.Before(other.CreatedAt)
	}
	return o.Seq < other.Seq
}
