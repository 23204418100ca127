package domain

import (
	"context"
	"errors"

	"outpost/internal/models"
)

// ErrRecordNotFound is returned by Store.Get for unknown ids.
var ErrRecordNotFound = errors.New("record not found")

// WriteRequest is what the remote data store receives for one attempt.
type WriteRequest struct {
	ID              string
	Kind            models.OperationKind
	Payload         []byte
	ConversationKey string
	EntityType      string
	EntityID        string
	Token           string
}

// RemoteStore accepts writes. Implementations return errors classifiable by
// the failure package; receivers deduplicate on ID.
type RemoteStore interface {
	SubmitWrite(ctx context.Context, req WriteRequest) error
}

// UpdateFeed streams authoritative entity values pushed by the server. An
// empty entityID subscribes to every entity of the type; an empty
// entityType subscribes to everything. The channel closes when ctx ends.
type UpdateFeed interface {
	Subscribe(ctx context.Context, entityType, entityID string) (<-chan models.EntityUpdate, error)
}

// TokenSource supplies the credential attached to each write.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Record is one persisted queue entry.
type Record struct {
	ID   string
	Data []byte
}

// Store is the key-value persistence used by the outbound queue.
type Store interface {
	Put(ctx context.Context, id string, data []byte) error
	Get(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
	ListAll(ctx context.Context) ([]Record, error)
}

// DeadLetter receives operations that ended in the failed state.
type DeadLetter interface {
	PushFailed(ctx context.Context, id string, data []byte) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
