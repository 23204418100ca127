package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"outpost/internal/domain"
	"outpost/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	opEntityUpdate = "entity_update"
	opPing         = "ping"

	subscriptionBuffer = 64
	pushReadLimit      = 1 << 20
)

type subscription struct {
	entityType string
	entityID   string
	ch         chan models.EntityUpdate
	done       <-chan struct{}
}

func (s *subscription) matches(u models.EntityUpdate) bool {
	if s.entityType != "" && s.entityType != u.EntityType {
		return false
	}
	return s.entityID == "" || s.entityID == u.EntityID
}

// PushFeed is a websocket client for the server push channel. Run keeps
// one connection open, reconnecting with exponential backoff, and fans
// envelopes out to subscribers.
//
// Envelope: {"op":"entity_update","entity_type":..,"entity_id":..,
// "operation_id":..,"value":{...}}.
type PushFeed struct {
	url        string
	tokens     domain.TokenSource
	logger     zerolog.Logger
	newBackOff func() backoff.BackOff
	connected  atomic.Bool

	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
}

type PushOption func(*PushFeed)

// WithBackOff replaces the reconnect schedule.
func WithBackOff(fn func() backoff.BackOff) PushOption {
	return func(f *PushFeed) { f.newBackOff = fn }
}

func NewPushFeed(url string, tokens domain.TokenSource, logger zerolog.Logger, opts ...PushOption) *PushFeed {
	f := &PushFeed{
		url:    url,
		tokens: tokens,
		logger: logger.With().Str("component", "push_feed").Logger(),
		subs:   make(map[int]*subscription),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Subscribe returns updates for the entity until ctx ends, then closes the
// channel. Empty filters match everything.
func (f *PushFeed) Subscribe(ctx context.Context, entityType, entityID string) (<-chan models.EntityUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &subscription{
		entityType: entityType,
		entityID:   entityID,
		ch:         make(chan models.EntityUpdate, subscriptionBuffer),
		done:       ctx.Done(),
	}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = sub
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		close(sub.ch)
		f.mu.Unlock()
	}()

	return sub.ch, nil
}

func (f *PushFeed) Connected() bool {
	return f.connected.Load()
}

// Run connects and reads until ctx is cancelled.
func (f *PushFeed) Run(ctx context.Context) error {
	b := f.newBackOff()
	b.Reset()

	for {
		err := f.session(ctx, b)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("push feed gave up: %w", err)
		}
		f.logger.Warn().Err(err).Dur("retry_in", wait).Msg("push connection lost")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (f *PushFeed) session(ctx context.Context, b backoff.BackOff) error {
	header := http.Header{}
	if f.tokens != nil {
		token, err := f.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("push token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.Dial(ctx, f.url, &websocket.DialOptions{HTTPHeader: header}) //nolint:bodyclose // websocket.Dial closes the response body
	if err != nil {
		return fmt.Errorf("dialing push feed: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(pushReadLimit)

	f.connected.Store(true)
	defer f.connected.Store(false)
	b.Reset()
	f.logger.Info().Str("url", f.url).Msg("push feed connected")

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				conn.Close(websocket.StatusNormalClosure, "bye")
			}
			return fmt.Errorf("reading push feed: %w", err)
		}
		if typ != websocket.MessageText {
			f.logger.Debug().Int("bytes", len(data)).Msg("ignoring binary frame")
			continue
		}
		f.route(ctx, data)
	}
}

func (f *PushFeed) route(ctx context.Context, data []byte) {
	switch op := gjson.GetBytes(data, "op").Str; op {
	case opEntityUpdate:
		f.dispatch(ctx, decodeUpdate(data, time.Now()))
	case opPing:
	default:
		f.logger.Debug().Str("op", op).Msg("ignoring push message")
	}
}

// decodeUpdate leaves Fields empty; the resolver decodes Raw so that a
// malformed value surfaces as a conflict instead of being dropped here.
func decodeUpdate(data []byte, now time.Time) models.EntityUpdate {
	env := gjson.GetManyBytes(data, "entity_type", "entity_id", "operation_id", "value")
	u := models.EntityUpdate{
		EntityType:  env[0].String(),
		EntityID:    env[1].String(),
		OperationID: env[2].String(),
		ReceivedAt:  now,
	}
	if env[3].Exists() {
		u.Raw = []byte(env[3].Raw)
	}
	return u
}

func (f *PushFeed) dispatch(ctx context.Context, u models.EntityUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, sub := range f.subs {
		if !sub.matches(u) {
			continue
		}
		select {
		case sub.ch <- u:
		case <-sub.done:
		case <-ctx.Done():
			return
		}
	}
}
