package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"outpost/internal/domain"
	"outpost/internal/failure"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const maxErrorBody = 4 << 10

// HTTPStore submits writes to the backend's REST endpoint. The backend
// deduplicates on the Idempotency-Key header, so replays are safe.
type HTTPStore struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPStore builds a store rooted at baseURL. A nil client uses a
// default one without a timeout; attempt deadlines come from ctx.
func NewHTTPStore(baseURL string, client *http.Client, logger zerolog.Logger) *HTTPStore {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger.With().Str("component", "remote_http").Logger(),
	}
}

type writeBody struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	ConversationKey string          `json:"conversation_key"`
	EntityType      string          `json:"entity_type,omitempty"`
	EntityID        string          `json:"entity_id,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	PayloadText     string          `json:"payload_text,omitempty"`
}

func (s *HTTPStore) SubmitWrite(ctx context.Context, req domain.WriteRequest) error {
	body := writeBody{
		ID:              req.ID,
		Kind:            string(req.Kind),
		ConversationKey: req.ConversationKey,
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
	}
	if len(req.Payload) > 0 {
		if gjson.ValidBytes(req.Payload) {
			body.Payload = req.Payload
		} else {
			body.PayloadText = string(req.Payload)
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return failure.Fatal(failure.ErrMalformed, "encode write: "+err.Error())
	}

	url := fmt.Sprintf("%s/v1/writes/%s", s.baseURL, req.Kind)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return failure.Fatal(failure.ErrMalformed, "build request: "+err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.ID)
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("submit %s: %w", req.ID, ctx.Err())
		}
		return failure.Retryable(fmt.Errorf("%w: %v", failure.ErrConnectionLost, err), "")
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err := statusError(resp, respBody, time.Now()); err != nil {
		s.logger.Debug().
			Str("operation_id", req.ID).
			Int("status", resp.StatusCode).
			Err(err).
			Msg("write rejected")
		return err
	}
	return nil
}

// statusError maps an HTTP response onto the failure taxonomy. 409 means
// the backend already holds this idempotency key and counts as success.
func statusError(resp *http.Response, body []byte, now time.Time) error {
	code := resp.StatusCode
	if code < 300 || code == http.StatusConflict {
		return nil
	}

	msg := gjson.GetBytes(body, "error").String()
	if msg == "" {
		msg = http.StatusText(code)
	}

	switch {
	case code == http.StatusTooManyRequests:
		return failure.RateLimited(retryAfter(resp.Header.Get("Retry-After"), now), msg)
	case code == http.StatusRequestTimeout:
		return failure.Retryable(failure.ErrTimeout, msg)
	case code >= 500:
		e := failure.Retryable(failure.ErrUnavailable, msg)
		e.RetryAfter = retryAfter(resp.Header.Get("Retry-After"), now)
		return e
	case code == http.StatusUnauthorized:
		if gjson.GetBytes(body, "code").String() == "token_expired" {
			return failure.Fatal(failure.ErrTokenExpired, msg)
		}
		return failure.Fatal(failure.ErrUnauthenticated, msg)
	case code == http.StatusForbidden:
		return failure.Fatal(failure.ErrPermissionDenied, msg)
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return failure.Fatal(failure.ErrMalformed, msg)
	case code == http.StatusNotFound:
		return failure.Fatal(failure.ErrNotFound, msg)
	default:
		return failure.Fatal(failure.ErrRejected, msg)
	}
}

// retryAfter parses delta-seconds or an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
