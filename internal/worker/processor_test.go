package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"outpost/internal/breaker"
	"outpost/internal/domain"
	"outpost/internal/failure"
	"outpost/internal/models"
	"outpost/internal/optimistic"
	"outpost/internal/outbox"
	"outpost/internal/reachability"
	"outpost/internal/repository"
	"outpost/internal/retry"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	mu      sync.Mutex
	calls   []domain.WriteRequest
	perID   map[string]int
	respond func(ctx context.Context, req domain.WriteRequest, n int) error
}

func (f *fakeRemote) SubmitWrite(ctx context.Context, req domain.WriteRequest) error {
	f.mu.Lock()
	if f.perID == nil {
		f.perID = make(map[string]int)
	}
	f.perID[req.ID]++
	n := f.perID[req.ID]
	f.calls = append(f.calls, req)
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return nil
	}
	return respond(ctx, req, n)
}

func (f *fakeRemote) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.ID)
	}
	return out
}

func (f *fakeRemote) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perID[id]
}

type tokenFunc func(ctx context.Context) (string, error)

func (t tokenFunc) Token(ctx context.Context) (string, error) { return t(ctx) }

type harness struct {
	queue     *outbox.Queue
	tracker   *optimistic.Tracker
	breakers  *breaker.Registry
	monitor   *reachability.Monitor
	remote    *fakeRemote
	processor *Processor
	clock     *time.Time
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts:    attempts,
		BaseDelay:      time.Millisecond,
		MaxDelay:       time.Millisecond,
		Multiplier:     2,
		AttemptTimeout: time.Second,
	}
}

func newHarness(t *testing.T, cfg Config, brCfg breaker.Config, tokens domain.TokenSource) *harness {
	t.Helper()
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	q, err := outbox.Open(context.Background(), repository.NewMemoryStore(), outbox.Options{Now: now}, zerolog.Nop())
	require.NoError(t, err)

	if brCfg.FailureThreshold == 0 {
		brCfg.FailureThreshold = 10
	}
	h := &harness{
		queue:    q,
		tracker:  optimistic.NewTracker(nil, zerolog.Nop(), optimistic.WithClock(now)),
		breakers: breaker.NewRegistry(brCfg, zerolog.Nop()),
		monitor:  reachability.NewMonitor(nil, time.Hour, zerolog.Nop()),
		remote:   &fakeRemote{},
		clock:    &clock,
	}
	h.monitor.Update(reachability.Status{Online: true, Quality: reachability.QualityGood})

	if cfg.Policies == nil {
		cfg.Policies = map[models.OperationKind]retry.Policy{
			models.KindSendMessage: fastPolicy(5),
			models.KindMarkRead:    fastPolicy(3),
			models.KindOther:       fastPolicy(3),
		}
	}

	exec := retry.NewExecutor(retry.WithSleep(func(ctx context.Context, d time.Duration) error {
		return ctx.Err()
	}))
	p, err := NewProcessor(cfg, Deps{
		Queue:    q,
		Breakers: h.breakers,
		Executor: exec,
		Monitor:  h.monitor,
		Tracker:  h.tracker,
		Remote:   h.remote,
		Tokens:   tokens,
	}, zerolog.Nop())
	require.NoError(t, err)
	h.processor = p
	return h
}

func (h *harness) submit(t *testing.T, id string, kind models.OperationKind, conv string) {
	t.Helper()
	op, err := h.queue.Enqueue(context.Background(), models.QueuedOperation{
		ID:              id,
		Kind:            kind,
		ConversationKey: conv,
		Payload:         []byte(`{"id":"` + id + `"}`),
	})
	require.NoError(t, err)
	h.tracker.Track(op, nil, nil)
}

func (h *harness) display(t *testing.T, id string) models.DisplayState {
	t.Helper()
	e, ok := h.tracker.Get(id)
	require.True(t, ok, "no entry for %s", id)
	return e.DisplayState
}

func TestNewProcessorRequiresDeps(t *testing.T) {
	_, err := NewProcessor(Config{}, Deps{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestDrainDeliversPerConversationInOrder(t *testing.T) {
	h := newHarness(t, Config{}, breaker.Config{}, nil)
	h.submit(t, "a1", models.KindSendMessage, "conv-a")
	h.submit(t, "a2", models.KindSendMessage, "conv-a")
	h.submit(t, "b1", models.KindMarkRead, "conv-b")

	h.processor.Drain(context.Background())

	ids := h.remote.ids()
	require.Len(t, ids, 3)
	assert.Less(t, indexOf(ids, "a1"), indexOf(ids, "a2"))
	assert.Equal(t, 0, h.queue.Stats().Total)
	for _, id := range []string{"a1", "a2", "b1"} {
		assert.Equal(t, models.DisplaySent, h.display(t, id))
	}

	st := h.processor.Stats()
	assert.Equal(t, int64(1), st.Passes)
	assert.Equal(t, int64(3), st.Succeeded)
	assert.False(t, st.Draining)
}

func TestDrainRetriesTransientFailures(t *testing.T) {
	h := newHarness(t, Config{}, breaker.Config{}, nil)
	h.remote.respond = func(ctx context.Context, req domain.WriteRequest, n int) error {
		if n <= 2 {
			return failure.Retryable(failure.ErrTimeout, "")
		}
		return nil
	}
	h.submit(t, "msg-42", models.KindSendMessage, "conv-1")

	h.processor.Drain(context.Background())

	assert.Equal(t, 3, h.remote.count("msg-42"))
	_, err := h.queue.Get("msg-42")
	assert.ErrorIs(t, err, outbox.ErrOperationNotFound)
	assert.Equal(t, models.DisplaySent, h.display(t, "msg-42"))
}

func TestDrainFatalFailureBlocksConversation(t *testing.T) {
	h := newHarness(t, Config{}, breaker.Config{}, nil)
	h.remote.respond = func(ctx context.Context, req domain.WriteRequest, n int) error {
		if req.ID == "a1" {
			return failure.Fatal(failure.ErrPermissionDenied, "not a member")
		}
		return nil
	}
	h.submit(t, "a1", models.KindSendMessage, "conv-a")
	h.submit(t, "a2", models.KindSendMessage, "conv-a")
	h.submit(t, "b1", models.KindSendMessage, "conv-b")

	h.processor.Drain(context.Background())

	assert.Equal(t, 1, h.remote.count("a1"))
	assert.Equal(t, 0, h.remote.count("a2"))
	assert.Equal(t, 1, h.remote.count("b1"))

	op, err := h.queue.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, op.Status)
	require.NotNil(t, op.LastError)
	assert.Equal(t, "fatal", op.LastError.Class)
	assert.Equal(t, "not a member", op.LastError.Reason)

	entry, _ := h.tracker.Get("a1")
	assert.Equal(t, models.DisplayFailed, entry.DisplayState)
	assert.Equal(t, "not a member", entry.FailureReason)
	assert.Equal(t, models.DisplayQueued, h.display(t, "a2"))
}

func TestDrainExhaustsRetries(t *testing.T) {
	h := newHarness(t, Config{}, breaker.Config{}, nil)
	h.remote.respond = func(ctx context.Context, req domain.WriteRequest, n int) error {
		return failure.Retryable(failure.ErrUnavailable, "")
	}
	h.submit(t, "r1", models.KindMarkRead, "conv-r")

	h.processor.Drain(context.Background())

	assert.Equal(t, 3, h.remote.count("r1"))
	op, err := h.queue.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, op.Status)
	assert.Equal(t, "exhausted", op.LastError.Class)
	assert.Equal(t, 3, op.AttemptCount)
}

func TestDrainDefersWhenCircuitOpens(t *testing.T) {
	h := newHarness(t, Config{}, breaker.Config{FailureThreshold: 1, Cooldown: time.Hour}, nil)
	h.remote.respond = func(ctx context.Context, req domain.WriteRequest, n int) error {
		if req.Kind == models.KindMarkRead {
			return failure.Retryable(failure.ErrUnavailable, "")
		}
		return nil
	}
	h.submit(t, "r1", models.KindMarkRead, "conv-r")
	h.submit(t, "m1", models.KindSendMessage, "conv-m")

	h.processor.Drain(context.Background())

	assert.Equal(t, 1, h.remote.count("r1"))
	assert.True(t, h.breakers.IsOpen(models.KindMarkRead))

	op, err := h.queue.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, op.Status)
	require.NotNil(t, op.LastError)
	assert.Equal(t, "circuit_open", op.LastError.Class)
	assert.Equal(t, models.DisplayQueued, h.display(t, "r1"))
	assert.Equal(t, models.DisplaySent, h.display(t, "m1"))

	// The open circuit keeps the kind out of later passes.
	h.submit(t, "m2", models.KindSendMessage, "conv-m")
	h.processor.Drain(context.Background())
	assert.Equal(t, 1, h.remote.count("r1"))
	assert.Equal(t, 1, h.remote.count("m2"))
}

func TestDrainSkipsWhileOffline(t *testing.T) {
	h := newHarness(t, Config{}, breaker.Config{}, nil)
	h.monitor.Update(reachability.Status{Online: false})
	h.submit(t, "a1", models.KindSendMessage, "conv-a")

	h.processor.Drain(context.Background())

	assert.Empty(t, h.remote.ids())
	assert.Equal(t, int64(1), h.processor.Stats().Skipped)
	assert.Equal(t, models.DisplayQueued, h.display(t, "a1"))
}

func TestDrainTokenFailureIsFatal(t *testing.T) {
	tokens := tokenFunc(func(ctx context.Context) (string, error) {
		return "", failure.Fatal(failure.ErrTokenExpired, "session expired")
	})
	h := newHarness(t, Config{}, breaker.Config{}, tokens)
	h.submit(t, "a1", models.KindSendMessage, "conv-a")

	h.processor.Drain(context.Background())

	assert.Empty(t, h.remote.ids())
	op, err := h.queue.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, op.Status)
	assert.False(t, h.breakers.IsOpen(models.KindSendMessage))
}

func TestDrainCancelLetsRunningAttemptFinish(t *testing.T) {
	h := newHarness(t, Config{}, breaker.Config{}, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	h.remote.respond = func(ctx context.Context, req domain.WriteRequest, n int) error {
		close(started)
		<-release
		return ctx.Err()
	}
	h.submit(t, "a1", models.KindSendMessage, "conv-a")
	h.submit(t, "a2", models.KindSendMessage, "conv-a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.processor.Drain(ctx)
		close(done)
	}()

	<-started
	cancel()
	close(release)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("drain did not stop")
	}

	// The attempt saw a live context and its result was kept.
	_, err := h.queue.Get("a1")
	assert.ErrorIs(t, err, outbox.ErrOperationNotFound)
	assert.Equal(t, models.DisplaySent, h.display(t, "a1"))

	// Nothing new starts after cancellation.
	assert.Equal(t, 0, h.remote.count("a2"))
	op, err := h.queue.Get("a2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, op.Status)
	assert.Equal(t, models.DisplayQueued, h.display(t, "a2"))
	assert.Equal(t, 0, h.queue.Stats().InFlight)
}

func TestDrainCancelReturnsOperationToPending(t *testing.T) {
	h := newHarness(t, Config{}, breaker.Config{}, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	h.remote.respond = func(ctx context.Context, req domain.WriteRequest, n int) error {
		close(started)
		<-release
		return failure.Retryable(failure.ErrConnectionLost, "")
	}
	h.submit(t, "a1", models.KindSendMessage, "conv-a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.processor.Drain(ctx)
		close(done)
	}()

	<-started
	cancel()
	close(release)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("drain did not stop")
	}

	assert.Equal(t, 1, h.remote.count("a1"))
	op, err := h.queue.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, op.Status)
	assert.Equal(t, 1, op.AttemptCount)
	assert.Equal(t, models.DisplayQueued, h.display(t, "a1"))
}

func TestDrainRunsConversationsConcurrently(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 3}, breaker.Config{}, nil)

	var (
		mu      sync.Mutex
		active  = make(map[string]bool)
		current int
		peak    int
		overlap []string
	)
	h.remote.respond = func(ctx context.Context, req domain.WriteRequest, n int) error {
		mu.Lock()
		if active[req.ConversationKey] {
			overlap = append(overlap, req.ConversationKey)
		}
		active[req.ConversationKey] = true
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		delete(active, req.ConversationKey)
		current--
		mu.Unlock()
		return nil
	}

	var order [][]string
	for c := 0; c < 8; c++ {
		conv := fmt.Sprintf("conv-%d", c)
		ids := []string{conv + "-1"}
		if c%2 == 0 {
			ids = append(ids, conv+"-2")
		}
		for _, id := range ids {
			h.submit(t, id, models.KindSendMessage, conv)
		}
		order = append(order, ids)
	}

	h.processor.Drain(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, peak, 1)
	assert.LessOrEqual(t, peak, 3)
	assert.Empty(t, overlap)

	ids := h.remote.ids()
	assert.Len(t, ids, 12)
	assert.Equal(t, 0, h.queue.Stats().Total)
	for _, conv := range order {
		if len(conv) == 2 {
			assert.Less(t, indexOf(ids, conv[0]), indexOf(ids, conv[1]))
		}
	}
}

func TestDrainSlowConversationDoesNotStallOthers(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 2}, breaker.Config{}, nil)
	release := make(chan struct{})
	h.remote.respond = func(ctx context.Context, req domain.WriteRequest, n int) error {
		if req.ConversationKey == "conv-slow" {
			<-release
		}
		return nil
	}
	h.submit(t, "s1", models.KindSendMessage, "conv-slow")
	h.submit(t, "f1", models.KindSendMessage, "conv-fast")
	h.submit(t, "f2", models.KindSendMessage, "conv-fast")
	h.submit(t, "f3", models.KindSendMessage, "conv-fast")

	done := make(chan struct{})
	go func() {
		h.processor.Drain(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		return h.remote.count("f3") == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.remote.count("s1"))

	close(release)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("drain did not finish")
	}
	assert.Equal(t, 0, h.queue.Stats().Total)
	assert.Equal(t, int64(4), h.processor.Stats().Succeeded)
}

func TestRunDrainsWhenBackOnline(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Hour}, breaker.Config{}, nil)
	h.monitor.Update(reachability.Status{Online: false})
	h.submit(t, "a1", models.KindSendMessage, "conv-a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.processor.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.processor.Stats().Skipped >= 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.remote.ids())

	h.monitor.Update(reachability.Status{Online: true, Quality: reachability.QualityFair})
	require.Eventually(t, func() bool {
		return h.remote.count("a1") == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestTriggerCoalesces(t *testing.T) {
	h := newHarness(t, Config{}, breaker.Config{}, nil)
	h.processor.Trigger()
	h.processor.Trigger()
	h.processor.Trigger()
	assert.Len(t, h.processor.trigger, 1)
}

func TestHousekeepingPurgesExpiredFailures(t *testing.T) {
	h := newHarness(t, Config{Retention: time.Hour, SentGrace: time.Minute}, breaker.Config{}, nil)
	h.remote.respond = func(ctx context.Context, req domain.WriteRequest, n int) error {
		if req.ID == "bad" {
			return failure.Fatal(failure.ErrRejected, "")
		}
		return nil
	}
	h.submit(t, "bad", models.KindOther, "conv-x")
	h.submit(t, "good", models.KindOther, "conv-y")
	h.processor.Drain(context.Background())

	*h.clock = h.clock.Add(2 * time.Hour)
	h.processor.housekeeping(context.Background())

	_, err := h.queue.Get("bad")
	assert.ErrorIs(t, err, outbox.ErrOperationNotFound)
	_, ok := h.tracker.Get("bad")
	assert.False(t, ok)
	_, ok = h.tracker.Get("good")
	assert.False(t, ok, "unconfirmed sent entry should be pruned")
}

func TestPolicyScaledByQuality(t *testing.T) {
	h := newHarness(t, Config{}, breaker.Config{}, nil)
	h.monitor.Update(reachability.Status{Online: true, Quality: reachability.QualityPoor})
	assert.Equal(t, 2.0, h.processor.backoffFactor())
	h.monitor.Update(reachability.Status{Online: true, Quality: reachability.QualityUnknown})
	assert.Equal(t, 1.0, h.processor.backoffFactor())
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
