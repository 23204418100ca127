package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"outpost/internal/breaker"
	"outpost/internal/domain"
	"outpost/internal/failure"
	"outpost/internal/metrics"
	"outpost/internal/models"
	"outpost/internal/optimistic"
	"outpost/internal/outbox"
	"outpost/internal/reachability"
	"outpost/internal/retry"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config tunes the drain loop. Zero values take the package defaults.
type Config struct {
	Interval    time.Duration
	Concurrency int
	Policies    map[models.OperationKind]retry.Policy
	// RateLimit caps attempts per second across all kinds; 0 disables it.
	RateLimit float64
	RateBurst int
	// SentGrace is how long a Sent entry waits for its server echo.
	SentGrace time.Duration
	// Retention drops failed operations older than this; 0 keeps them.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = models.DefaultDrainInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = models.DefaultConcurrency
	}
	if c.SentGrace <= 0 {
		c.SentGrace = models.DefaultSentGrace
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	return c
}

// Deps are the collaborators a Processor drives. Monitor and Tokens are
// optional; without a monitor the processor assumes it is online.
type Deps struct {
	Queue    *outbox.Queue
	Breakers *breaker.Registry
	Executor *retry.Executor
	Monitor  *reachability.Monitor
	Tracker  *optimistic.Tracker
	Remote   domain.RemoteStore
	Tokens   domain.TokenSource
}

// Stats are cumulative counters since start.
type Stats struct {
	Passes    int64     `json:"passes"`
	Succeeded int64     `json:"succeeded"`
	Failed    int64     `json:"failed"`
	Deferred  int64     `json:"deferred"`
	Skipped   int64     `json:"skipped_offline"`
	LastPass  time.Time `json:"last_pass,omitempty"`
	Draining  bool      `json:"draining"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSucceeded
	outcomeFailed
	outcomeDeferred
)

// Processor drains the outbound queue. A single goroutine owns the drain
// loop so at most one pass runs at a time; triggers that arrive during a
// pass collapse into one follow-up pass.
type Processor struct {
	cfg     Config
	deps    Deps
	limiter *rate.Limiter
	trigger chan struct{}
	logger  zerolog.Logger

	mu    sync.Mutex
	stats Stats
}

func NewProcessor(cfg Config, deps Deps, logger zerolog.Logger) (*Processor, error) {
	if deps.Queue == nil || deps.Breakers == nil || deps.Executor == nil || deps.Tracker == nil || deps.Remote == nil {
		return nil, errors.New("processor: queue, breakers, executor, tracker and remote are required")
	}
	cfg = cfg.withDefaults()

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &Processor{
		cfg:     cfg,
		deps:    deps,
		limiter: rate.NewLimiter(limit, cfg.RateBurst),
		trigger: make(chan struct{}, 1),
		logger:  logger.With().Str("component", "processor").Logger(),
	}, nil
}

// Trigger requests a drain pass. It never blocks.
func (p *Processor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Processor) online() bool {
	if p.deps.Monitor == nil {
		return true
	}
	return p.deps.Monitor.Current().Online
}

func (p *Processor) backoffFactor() float64 {
	if p.deps.Monitor == nil {
		return 1
	}
	return p.deps.Monitor.Current().Quality.Effective().BackoffFactor()
}

// Run drives the processor until ctx is cancelled. It drains once at
// start, on every offline to online transition, on every tick and on
// Trigger.
func (p *Processor) Run(ctx context.Context) error {
	var updates <-chan reachability.Status
	if p.deps.Monitor != nil {
		ch, unsubscribe := p.deps.Monitor.Subscribe()
		defer unsubscribe()
		updates = ch
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	wasOnline := p.online()
	p.Trigger()

	p.logger.Info().
		Dur("interval", p.cfg.Interval).
		Int("concurrency", p.cfg.Concurrency).
		Msg("processor started")
	defer p.logger.Info().Msg("processor stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if st.Online && !wasOnline {
				p.Trigger()
			}
			wasOnline = st.Online
		case <-ticker.C:
			p.housekeeping(ctx)
			p.Trigger()
		case <-p.trigger:
			p.Drain(ctx)
		}
	}
}

// housekeeping applies retention to failed operations and forgets Sent
// entries whose confirmation never arrived.
func (p *Processor) housekeeping(ctx context.Context) {
	if purged := p.deps.Queue.PurgeFailed(ctx, p.cfg.Retention); len(purged) > 0 {
		for _, id := range purged {
			if _, err := p.deps.Tracker.Discard(id); err != nil {
				p.logger.Debug().Err(err).Str("operation_id", id).Msg("discard purged entry")
			}
		}
		p.logger.Info().Int("count", len(purged)).Msg("purged expired failed operations")
	}
	if pruned := p.deps.Tracker.PruneSent(p.cfg.SentGrace); len(pruned) > 0 {
		p.logger.Debug().Int("count", len(pruned)).Msg("pruned unconfirmed sent entries")
	}
	p.exportDepth()
}

func (p *Processor) exportDepth() {
	s := p.deps.Queue.Stats()
	metrics.SetQueueDepth(map[string]int{
		string(models.StatusPending):  s.Pending,
		string(models.StatusInFlight): s.InFlight,
		string(models.StatusFailed):   s.Failed,
	})
}

// Drain runs one pass synchronously. Run calls it from its own goroutine;
// callers outside Run must not overlap calls.
//
// Every conversation with a ready head gets one worker that delivers its
// operations in order until the conversation is empty, blocked or
// deferred. At most Concurrency workers run at once, and a freed slot goes
// to the next waiting conversation, so a slow conversation never holds up
// the others.
func (p *Processor) Drain(ctx context.Context) {
	if !p.online() {
		p.mu.Lock()
		p.stats.Skipped++
		p.mu.Unlock()
		p.logger.Debug().Msg("offline, skipping drain")
		return
	}

	start := time.Now()
	p.setDraining(true)
	defer p.setDraining(false)

	var succeeded, failed, deferred atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Concurrency)
	for _, head := range p.deps.Queue.DequeueNextBatch(1, p.deps.Breakers.Blocked) {
		if ctx.Err() != nil || !p.online() {
			break
		}
		g.Go(func() error {
			p.drainConversation(ctx, head, func(r outcome) {
				switch r {
				case outcomeSucceeded:
					succeeded.Add(1)
				case outcomeFailed:
					failed.Add(1)
				case outcomeDeferred:
					deferred.Add(1)
				}
			})
			return nil
		})
	}
	_ = g.Wait()

	elapsed := time.Since(start)
	metrics.ObserveDrain(elapsed)
	p.exportDepth()

	s, f, d := int(succeeded.Load()), int(failed.Load()), int(deferred.Load())
	p.mu.Lock()
	p.stats.Passes++
	p.stats.Succeeded += int64(s)
	p.stats.Failed += int64(f)
	p.stats.Deferred += int64(d)
	p.stats.LastPass = start
	p.mu.Unlock()

	if s+f+d > 0 {
		p.logger.Info().
			Int("succeeded", s).
			Int("failed", f).
			Int("deferred", d).
			Dur("took", elapsed).
			Msg("drain pass finished")
	}
}

// drainConversation delivers op and then each following head of its
// conversation while they succeed. A failed head stays put and blocks
// the conversation until it is retried or discarded.
func (p *Processor) drainConversation(ctx context.Context, op models.QueuedOperation, record func(outcome)) {
	key := op.ConversationKey
	seen := make(map[string]bool)
	for {
		seen[op.ID] = true
		r := p.process(ctx, op)
		record(r)
		if r != outcomeSucceeded || ctx.Err() != nil || !p.online() {
			return
		}
		next, ok := p.deps.Queue.NextInConversation(key, p.deps.Breakers.Blocked)
		if !ok || seen[next.ID] {
			return
		}
		op = next
	}
}

func (p *Processor) setDraining(v bool) {
	p.mu.Lock()
	p.stats.Draining = v
	p.mu.Unlock()
}

func (p *Processor) policyFor(kind models.OperationKind) retry.Policy {
	if pol, ok := p.cfg.Policies[kind]; ok {
		return pol.WithDefaults(retry.DefaultPolicy(kind))
	}
	return retry.DefaultPolicy(kind)
}

func (p *Processor) process(ctx context.Context, op models.QueuedOperation) outcome {
	log := p.logger.With().Str("operation_id", op.ID).Str("kind", string(op.Kind)).Logger()

	op, err := p.deps.Queue.MarkInFlight(ctx, op.ID)
	if err != nil {
		log.Warn().Err(err).Msg("could not claim operation")
		return outcomeSkipped
	}
	if _, err := p.deps.Tracker.MarkSending(op.ID); err != nil {
		log.Debug().Err(err).Msg("tracker sending")
	}

	policy := p.policyFor(op.Kind).Scaled(p.backoffFactor())
	res := p.deps.Executor.Execute(ctx, func(actx context.Context) error {
		// The local limiter still honours shutdown; the network call does not.
		if err := p.limiter.Wait(ctx); err != nil {
			return failure.Retryable(err, "rate limited locally")
		}
		return p.deps.Breakers.Execute(actx, op.Kind, func(actx context.Context) error {
			return p.submit(actx, op)
		})
	}, policy)

	return p.settle(ctx, op, res, log)
}

func (p *Processor) submit(ctx context.Context, op models.QueuedOperation) error {
	attempt, err := p.deps.Queue.RecordAttempt(ctx, op.ID)
	if err != nil {
		return failure.Fatal(err, "operation vanished")
	}
	metrics.IncAttempt(string(op.Kind))

	payload, err := p.deps.Queue.Payload(op.ID)
	if err != nil {
		return failure.Fatal(err, "operation vanished")
	}

	var token string
	if p.deps.Tokens != nil {
		if token, err = p.deps.Tokens.Token(ctx); err != nil {
			return fmt.Errorf("token: %w", err)
		}
	}

	p.logger.Debug().Str("operation_id", op.ID).Int("attempt", attempt).Msg("submitting")
	return p.deps.Remote.SubmitWrite(ctx, domain.WriteRequest{
		ID:              op.ID,
		Kind:            op.Kind,
		Payload:         payload,
		ConversationKey: op.ConversationKey,
		EntityType:      op.EntityType,
		EntityID:        op.EntityID,
		Token:           token,
	})
}

// settle records the terminal state of one pass over op. It runs on a
// context detached from cancellation so a shutdown never strands an
// operation in flight.
func (p *Processor) settle(ctx context.Context, op models.QueuedOperation, res retry.Result, log zerolog.Logger) outcome {
	sctx := context.WithoutCancel(ctx)
	kind := string(op.Kind)

	switch {
	case res.OK():
		if err := p.deps.Queue.MarkSucceeded(sctx, op.ID); err != nil {
			log.Error().Err(err).Msg("mark succeeded")
		}
		if _, err := p.deps.Tracker.MarkSent(op.ID); err != nil {
			log.Debug().Err(err).Msg("tracker sent")
		}
		metrics.IncDelivery(kind, "succeeded")
		log.Debug().Int("attempts", res.Attempts).Msg("delivered")
		return outcomeSucceeded

	case res.Canceled || res.Class == failure.ClassCircuitOpen:
		var info *models.FailureInfo
		if res.Class == failure.ClassCircuitOpen {
			info = &models.FailureInfo{Class: res.Class.String(), Reason: failure.Reason(res.Err)}
		}
		if err := p.deps.Queue.ReturnToPending(sctx, op.ID, info); err != nil {
			log.Error().Err(err).Msg("return to pending")
		}
		if _, err := p.deps.Tracker.MarkQueued(op.ID); err != nil {
			log.Debug().Err(err).Msg("tracker queued")
		}
		metrics.IncDelivery(kind, "requeued")
		return outcomeDeferred

	default:
		class, reason := failure.Describe(res.Err)
		if res.Exhausted {
			class = "exhausted"
		}
		if err := p.deps.Queue.MarkFailed(sctx, op.ID, models.FailureInfo{Class: class, Reason: reason}); err != nil {
			log.Error().Err(err).Msg("mark failed")
		}
		if _, err := p.deps.Tracker.MarkFailed(op.ID, reason); err != nil {
			log.Debug().Err(err).Msg("tracker failed")
		}
		metrics.IncDelivery(kind, "failed")
		log.Warn().
			Err(res.Err).
			Int("attempts", res.Attempts).
			Str("class", class).
			Msg("operation failed")
		return outcomeFailed
	}
}
