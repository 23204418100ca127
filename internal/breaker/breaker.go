// Package breaker keeps one circuit per operation kind so a degraded
// backend is not hammered by a whole queue's worth of retries.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"outpost/internal/failure"
	"outpost/internal/metrics"
	"outpost/internal/models"

	"github.com/rs/zerolog"
)

// Config tunes every circuit in a registry.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Window           time.Duration `yaml:"window"`
	Cooldown         time.Duration `yaml:"cooldown"`
	MaxCooldown      time.Duration `yaml:"max_cooldown"`
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = models.DefaultFailureThreshold
	}
	if c.Window <= 0 {
		c.Window = models.DefaultFailureWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = models.DefaultCooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = models.DefaultMaxCooldown
		if c.MaxCooldown < c.Cooldown {
			c.MaxCooldown = c.Cooldown
		}
	}
	return c
}

// Outcome is what the caller reports back after an allowed call.
type Outcome int

const (
	// Neutral neither counts as a failure nor closes a half-open circuit.
	Neutral Outcome = iota
	Success
	Failure
)

// OutcomeOf maps an attempt error to a breaker outcome. Only retryable
// failures say anything about backend health.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return Success
	}
	if errors.Is(err, context.Canceled) {
		return Neutral
	}
	if failure.Classify(err) == failure.ClassRetryable {
		return Failure
	}
	return Neutral
}

type circuit struct {
	state       models.CircuitStateName
	failures    []time.Time
	openedAt    time.Time
	cooldown    time.Duration
	trips       int
	trialActive bool
}

// Registry owns the circuit-state map. All mutation happens under mu.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	now      func() time.Time
	circuits map[models.OperationKind]*circuit
	logger   zerolog.Logger
}

type Option func(*Registry)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRegistry(cfg Config, logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		circuits: make(map[models.OperationKind]*circuit),
		logger:   logger.With().Str("component", "breaker").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) get(kind models.OperationKind) *circuit {
	c, ok := r.circuits[kind]
	if !ok {
		c = &circuit{state: models.CircuitClosed, cooldown: r.cfg.Cooldown}
		r.circuits[kind] = c
	}
	return c
}

// Ticket is the permission for a single call. Done must be called once.
type Ticket struct {
	r     *Registry
	kind  models.OperationKind
	trial bool
	once  sync.Once
}

// Allow asks whether a call of kind may proceed. An open circuit returns an
// error wrapping failure.ErrCircuitOpen without contacting the backend.
func (r *Registry) Allow(kind models.OperationKind) (*Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(kind)
	now := r.now()

	switch c.state {
	case models.CircuitOpen:
		if now.Sub(c.openedAt) < c.cooldown {
			return nil, fmt.Errorf("%s: %w", kind, failure.ErrCircuitOpen)
		}
		r.transition(kind, c, models.CircuitHalfOpen)
		fallthrough
	case models.CircuitHalfOpen:
		if c.trialActive {
			return nil, fmt.Errorf("%s: trial in progress: %w", kind, failure.ErrCircuitOpen)
		}
		c.trialActive = true
		return &Ticket{r: r, kind: kind, trial: true}, nil
	default:
		return &Ticket{r: r, kind: kind}, nil
	}
}

// Done reports the outcome of the allowed call.
func (t *Ticket) Done(outcome Outcome) {
	if t == nil {
		return
	}
	t.once.Do(func() { t.r.record(t.kind, t.trial, outcome) })
}

func (r *Registry) record(kind models.OperationKind, trial bool, outcome Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(kind)
	now := r.now()

	if trial {
		c.trialActive = false
		switch outcome {
		case Success:
			c.failures = c.failures[:0]
			c.cooldown = r.cfg.Cooldown
			r.transition(kind, c, models.CircuitClosed)
		case Failure:
			c.cooldown *= 2
			if c.cooldown > r.cfg.MaxCooldown {
				c.cooldown = r.cfg.MaxCooldown
			}
			c.openedAt = now
			r.transition(kind, c, models.CircuitOpen)
		}
		return
	}

	if c.state != models.CircuitClosed {
		// Late result from a call admitted before the trip.
		return
	}

	switch outcome {
	case Success:
		c.failures = c.failures[:0]
	case Failure:
		c.failures = append(pruneBefore(c.failures, now.Add(-r.cfg.Window)), now)
		if len(c.failures) >= r.cfg.FailureThreshold {
			c.openedAt = now
			r.transition(kind, c, models.CircuitOpen)
		}
	}
}

func (r *Registry) transition(kind models.OperationKind, c *circuit, to models.CircuitStateName) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	if to == models.CircuitOpen {
		c.trips++
		metrics.IncCircuitTrip(string(kind))
	}
	metrics.SetCircuitState(string(kind), string(to))

	ev := r.logger.Info()
	if to == models.CircuitOpen {
		ev = r.logger.Warn()
	}
	ev.Str("kind", string(kind)).
		Str("from", string(from)).
		Str("to", string(to)).
		Dur("cooldown", c.cooldown).
		Msg("circuit state changed")
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return append(ts[:0], ts[i:]...)
}

// Execute runs fn behind the circuit for kind.
func (r *Registry) Execute(ctx context.Context, kind models.OperationKind, fn func(ctx context.Context) error) error {
	ticket, err := r.Allow(kind)
	if err != nil {
		return err
	}
	err = fn(ctx)
	ticket.Done(OutcomeOf(err))
	return err
}

// Blocked reports whether a call of kind would currently be refused.
// It does not move an expired open circuit to half-open.
func (r *Registry) Blocked(kind models.OperationKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.circuits[kind]
	if !ok {
		return false
	}
	switch c.state {
	case models.CircuitOpen:
		if r.now().Sub(c.openedAt) < c.cooldown {
			return true
		}
		return c.trialActive
	case models.CircuitHalfOpen:
		return c.trialActive
	default:
		return false
	}
}

// IsOpen reports whether kind is in the open state.
func (r *Registry) IsOpen(kind models.OperationKind) bool {
	return r.State(kind).State == models.CircuitOpen
}

// State returns a copy of the circuit for kind.
func (r *Registry) State(kind models.OperationKind) models.CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(kind, r.get(kind))
}

// Snapshot returns every known circuit.
func (r *Registry) Snapshot() []models.CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.CircuitState, 0, len(models.Kinds))
	for _, kind := range models.Kinds {
		out = append(out, r.snapshot(kind, r.get(kind)))
	}
	for kind, c := range r.circuits {
		if !kind.Valid() {
			out = append(out, r.snapshot(kind, c))
		}
	}
	return out
}

func (r *Registry) snapshot(kind models.OperationKind, c *circuit) models.CircuitState {
	failures := len(pruneBefore(append([]time.Time(nil), c.failures...), r.now().Add(-r.cfg.Window)))
	return models.CircuitState{
		Kind:                kind,
		State:               c.state,
		ConsecutiveFailures: failures,
		OpenedAt:            c.openedAt,
		Cooldown:            c.cooldown,
		Trips:               c.trips,
	}
}
