package retry

import (
	"math"
	"time"

	"outpost/internal/models"

	"github.com/cenkalti/backoff/v4"
)

// Policy defines bounded exponential backoff parameters for one kind.
type Policy struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Jitter         float64       `yaml:"jitter"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// DefaultPolicy returns the urgency-based default for kind. Message sends
// are retried harder and sooner than read receipts.
func DefaultPolicy(kind models.OperationKind) Policy {
	p := Policy{
		MaxAttempts:    3,
		BaseDelay:      2 * time.Second,
		Multiplier:     2,
		MaxDelay:       time.Minute,
		Jitter:         0.2,
		AttemptTimeout: models.DefaultAttemptTimeout,
	}
	if kind == models.KindSendMessage {
		p.MaxAttempts = 5
		p.BaseDelay = time.Second
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// WithDefaults fills zero fields from def.
func (p Policy) WithDefaults(def Policy) Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = def.Jitter
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = def.AttemptTimeout
	}
	return p
}

// NextDelay returns the un-jittered delay after attempt n (1-based) with
// clamping.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}

	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	d := time.Duration(delay)
	if p.MaxDelay > 0 && (d > p.MaxDelay || delay > float64(math.MaxInt64)) {
		d = p.MaxDelay
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}

// Scaled stretches base and max delay by factor. Factors <= 0 are ignored.
func (p Policy) Scaled(factor float64) Policy {
	if factor <= 0 || factor == 1 {
		return p
	}
	p.BaseDelay = time.Duration(float64(p.BaseDelay) * factor)
	if p.MaxDelay > 0 {
		p.MaxDelay = time.Duration(float64(p.MaxDelay) * factor)
	}
	return p
}

// backOff builds the jittered delay sequence for one Execute call.
func (p Policy) backOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}
