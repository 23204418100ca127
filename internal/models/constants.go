package models

import "time"

// Entity types with a fixed reconciliation policy.
const (
	EntityMessage = "message"
	EntityProfile = "profile"
)

const (
	// DefaultDrainInterval is the safety-net timer for the queue processor.
	DefaultDrainInterval = 30 * time.Second

	// DefaultConcurrency bounds parallel sends across conversations.
	DefaultConcurrency = 4

	// DefaultAttemptTimeout applies to each individual network call.
	DefaultAttemptTimeout = 10 * time.Second

	// DefaultFailureThreshold trips a breaker.
	DefaultFailureThreshold = 5

	// DefaultFailureWindow is the rolling window failures are counted in.
	DefaultFailureWindow = time.Minute

	// DefaultCooldown is the first open period of a breaker.
	DefaultCooldown = 30 * time.Second

	// DefaultMaxCooldown caps the doubled cooldown.
	DefaultMaxCooldown = 5 * time.Minute

	// DefaultRetention keeps failed writes for a week unless discarded.
	DefaultRetention = 7 * 24 * time.Hour

	// DefaultSentGrace is how long a Sent entry waits for its server echo.
	DefaultSentGrace = 2 * time.Minute

	// DefaultQueueCapacity limits distinct pending writes.
	DefaultQueueCapacity = 10000

	// DefaultDeliveredMemory is how many delivered ids the queue remembers.
	DefaultDeliveredMemory = 1024

	// DefaultProbeInterval is how often reachability is re-probed.
	DefaultProbeInterval = 15 * time.Second
)
