// Package reachability tracks whether the backend can be reached and how
// good the link is. Listeners receive transitions over channels.
package reachability

import (
	"context"
	"net"
	"sync"
	"time"

	"outpost/internal/metrics"
	"outpost/internal/models"

	"github.com/rs/zerolog"
)

// Status is one observation of connectivity.
type Status struct {
	Online    bool          `json:"online"`
	Quality   Quality       `json:"quality"`
	Interface string        `json:"interface,omitempty"`
	Latency   time.Duration `json:"latency"`
	ChangedAt time.Time     `json:"changed_at"`
}

// Offline is the initial status before the first probe.
var Offline = Status{Quality: QualityUnknown}

func (s Status) same(o Status) bool {
	return s.Online == o.Online && s.Quality == o.Quality && s.Interface == o.Interface
}

// Prober measures connectivity once.
type Prober interface {
	Probe(ctx context.Context) (Status, error)
}

// DialProber times a TCP connect to a known address.
type DialProber struct {
	Address   string
	Interface string
	Timeout   time.Duration
}

func (p DialProber) Probe(ctx context.Context) (Status, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := net.Dialer{Timeout: timeout}

	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return Status{Online: false, Quality: QualityUnknown, Interface: p.Interface}, err
	}
	latency := time.Since(start)
	_ = conn.Close()

	return Status{
		Online:    true,
		Quality:   Classify(p.Interface, latency),
		Interface: p.Interface,
		Latency:   latency,
	}, nil
}

type subscriber struct {
	ch   chan Status
	once sync.Once
}

// Monitor publishes connectivity transitions to subscribers.
type Monitor struct {
	mu       sync.RWMutex
	current  Status
	subs     map[*subscriber]struct{}
	prober   Prober
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

func NewMonitor(prober Prober, interval time.Duration, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = models.DefaultProbeInterval
	}
	return &Monitor{
		current:  Offline,
		subs:     make(map[*subscriber]struct{}),
		prober:   prober,
		interval: interval,
		now:      time.Now,
		logger:   logger.With().Str("component", "reachability").Logger(),
	}
}

// Current returns the latest known status.
func (m *Monitor) Current() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe returns a channel that always holds the most recent transition
// and a func that unsubscribes and closes it.
func (m *Monitor) Subscribe() (<-chan Status, func()) {
	s := &subscriber{ch: make(chan Status, 1)}

	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()

	return s.ch, func() {
		m.mu.Lock()
		delete(m.subs, s)
		m.mu.Unlock()
		s.once.Do(func() { close(s.ch) })
	}
}

// Update records a new observation and notifies subscribers when it differs
// from the current one. It reports whether a transition happened.
func (m *Monitor) Update(st Status) bool {
	if !st.Online {
		st.Quality = QualityUnknown
		st.Latency = 0
	} else if st.Quality == "" {
		st.Quality = QualityUnknown
	}

	m.mu.Lock()
	if st.same(m.current) {
		m.current.Latency = st.Latency
		m.mu.Unlock()
		return false
	}
	prev := m.current
	st.ChangedAt = m.now()
	m.current = st
	subs := make([]*subscriber, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	// Sends happen under the lock so an unsubscribe cannot close a channel
	// mid-send.
	for _, s := range subs {
		select {
		case s.ch <- st:
		default:
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- st:
			default:
			}
		}
	}
	m.mu.Unlock()

	metrics.SetOnline(st.Online)
	m.logger.Info().
		Bool("online", st.Online).
		Bool("was_online", prev.Online).
		Str("quality", string(st.Quality)).
		Str("interface", st.Interface).
		Msg("reachability changed")
	return true
}

// Run probes on every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if m.prober == nil {
		<-ctx.Done()
		return nil
	}

	m.probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	st, err := m.prober.Probe(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Debug().Err(err).Msg("probe failed")
		st.Online = false
	}
	m.Update(st)
}
