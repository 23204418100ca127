package reachability

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		iface   string
		latency time.Duration
		want    Quality
	}{
		{"wifi", 0, QualityUnknown},
		{"wifi", 20 * time.Millisecond, QualityExcellent},
		{"wired", 100 * time.Millisecond, QualityGood},
		{"wifi", 300 * time.Millisecond, QualityFair},
		{"wifi", time.Second, QualityPoor},
		{"cellular", 20 * time.Millisecond, QualityGood},
		{"LTE", 500 * time.Millisecond, QualityPoor},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.iface, tt.latency), "%s %s", tt.iface, tt.latency)
	}
}

func TestQualityEffectiveAndFactor(t *testing.T) {
	assert.Equal(t, QualityFair, QualityUnknown.Effective())
	assert.Equal(t, QualityFair, Quality("").Effective())
	assert.Equal(t, 1.0, QualityUnknown.BackoffFactor())
	assert.Equal(t, 0.5, QualityExcellent.BackoffFactor())
	assert.Equal(t, 2.0, QualityPoor.BackoffFactor())
	assert.Equal(t, 1.0, QualityGood.BackoffFactor())
}

func TestMonitorStartsOffline(t *testing.T) {
	m := NewMonitor(nil, 0, zerolog.Nop())
	st := m.Current()
	assert.False(t, st.Online)
	assert.Equal(t, QualityUnknown, st.Quality)
}

func TestMonitorPublishesTransitions(t *testing.T) {
	m := NewMonitor(nil, 0, zerolog.Nop())
	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	assert.False(t, m.Update(Status{Online: false}))
	assert.True(t, m.Update(Status{Online: true, Quality: QualityGood, Interface: "wifi"}))

	select {
	case st := <-ch:
		assert.True(t, st.Online)
		assert.Equal(t, QualityGood, st.Quality)
		assert.False(t, st.ChangedAt.IsZero())
	default:
		t.Fatal("expected a transition")
	}

	// Same status is not republished.
	assert.False(t, m.Update(Status{Online: true, Quality: QualityGood, Interface: "wifi"}))
	select {
	case <-ch:
		t.Fatal("unexpected notification")
	default:
	}
}

func TestMonitorLatestValueWins(t *testing.T) {
	m := NewMonitor(nil, 0, zerolog.Nop())
	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	m.Update(Status{Online: true, Quality: QualityGood})
	m.Update(Status{Online: false})
	m.Update(Status{Online: true, Quality: QualityPoor})

	st := <-ch
	assert.True(t, st.Online)
	assert.Equal(t, QualityPoor, st.Quality)
	select {
	case <-ch:
		t.Fatal("only the latest status should be buffered")
	default:
	}
}

func TestMonitorUnsubscribeClosesChannel(t *testing.T) {
	m := NewMonitor(nil, 0, zerolog.Nop())
	ch, unsubscribe := m.Subscribe()
	unsubscribe()
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok)
	assert.NotPanics(t, func() { m.Update(Status{Online: true}) })
}

type scriptedProber struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (p *scriptedProber) Probe(ctx context.Context) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.calls < len(p.results) {
		err = p.results[p.calls]
	}
	p.calls++
	if err != nil {
		return Status{}, err
	}
	return Status{Online: true, Quality: QualityExcellent, Interface: "wired", Latency: 5 * time.Millisecond}, nil
}

func TestMonitorRunProbes(t *testing.T) {
	prober := &scriptedProber{results: []error{errors.New("refused"), nil}}
	m := NewMonitor(prober, 5*time.Millisecond, zerolog.Nop())
	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case st := <-ch:
		assert.True(t, st.Online)
	case <-time.After(2 * time.Second):
		t.Fatal("no online transition")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestDialProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	st, err := DialProber{Address: ln.Addr().String(), Interface: "wired", Timeout: time.Second}.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Online)
	assert.NotEqual(t, QualityUnknown, st.Quality)

	ln.Close()
	st, err = DialProber{Address: ln.Addr().String(), Timeout: 200 * time.Millisecond}.Probe(context.Background())
	assert.Error(t, err)
	assert.False(t, st.Online)
}
