// Package connectivity tracks whether the remote store is reachable and
// notifies observers on transitions. The monitor is observed, never mutated,
// by the rest of the system; the sync engine receives it at construction
// instead of consulting a global.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/questlog/questlog/internal/bus"
	"go.uber.org/zap"
)

// Monitor reports the current online/offline state and its transitions.
type Monitor interface {
	// Online returns the last observed state.
	Online() bool
	// Observe returns a stream that fires on every state transition with
	// the new state, plus an unsubscribe func.
	Observe(bufSize int) (<-chan bool, func())
}

// Pinger is the probe target; the remote store satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// state holds subscriber bookkeeping shared by the monitor implementations.
type state struct {
	mu     sync.RWMutex
	online bool
	subs   map[int]chan bool
	next   int
}

func newState(online bool) *state {
	return &state{online: online, subs: make(map[int]chan bool)}
}

func (s *state) current() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// set records a new state; returns true when it was a transition.
func (s *state) set(online bool) bool {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return false
	}
	s.online = online
	subs := make([]chan bool, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- online:
		default:
		}
	}
	return true
}

func (s *state) observe(bufSize int) (<-chan bool, func()) {
	ch := make(chan bool, bufSize)
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// ProbeMonitor determines connectivity by pinging the remote store on an
// interval. Transitions publish net.online / net.offline bus events.
type ProbeMonitor struct {
	*state
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewProbeMonitor creates a monitor that starts offline until the first
// successful probe.
func NewProbeMonitor(pinger Pinger, interval time.Duration, b *bus.Bus, logger *zap.Logger) *ProbeMonitor {
	return &ProbeMonitor{
		state:    newState(false),
		pinger:   pinger,
		interval: interval,
		timeout:  interval,
		bus:      b,
		logger:   logger,
	}
}

// Start begins probing. The first probe runs immediately.
func (m *ProbeMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.loop(ctx)
}

// Stop halts probing.
func (m *ProbeMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *ProbeMonitor) loop(ctx context.Context) {
	m.probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *ProbeMonitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.pinger.Ping(probeCtx)
	cancel()

	online := err == nil
	if !m.set(online) {
		return
	}

	if online {
		m.logger.Info("connectivity restored")
		m.bus.Publish(bus.NewEvent("net.online", nil))
	} else {
		m.logger.Info("connectivity lost", zap.Error(err))
		m.bus.Publish(bus.NewEvent("net.offline", nil))
	}
}

// Manual is a monitor whose state is driven by the caller. Tests and the
// forced-offline mode use it.
type Manual struct {
	*state
	bus *bus.Bus
}

// NewManual creates a manual monitor with an initial state. The bus may be
// nil.
func NewManual(online bool, b *bus.Bus) *Manual {
	return &Manual{state: newState(online), bus: b}
}

// SetOnline flips the state and notifies observers on transition.
func (m *Manual) SetOnline(online bool) {
	if !m.set(online) {
		return
	}
	if m.bus == nil {
		return
	}
	if online {
		m.bus.Publish(bus.NewEvent("net.online", nil))
	} else {
		m.bus.Publish(bus.NewEvent("net.offline", nil))
	}
}

// Online implements Monitor.
func (m *Manual) Online() bool { return m.current() }

// Observe implements Monitor.
func (m *Manual) Observe(bufSize int) (<-chan bool, func()) { return m.observe(bufSize) }

// Online implements Monitor.
func (m *ProbeMonitor) Online() bool { return m.current() }

// Observe implements Monitor.
func (m *ProbeMonitor) Observe(bufSize int) (<-chan bool, func()) { return m.observe(bufSize) }
