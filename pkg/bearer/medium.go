package bearer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
)

// simulatedRSSI is reported for every frame delivered by a Medium.
const simulatedRSSI int8 = -50

// MediumConfig configures a Medium.
type MediumConfig struct {
	// Condition applies to every delivery.
	Condition NetworkCondition

	// Seed seeds the random source for Condition. Zero seeds from the clock.
	Seed int64

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// MediumStats counts frames on a Medium.
type MediumStats struct {
	Sent      uint64
	Delivered uint64
	Dropped   uint64
}

// Medium is an in-memory broadcast radio shared by any number of nodes.
//
// Until the first Link call every port hears every other port. After
// that, frames only reach ports explicitly linked to the sender, which
// lets tests build multi-hop topologies that need relays.
type Medium struct {
	mu         sync.RWMutex
	ports      []*Port
	links      map[*Port]map[*Port]struct{}
	restricted bool
	condition  NetworkCondition
	closed     bool

	dice *dice
	wg   sync.WaitGroup
	log  logging.LeveledLogger

	sent      atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewMedium creates an empty medium.
func NewMedium(config MediumConfig) *Medium {
	m := &Medium{
		links:     make(map[*Port]map[*Port]struct{}),
		condition: config.Condition,
		dice:      newDice(config.Seed),
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("mesh-bearer")
	}
	return m
}

// Port is one node's attachment to a Medium. It implements Bearer.
type Port struct {
	medium  *Medium
	name    string
	handler Handler
	closed  atomic.Bool
}

// Attach adds a node to the medium. The handler receives every frame the
// node hears.
func (m *Medium) Attach(name string, handler Handler) (*Port, error) {
	if handler == nil {
		return nil, ErrNoHandler
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	p := &Port{medium: m, name: name, handler: handler}
	m.ports = append(m.ports, p)
	return p, nil
}

// Link makes a and b hear each other and switches the medium to explicit
// topology.
func (m *Medium) Link(a, b *Port) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.restricted = true
	m.link(a, b)
	m.link(b, a)
}

func (m *Medium) link(from, to *Port) {
	peers, ok := m.links[from]
	if !ok {
		peers = make(map[*Port]struct{})
		m.links[from] = peers
	}
	peers[to] = struct{}{}
}

// Unlink removes the link between a and b.
func (m *Medium) Unlink(a, b *Port) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.links[a], b)
	delete(m.links[b], a)
}

// SetCondition replaces the network condition.
func (m *Medium) SetCondition(cond NetworkCondition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.condition = cond
}

// Stats returns frame counters.
func (m *Medium) Stats() MediumStats {
	return MediumStats{
		Sent:      m.sent.Load(),
		Delivered: m.delivered.Load(),
		Dropped:   m.dropped.Load(),
	}
}

// Close detaches every port and waits for delayed deliveries to drain.
func (m *Medium) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, p := range m.ports {
		p.closed.Store(true)
	}
	m.ports = nil
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

// receivers returns the ports that hear from and the current condition.
func (m *Medium) receivers(from *Port) ([]*Port, NetworkCondition) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Port, 0, len(m.ports))
	for _, p := range m.ports {
		if p == from || p.closed.Load() {
			continue
		}
		if m.restricted {
			if _, ok := m.links[from][p]; !ok {
				continue
			}
		}
		out = append(out, p)
	}
	return out, m.condition
}

func (m *Medium) broadcast(from *Port, data []byte) {
	m.sent.Add(1)
	ports, cond := m.receivers(from)

	for _, p := range ports {
		n := m.dice.copies(cond)
		if n == 0 {
			m.dropped.Add(1)
			if m.log != nil {
				m.log.Tracef("%s -> %s: dropped", from.name, p.name)
			}
			continue
		}
		for i := 0; i < n; i++ {
			m.schedule(p, clone(data), m.dice.delay(cond))
		}
	}
}

func (m *Medium) schedule(to *Port, data []byte, delay time.Duration) {
	if delay <= 0 {
		m.deliver(to, data)
		return
	}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	m.wg.Add(1)
	m.mu.RUnlock()

	time.AfterFunc(delay, func() {
		defer m.wg.Done()
		m.deliver(to, data)
	})
}

func (m *Medium) deliver(to *Port, data []byte) {
	if to.closed.Load() {
		return
	}
	m.delivered.Add(1)
	to.handler(Frame{Data: data, RSSI: simulatedRSSI})
}

// Name returns the name the port was attached with.
func (p *Port) Name() string { return p.name }

// Send broadcasts data to every port that hears this one.
func (p *Port) Send(data []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := checkFrame(data); err != nil {
		return err
	}
	p.medium.broadcast(p, data)
	return nil
}

// Close detaches the port. The rest of the medium keeps running.
func (p *Port) Close() error {
	p.closed.Store(true)
	return nil
}
