package bearer

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/test"
)

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// AutoProcess enables automatic frame delivery in a background goroutine.
	// Default: true
	AutoProcess bool

	// ProcessInterval is how often the auto-processor delivers frames.
	// Default: 1ms
	ProcessInterval time.Duration

	// Seed seeds the random source for network conditions.
	Seed int64

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// DefaultPipeConfig returns the default pipe configuration.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		AutoProcess:     true,
		ProcessInterval: 1 * time.Millisecond,
	}
}

// Pipe connects exactly two nodes over pion's test.Bridge.
//
// With AutoProcess disabled, frames queue in the bridge until Tick or
// Process is called, which gives tests full control over delivery order.
type Pipe struct {
	bridge *test.Bridge
	ends   [2]*PipeEnd
	dice   *dice
	log    logging.LeveledLogger

	mu              sync.RWMutex
	condition       NetworkCondition
	closed          bool
	autoProcess     bool
	processInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// PipeEnd is one side of a Pipe. It implements Bearer.
type PipeEnd struct {
	pipe    *Pipe
	id      int
	handler Handler
	wg      sync.WaitGroup
}

// NewPipe creates a pipe with auto-processing enabled. h0 and h1 receive
// the frames arriving at End(0) and End(1).
func NewPipe(h0, h1 Handler) (*Pipe, error) {
	return NewPipeWithConfig(DefaultPipeConfig(), h0, h1)
}

// NewPipeWithConfig creates a pipe with the given configuration.
func NewPipeWithConfig(config PipeConfig, h0, h1 Handler) (*Pipe, error) {
	if h0 == nil || h1 == nil {
		return nil, ErrNoHandler
	}

	p := &Pipe{
		bridge:          test.NewBridge(),
		dice:            newDice(config.Seed),
		autoProcess:     config.AutoProcess,
		processInterval: config.ProcessInterval,
		stopCh:          make(chan struct{}),
	}
	if p.processInterval == 0 {
		p.processInterval = 1 * time.Millisecond
	}
	if config.LoggerFactory != nil {
		p.log = config.LoggerFactory.NewLogger("mesh-bearer")
	}

	p.ends[0] = &PipeEnd{pipe: p, id: 0, handler: h0}
	p.ends[1] = &PipeEnd{pipe: p, id: 1, handler: h1}
	for _, e := range p.ends {
		e.wg.Add(1)
		go e.readLoop()
	}

	if p.autoProcess {
		p.startAutoProcess()
	}
	return p, nil
}

// End returns endpoint 0 or 1.
func (p *Pipe) End(id int) *PipeEnd { return p.ends[id&1] }

func (p *Pipe) startAutoProcess() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.processInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.bridge.Tick()
			}
		}
	}()
}

// SetAutoProcess enables or disables automatic delivery. When disabled,
// call Tick or Process to move frames.
func (p *Pipe) SetAutoProcess(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.autoProcess == enabled {
		return
	}
	p.autoProcess = enabled

	if enabled {
		p.stopCh = make(chan struct{})
		p.startAutoProcess()
	} else {
		close(p.stopCh)
		p.wg.Wait()
	}
}

// SetCondition configures network condition simulation in both
// directions. Delays are not applied on a pipe; use a Medium for that.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.condition = cond
}

// Tick delivers at most one queued frame in each direction.
func (p *Pipe) Tick() int {
	return p.bridge.Tick()
}

// DropNext discards the next n frames sent from end id, regardless of
// the network condition.
func (p *Pipe) DropNext(id, n int) {
	p.bridge.DropNextNWrites(id&1, n)
}

// Process delivers every queued frame.
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.Tick()
		if n == 0 {
			return count
		}
		count += n
	}
}

// Close stops auto-processing, closes both ends and waits for their
// read loops to exit.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.autoProcess {
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.wg.Wait()

	errs := []error{
		p.bridge.GetConn0().Close(),
		p.bridge.GetConn1().Close(),
	}

	// A closing bridge conn only releases its reader from Tick, and only
	// once nothing is queued towards it.
	p.bridge.Drop(0, 0, p.bridge.Len(0))
	p.bridge.Drop(1, 0, p.bridge.Len(1))
	p.bridge.Tick()

	for _, e := range p.ends {
		e.wg.Wait()
	}
	return errors.Join(errs...)
}

func (p *Pipe) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (e *PipeEnd) conn() net.Conn {
	if e.id == 0 {
		return e.pipe.bridge.GetConn0()
	}
	return e.pipe.bridge.GetConn1()
}

// Send queues data towards the other end, subject to the pipe's
// network condition.
func (e *PipeEnd) Send(data []byte) error {
	if e.pipe.isClosed() {
		return ErrClosed
	}
	if err := checkFrame(data); err != nil {
		return err
	}

	e.pipe.mu.RLock()
	cond := e.pipe.condition
	e.pipe.mu.RUnlock()

	n := e.pipe.dice.copies(cond)
	if n == 0 && e.pipe.log != nil {
		e.pipe.log.Tracef("pipe end %d: dropped %d bytes", e.id, len(data))
	}
	for i := 0; i < n; i++ {
		if _, err := e.conn().Write(data); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the whole pipe.
func (e *PipeEnd) Close() error {
	return e.pipe.Close()
}

func (e *PipeEnd) readLoop() {
	defer e.wg.Done()

	buf := make([]byte, MaxFrameSize+1)
	for {
		n, err := e.conn().Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		e.handler(Frame{Data: clone(buf[:n])})
	}
}
