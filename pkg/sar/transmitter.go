package sar

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/backkem/btmesh/pkg/lower"
	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/pion/logging"
)

// OutKey identifies an outbound segmented transfer.
type OutKey struct {
	Dst     mesh.Address
	SeqZero uint16
}

// SendFunc transmits one lower transport PDU. Each call must use a fresh
// network sequence number; the first call carries segment 0 and must use
// the sequence number SeqZero was taken from.
type SendFunc func(p *lower.PDU) error

// Transfer is one segmented upper transport PDU to transmit.
type Transfer struct {
	Src mesh.Address
	Dst mesh.Address
	TTL mesh.TTL

	// Segments as returned by Segment. They must all be segmented.
	Segments []*lower.PDU

	Send SendFunc
}

// TransmitterConfig configures a Transmitter.
type TransmitterConfig struct {
	Params Params

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// outbound is a unicast transfer awaiting acknowledgment. Its fields are
// guarded by the transmitter's lock.
type outbound struct {
	key      OutKey
	segments []*lower.PDU
	send     SendFunc
	interval time.Duration

	// pending has bit n set while segment n is unacknowledged.
	pending uint32
	full    uint32

	// rounds is the number of retransmission rounds performed.
	rounds int

	timer *time.Timer
	done  chan error
}

func (o *outbound) stop() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

// unacked returns the segments still pending.
func (o *outbound) unacked() []*lower.PDU {
	out := make([]*lower.PDU, 0, bits.OnesCount32(o.pending))
	for i, seg := range o.segments {
		if o.pending&(1<<i) != 0 {
			out = append(out, seg)
		}
	}
	return out
}

// Transmitter sends segmented transfers. Unicast transfers retransmit
// unacknowledged segments until fully acknowledged or the retry budget is
// spent; group and virtual transfers are repeated without acknowledgment.
//
// Thread-safe for concurrent access.
type Transmitter struct {
	config TransmitterConfig
	log    logging.LeveledLogger

	mu      sync.Mutex
	entries map[OutKey]*outbound
	closed  bool
}

// NewTransmitter creates a transmitter.
func NewTransmitter(config TransmitterConfig) *Transmitter {
	config.Params.applyDefaults()
	t := &Transmitter{
		config:  config,
		entries: make(map[OutKey]*outbound),
	}
	if config.LoggerFactory != nil {
		t.log = config.LoggerFactory.NewLogger("mesh-sar")
	}
	return t
}

// Send transmits tr and blocks until it is fully acknowledged, fails, or
// ctx is done. Unicast failures wrap mesh.ErrSegmentedSendFailed.
func (t *Transmitter) Send(ctx context.Context, tr Transfer) error {
	if len(tr.Segments) == 0 || !tr.Segments[0].Segmented {
		return fmt.Errorf("%w: transfer is not segmented", mesh.ErrMalformedPDU)
	}
	if !tr.Dst.IsUnicast() {
		return t.sendGroup(ctx, tr)
	}

	first := tr.Segments[0]
	o := &outbound{
		key:      OutKey{Dst: tr.Dst, SeqZero: first.SeqZero},
		segments: tr.Segments,
		send:     tr.Send,
		interval: t.config.Params.RetransmitInterval(tr.TTL),
		full:     lower.FullBlockAck(first.SegN),
		done:     make(chan error, 1),
	}
	o.pending = o.full

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if _, exists := t.entries[o.key]; exists {
		t.mu.Unlock()
		return ErrSessionExists
	}
	t.entries[o.key] = o
	t.mu.Unlock()

	for _, seg := range tr.Segments {
		if err := tr.Send(seg); err != nil {
			t.remove(o)
			return err
		}
	}

	t.mu.Lock()
	if t.entries[o.key] == o && o.timer == nil {
		o.timer = time.AfterFunc(o.interval, func() { t.retransmit(o) })
	}
	t.mu.Unlock()

	select {
	case err := <-o.done:
		return err
	case <-ctx.Done():
		t.remove(o)
		return ctx.Err()
	}
}

// sendGroup transmits every segment GroupRepeats times, spaced by the
// retransmission interval.
func (t *Transmitter) sendGroup(ctx context.Context, tr Transfer) error {
	interval := t.config.Params.RetransmitInterval(tr.TTL)
	for round := 0; round < t.config.Params.GroupRepeats; round++ {
		if round > 0 {
			timer := time.NewTimer(interval)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
		for _, seg := range tr.Segments {
			if err := tr.Send(seg); err != nil {
				return err
			}
		}
	}
	return nil
}

// retransmit is the segment transmission timer callback.
func (t *Transmitter) retransmit(o *outbound) {
	t.mu.Lock()
	if t.entries[o.key] != o {
		t.mu.Unlock()
		return
	}
	o.rounds++
	if o.rounds > t.config.Params.Retries {
		t.finishLocked(o, fmt.Errorf("%w: %d of %d segments unacknowledged after %d retries",
			mesh.ErrSegmentedSendFailed, bits.OnesCount32(o.pending), len(o.segments), t.config.Params.Retries))
		t.mu.Unlock()
		return
	}
	segs := o.unacked()
	o.timer = time.AfterFunc(o.interval, func() { t.retransmit(o) })
	t.mu.Unlock()

	if t.log != nil {
		t.log.Debugf("retransmit %d segments to %v (round %d)", len(segs), o.key.Dst, o.rounds)
	}
	t.sendAll(o, segs)
}

// HandleAck processes a Segment Acknowledgment received from src. It
// reports whether the ack matched a transfer in progress. Acks with bits
// beyond the transfer's SegN are ignored; an all-zero BlockAck cancels the
// transfer.
func (t *Transmitter) HandleAck(src mesh.Address, ack *lower.SegmentAck) bool {
	key := OutKey{Dst: src, SeqZero: ack.SeqZero}

	t.mu.Lock()
	o, ok := t.entries[key]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if ack.BlockAck&^o.full != 0 {
		t.mu.Unlock()
		if t.log != nil {
			t.log.Debugf("ignoring ack from %v with BlockAck %#x beyond SegN", src, ack.BlockAck)
		}
		return false
	}

	switch {
	case ack.BlockAck == 0:
		t.finishLocked(o, fmt.Errorf("%w: cancelled by receiver", mesh.ErrSegmentedSendFailed))
		t.mu.Unlock()
		return true

	case ack.BlockAck == o.full:
		o.pending = 0
		t.finishLocked(o, nil)
		t.mu.Unlock()
		return true
	}

	progress := o.pending&ack.BlockAck != 0
	o.pending &^= ack.BlockAck
	if !progress {
		t.mu.Unlock()
		return true
	}

	// New segments were acknowledged: resend the rest now and restart the
	// transmission timer without spending a retry.
	o.stop()
	segs := o.unacked()
	o.timer = time.AfterFunc(o.interval, func() { t.retransmit(o) })
	t.mu.Unlock()

	t.sendAll(o, segs)
	return true
}

func (t *Transmitter) sendAll(o *outbound, segs []*lower.PDU) {
	for _, seg := range segs {
		if err := o.send(seg); err != nil {
			t.mu.Lock()
			if t.entries[o.key] == o {
				t.finishLocked(o, err)
			}
			t.mu.Unlock()
			return
		}
	}
}

// finishLocked removes o and reports err to its sender.
func (t *Transmitter) finishLocked(o *outbound, err error) {
	o.stop()
	delete(t.entries, o.key)
	o.done <- err
}

func (t *Transmitter) remove(o *outbound) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[o.key] == o {
		o.stop()
		delete(t.entries, o.key)
	}
}

// Pending reports whether a transfer to key is awaiting acknowledgment.
func (t *Transmitter) Pending(key OutKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

// Count returns the number of transfers awaiting acknowledgment.
func (t *Transmitter) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close fails every transfer in progress with ErrClosed.
func (t *Transmitter) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for _, o := range t.entries {
		t.finishLocked(o, ErrClosed)
	}
}
