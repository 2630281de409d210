package sar

import (
	"fmt"
	"sync"
	"time"

	"github.com/backkem/btmesh/pkg/lower"
	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pion/logging"
)

// SessionKey identifies an inbound reassembly session.
type SessionKey struct {
	Src     mesh.Address
	SeqZero uint16
}

// Incoming is one received lower transport segment with the network
// header values it arrived with.
type Incoming struct {
	Src         mesh.Address
	Dst         mesh.Address
	NetKeyIndex mesh.NetKeyIndex
	IVIndex     mesh.IVIndex
	Seq         mesh.SequenceNumber
	TTL         mesh.TTL
	PDU         *lower.PDU
}

// Message is a reassembled upper transport PDU.
type Message struct {
	Header

	Src         mesh.Address
	Dst         mesh.Address
	NetKeyIndex mesh.NetKeyIndex
	SeqAuth     mesh.SeqAuth

	// TTL is the TTL of the segment that completed the message.
	TTL mesh.TTL

	Payload []byte
}

// Ack is a Segment Acknowledgment the reassembler wants transmitted.
type Ack struct {
	// Src is the acknowledging element (the segments' destination) and
	// Dst the original sender.
	Src         mesh.Address
	Dst         mesh.Address
	NetKeyIndex mesh.NetKeyIndex

	// ZeroTTL is set when the segments arrived with TTL 0. The ack must
	// then be sent with TTL 0 as well.
	ZeroTTL bool

	Ack lower.SegmentAck
}

// ReassemblerConfig configures a Reassembler.
type ReassemblerConfig struct {
	Params Params

	// SendAck transmits a Segment Acknowledgment. It is invoked outside
	// any lock, possibly from a timer goroutine.
	SendAck func(Ack)

	// OnTimeout reports a session discarded by the incomplete timer with
	// an error wrapping mesh.ErrReassemblyTimeout.
	OnTimeout func(SessionKey, error)

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

type sessionState uint8

const (
	sessionActive sessionState = iota
	sessionComplete
	sessionExpired
)

// session is one inbound transfer. Its fields are guarded by mu; the
// table lock is only held for lookup and creation.
type session struct {
	mu sync.Mutex

	key     SessionKey
	seqAuth mesh.SeqAuth
	header  Header
	segN    uint8

	dst      mesh.Address
	netIndex mesh.NetKeyIndex
	zeroTTL  bool
	ackDelay time.Duration

	segments [][]byte
	received uint32
	state    sessionState

	ackTimer        *time.Timer
	incompleteTimer *time.Timer
}

func (s *session) stopTimers() {
	if s.ackTimer != nil {
		s.ackTimer.Stop()
		s.ackTimer = nil
	}
	if s.incompleteTimer != nil {
		s.incompleteTimer.Stop()
		s.incompleteTimer = nil
	}
}

func (s *session) ack() Ack {
	return Ack{
		Src:         s.dst,
		Dst:         s.key.Src,
		NetKeyIndex: s.netIndex,
		ZeroTTL:     s.zeroTTL,
		Ack:         lower.SegmentAck{SeqZero: s.key.SeqZero, BlockAck: s.received},
	}
}

// record remembers how a finished session ended.
type record struct {
	seqAuth  mesh.SeqAuth
	complete bool
	ack      Ack
}

// Reassembler collects segments into upper transport PDUs.
//
// Thread-safe for concurrent access.
type Reassembler struct {
	config ReassemblerConfig
	log    logging.LeveledLogger

	mu       sync.Mutex
	sessions map[SessionKey]*session
	finished *ttlcache.Cache[SessionKey, record]
	closed   bool
}

// NewReassembler creates a reassembler.
func NewReassembler(config ReassemblerConfig) *Reassembler {
	config.Params.applyDefaults()
	r := &Reassembler{
		config:   config,
		sessions: make(map[SessionKey]*session),
		finished: ttlcache.New[SessionKey, record](
			ttlcache.WithTTL[SessionKey, record](config.Params.RecordTTL),
			ttlcache.WithCapacity[SessionKey, record](uint64(4*config.Params.MaxSessions)),
			ttlcache.WithDisableTouchOnHit[SessionKey, record](),
		),
	}
	if config.LoggerFactory != nil {
		r.log = config.LoggerFactory.NewLogger("mesh-sar")
	}
	return r
}

// Feed adds one segment. It returns the message when this segment
// completed it, and nil otherwise. Segments already held, and segments of
// a completed message, are ignored; the latter are re-acknowledged.
// Segments of a discarded or superseded session fail with ErrStaleSegment.
func (r *Reassembler) Feed(in Incoming) (*Message, error) {
	p := in.PDU
	if p == nil || !p.Segmented {
		return nil, fmt.Errorf("%w: not a segment", mesh.ErrMalformedPDU)
	}
	if err := checkSegmentSize(p); err != nil {
		return nil, err
	}

	key := SessionKey{Src: in.Src, SeqZero: p.SeqZero}
	seqAuth, err := lower.SeqAuth(in.IVIndex, in.Seq, p.SeqZero)
	if err != nil {
		return nil, err
	}

	s, err := r.lookup(key, seqAuth, in)
	if s == nil || err != nil {
		return nil, err
	}
	return r.merge(s, in)
}

// lookup finds or creates the session for key. It returns a nil session
// when the segment was fully handled.
func (r *Reassembler) lookup(key SessionKey, seqAuth mesh.SeqAuth, in Incoming) (*session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}

	if item := r.finished.Get(key); item != nil {
		rec := item.Value()
		switch {
		case rec.seqAuth > seqAuth:
			r.mu.Unlock()
			return nil, ErrStaleSegment
		case rec.seqAuth == seqAuth && rec.complete:
			r.mu.Unlock()
			if in.Dst.IsUnicast() {
				r.sendAck(rec.ack)
			}
			return nil, nil
		case rec.seqAuth == seqAuth:
			r.mu.Unlock()
			return nil, ErrStaleSegment
		}
	}

	s, ok := r.sessions[key]
	if ok && s.seqAuth > seqAuth {
		r.mu.Unlock()
		return nil, ErrStaleSegment
	}
	if ok && s.seqAuth == seqAuth {
		r.mu.Unlock()
		return s, nil
	}
	if ok {
		// A newer transfer from the same source supersedes the old one.
		s.mu.Lock()
		s.stopTimers()
		s.state = sessionExpired
		s.mu.Unlock()
		delete(r.sessions, key)
		r.finished.Set(key, record{seqAuth: s.seqAuth}, ttlcache.DefaultTTL)
		if r.log != nil {
			r.log.Debugf("session %04x/%04x superseded", uint16(key.Src), key.SeqZero)
		}
	}

	if len(r.sessions) >= r.config.Params.MaxSessions {
		r.mu.Unlock()
		return nil, ErrTooManySessions
	}

	p := in.PDU
	s = &session{
		key:      key,
		seqAuth:  seqAuth,
		header:   Header{CTL: p.CTL, AKF: p.AKF, AID: p.AID, SZMIC: p.SZMIC, Opcode: p.Opcode},
		segN:     p.SegN,
		dst:      in.Dst,
		netIndex: in.NetKeyIndex,
		zeroTTL:  in.TTL == 0,
		ackDelay: r.config.Params.AckDelay(in.TTL),
		segments: make([][]byte, int(p.SegN)+1),
	}
	r.sessions[key] = s
	r.mu.Unlock()
	return s, nil
}

func (r *Reassembler) merge(s *session, in Incoming) (*Message, error) {
	p := in.PDU

	s.mu.Lock()
	switch s.state {
	case sessionComplete:
		s.mu.Unlock()
		return nil, nil
	case sessionExpired:
		s.mu.Unlock()
		return nil, ErrStaleSegment
	}

	if p.SegN != s.segN || p.CTL != s.header.CTL {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: segment disagrees with session", mesh.ErrMalformedPDU)
	}

	bit := uint32(1) << p.SegO
	if s.received&bit != 0 {
		s.mu.Unlock()
		return nil, nil
	}
	s.segments[p.SegO] = append([]byte(nil), p.Payload...)
	s.received |= bit

	if s.received == lower.FullBlockAck(s.segN) {
		msg := s.complete(in.TTL)
		ack := s.ack()
		s.mu.Unlock()

		r.finish(s, true, ack)
		if s.dst.IsUnicast() {
			r.sendAck(ack)
		}
		return msg, nil
	}

	// Every new segment restarts the incomplete timer.
	if s.incompleteTimer != nil {
		s.incompleteTimer.Stop()
	}
	s.incompleteTimer = time.AfterFunc(r.config.Params.IncompleteTimeout, func() {
		r.expire(s)
	})
	if s.dst.IsUnicast() && s.ackTimer == nil {
		s.ackTimer = time.AfterFunc(s.ackDelay, func() {
			r.ackTimeout(s)
		})
	}
	s.mu.Unlock()
	return nil, nil
}

// complete assembles the payload. Called with s.mu held.
func (s *session) complete(ttl mesh.TTL) *Message {
	s.stopTimers()
	s.state = sessionComplete

	n := 0
	for _, seg := range s.segments {
		n += len(seg)
	}
	payload := make([]byte, 0, n)
	for _, seg := range s.segments {
		payload = append(payload, seg...)
	}
	s.segments = nil

	return &Message{
		Header:      s.header,
		Src:         s.key.Src,
		Dst:         s.dst,
		NetKeyIndex: s.netIndex,
		SeqAuth:     s.seqAuth,
		TTL:         ttl,
		Payload:     payload,
	}
}

// finish moves s from the session table to the finished records if it is
// still the current session for its key.
func (r *Reassembler) finish(s *session, complete bool, ack Ack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[s.key]; ok && current == s {
		delete(r.sessions, s.key)
	}
	if r.closed {
		return
	}
	r.finished.Set(s.key, record{seqAuth: s.seqAuth, complete: complete, ack: ack}, ttlcache.DefaultTTL)
}

func (r *Reassembler) ackTimeout(s *session) {
	s.mu.Lock()
	if s.state != sessionActive {
		s.mu.Unlock()
		return
	}
	s.ackTimer = nil
	ack := s.ack()
	s.mu.Unlock()

	r.sendAck(ack)
}

func (r *Reassembler) expire(s *session) {
	s.mu.Lock()
	if s.state != sessionActive {
		s.mu.Unlock()
		return
	}
	s.stopTimers()
	s.state = sessionExpired
	received := s.received
	s.segments = nil
	s.mu.Unlock()

	r.finish(s, false, Ack{})

	err := fmt.Errorf("%w: %04x/%04x received %#x of %#x",
		mesh.ErrReassemblyTimeout, uint16(s.key.Src), s.key.SeqZero, received, lower.FullBlockAck(s.segN))
	if r.log != nil {
		r.log.Debugf("%v", err)
	}
	if r.config.OnTimeout != nil {
		r.config.OnTimeout(s.key, err)
	}
}

func (r *Reassembler) sendAck(ack Ack) {
	if r.config.SendAck != nil {
		r.config.SendAck(ack)
	}
}

// Len returns the number of sessions in progress.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close discards every session and stops its timers.
func (r *Reassembler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for key, s := range r.sessions {
		s.mu.Lock()
		s.stopTimers()
		s.state = sessionExpired
		s.mu.Unlock()
		delete(r.sessions, key)
	}
	r.finished.DeleteAll()
}

// checkSegmentSize enforces that every segment but the last is full.
func checkSegmentSize(p *lower.PDU) error {
	if p.SegO < p.SegN && len(p.Payload) != p.MaxSegmentSize() {
		return fmt.Errorf("%w: short segment %d of %d", mesh.ErrMalformedPDU, p.SegO, p.SegN)
	}
	return nil
}
