// Package sar implements segmentation and reassembly of upper transport
// PDUs (Mesh Profile Section 3.5.3): the segmenter, the inbound
// reassembler with its acknowledgment and incomplete timers, and the
// outbound transmitter that retransmits unacknowledged segments.
package sar

import (
	"errors"
	"fmt"
	"time"

	"github.com/backkem/btmesh/pkg/mesh"
)

// SAR timing defaults from Mesh Profile Section 3.5.3.3 and 3.5.3.4.
const (
	// DefaultAckBase and DefaultAckPerHop give the acknowledgment timer
	// of at least 150 + 50 * TTL milliseconds.
	DefaultAckBase   = 150 * time.Millisecond
	DefaultAckPerHop = 50 * time.Millisecond

	// DefaultIncompleteTimeout discards a reassembly session that has not
	// received a new segment for this long. The minimum is 10 seconds.
	DefaultIncompleteTimeout = 10 * time.Second

	// DefaultRetransmitBase and DefaultRetransmitPerHop give the segment
	// transmission timer of at least 200 + 50 * TTL milliseconds.
	DefaultRetransmitBase   = 200 * time.Millisecond
	DefaultRetransmitPerHop = 50 * time.Millisecond

	// DefaultRetries is the number of retransmission rounds after the
	// initial transmission before a unicast send fails.
	DefaultRetries = 3

	// DefaultGroupRepeats is how many times each segment of a group or
	// virtual destination send is transmitted in total.
	DefaultGroupRepeats = 2

	// DefaultRecordTTL is how long a finished session is remembered for
	// re-acknowledgment and stale segment detection.
	DefaultRecordTTL = 30 * time.Second

	// DefaultMaxSessions bounds concurrent inbound sessions.
	DefaultMaxSessions = 64
)

var (
	ErrStaleSegment    = fmt.Errorf("sar: stale segment: %w", mesh.ErrDuplicate)
	ErrTooManySessions = errors.New("sar: too many reassembly sessions")
	ErrSessionExists   = errors.New("sar: transfer already in progress for destination")
	ErrTooManySegments = errors.New("sar: upper transport PDU needs more than 32 segments")
	ErrClosed          = errors.New("sar: closed")
)

// Params are the SAR timers and retry budgets. Zero fields take the
// package defaults.
type Params struct {
	AckBase           time.Duration
	AckPerHop         time.Duration
	IncompleteTimeout time.Duration
	RetransmitBase    time.Duration
	RetransmitPerHop  time.Duration
	Retries           int
	GroupRepeats      int
	RecordTTL         time.Duration
	MaxSessions       int
}

// DefaultParams returns Params with every field at its default.
func DefaultParams() Params {
	var p Params
	p.applyDefaults()
	return p
}

func (p *Params) applyDefaults() {
	if p.AckBase <= 0 {
		p.AckBase = DefaultAckBase
	}
	if p.AckPerHop <= 0 {
		p.AckPerHop = DefaultAckPerHop
	}
	if p.IncompleteTimeout <= 0 {
		p.IncompleteTimeout = DefaultIncompleteTimeout
	}
	if p.RetransmitBase <= 0 {
		p.RetransmitBase = DefaultRetransmitBase
	}
	if p.RetransmitPerHop <= 0 {
		p.RetransmitPerHop = DefaultRetransmitPerHop
	}
	if p.Retries <= 0 {
		p.Retries = DefaultRetries
	}
	if p.GroupRepeats <= 0 {
		p.GroupRepeats = DefaultGroupRepeats
	}
	if p.RecordTTL <= 0 {
		p.RecordTTL = DefaultRecordTTL
	}
	if p.MaxSessions <= 0 {
		p.MaxSessions = DefaultMaxSessions
	}
}

// AckDelay returns the acknowledgment timer for segments received with ttl.
func (p Params) AckDelay(ttl mesh.TTL) time.Duration {
	return p.AckBase + time.Duration(ttl)*p.AckPerHop
}

// RetransmitInterval returns the segment transmission timer for a send
// with ttl.
func (p Params) RetransmitInterval(ttl mesh.TTL) time.Duration {
	return p.RetransmitBase + time.Duration(ttl)*p.RetransmitPerHop
}
