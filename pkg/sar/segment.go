package sar

import (
	"github.com/backkem/btmesh/pkg/lower"
	"github.com/backkem/btmesh/pkg/mesh"
)

// Header carries the lower transport fields shared by every PDU of one
// upper transport message.
type Header struct {
	CTL bool

	// Access messages.
	AKF   bool
	AID   uint8
	SZMIC bool

	// Control messages.
	Opcode lower.Opcode
}

// Segment splits an upper transport PDU into lower transport PDUs. A PDU
// that fits one unsegmented lower transport PDU is returned unsegmented;
// a 64-bit TransMIC always forces segmentation. Otherwise every segment
// but the last is full and all carry SeqZero = seq & 0x1FFF, where seq is
// the sequence number of the first segment.
func Segment(h Header, seq mesh.SequenceNumber, upper []byte) ([]*lower.PDU, error) {
	if fitsUnsegmented(h, len(upper)) {
		p := &lower.PDU{
			CTL:     h.CTL,
			AKF:     h.AKF,
			AID:     h.AID,
			Opcode:  h.Opcode,
			Payload: upper,
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return []*lower.PDU{p}, nil
	}

	size := lower.AccessSegmentSize
	if h.CTL {
		size = lower.ControlSegmentSize
	}
	n := (len(upper) + size - 1) / size
	if n == 0 {
		return nil, lower.ErrPayloadSize
	}
	if n > lower.MaxSegments {
		return nil, ErrTooManySegments
	}

	seqZero := uint16(seq) & mesh.SeqZeroMask
	out := make([]*lower.PDU, n)
	for i := 0; i < n; i++ {
		end := min((i+1)*size, len(upper))
		out[i] = &lower.PDU{
			CTL:       h.CTL,
			Segmented: true,
			AKF:       h.AKF,
			AID:       h.AID,
			SZMIC:     !h.CTL && h.SZMIC,
			Opcode:    h.Opcode,
			SeqZero:   seqZero,
			SegO:      uint8(i),
			SegN:      uint8(n - 1),
			Payload:   upper[i*size : end],
		}
	}
	return out, nil
}

// Segments returns how many lower transport PDUs Segment produces for an
// upper transport PDU of length n.
func Segments(h Header, n int) int {
	if fitsUnsegmented(h, n) {
		return 1
	}
	size := lower.AccessSegmentSize
	if h.CTL {
		size = lower.ControlSegmentSize
	}
	return (n + size - 1) / size
}

func fitsUnsegmented(h Header, n int) bool {
	if h.CTL {
		return n <= lower.MaxUnsegmentedControl
	}
	return !h.SZMIC && n <= lower.MaxUnsegmentedAccess
}
