package lower

import (
	"encoding/binary"
	"fmt"

	"github.com/backkem/btmesh/pkg/mesh"
)

// PDU is a lower transport PDU. CTL comes from the network header and
// selects between the access and control layouts.
type PDU struct {
	CTL       bool
	Segmented bool

	// Access fields.
	AKF   bool
	AID   uint8
	SZMIC bool

	// Control field.
	Opcode Opcode

	// Segmentation fields, valid when Segmented.
	SeqZero uint16
	SegO    uint8
	SegN    uint8

	// Payload is the upper transport PDU (unsegmented) or one segment.
	Payload []byte
}

// MaxSegmentSize returns the full segment payload size for the PDU's kind.
func (p *PDU) MaxSegmentSize() int {
	if p.CTL {
		return ControlSegmentSize
	}
	return AccessSegmentSize
}

// Validate checks every field against its bit width and size limits.
func (p *PDU) Validate() error {
	if p.CTL {
		if p.Opcode > 0x7F {
			return ErrInvalidOpcode
		}
	} else if p.AID > 0x3F {
		return ErrInvalidAID
	}

	n := len(p.Payload)
	if !p.Segmented {
		if p.CTL {
			if n > MaxUnsegmentedControl {
				return ErrPayloadSize
			}
		} else if n < MinUnsegmentedAccess || n > MaxUnsegmentedAccess {
			return ErrPayloadSize
		}
		return nil
	}

	if p.SeqZero > mesh.SeqZeroMask {
		return ErrInvalidSeqZero
	}
	if p.SegN >= MaxSegments {
		return ErrSegmentOrder
	}
	if p.SegO > p.SegN {
		return ErrSegmentOrder
	}
	if n < 1 || n > p.MaxSegmentSize() {
		return ErrPayloadSize
	}
	return nil
}

// Encode serialises the PDU into the network layer's TransportPDU field.
func (p *PDU) Encode() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var first byte
	if p.CTL {
		first = byte(p.Opcode) & 0x7F
	} else {
		first = p.AID & 0x3F
		if p.AKF {
			first |= 0x40
		}
	}

	if !p.Segmented {
		out := make([]byte, 1+len(p.Payload))
		out[0] = first
		copy(out[1:], p.Payload)
		return out, nil
	}

	out := make([]byte, 4+len(p.Payload))
	out[0] = 0x80 | first
	putSegmentHeader(out[1:4], !p.CTL && p.SZMIC, p.SeqZero, p.SegO, p.SegN)
	copy(out[4:], p.Payload)
	return out, nil
}

// Decode parses a TransportPDU. ctl is the network header's CTL bit.
func Decode(ctl bool, data []byte) (*PDU, error) {
	if len(data) < 1 {
		return nil, ErrTooShort
	}

	p := &PDU{CTL: ctl, Segmented: data[0]&0x80 != 0}
	if ctl {
		p.Opcode = Opcode(data[0] & 0x7F)
	} else {
		p.AKF = data[0]&0x40 != 0
		p.AID = data[0] & 0x3F
	}

	if !p.Segmented {
		p.Payload = data[1:]
	} else {
		if len(data) < 5 {
			return nil, ErrTooShort
		}
		var szmic bool
		szmic, p.SeqZero, p.SegO, p.SegN = parseSegmentHeader(data[1:4])
		if ctl {
			// The top bit is RFU for control segments.
			if szmic {
				return nil, ErrReservedBitsSet
			}
		} else {
			p.SZMIC = szmic
		}
		p.Payload = data[4:]
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", mesh.ErrMalformedPDU, err)
	}
	return p, nil
}

// putSegmentHeader writes SZMIC|SeqZero|SegO|SegN into 3 octets.
func putSegmentHeader(dst []byte, szmic bool, seqZero uint16, segO, segN uint8) {
	v := uint32(seqZero&mesh.SeqZeroMask)<<10 | uint32(segO&0x1F)<<5 | uint32(segN&0x1F)
	if szmic {
		v |= 1 << 23
	}
	dst[0] = byte(v >> 16)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v)
}

func parseSegmentHeader(src []byte) (szmic bool, seqZero uint16, segO, segN uint8) {
	v := uint32(src[0])<<16 | uint32(src[1])<<8 | uint32(src[2])
	szmic = v&(1<<23) != 0
	seqZero = uint16(v>>10) & mesh.SeqZeroMask
	segO = uint8(v>>5) & 0x1F
	segN = uint8(v) & 0x1F
	return
}

// SegmentAck is the Segment Acknowledgment control message.
type SegmentAck struct {
	// OBO is set when a Friend acknowledges on behalf of a Low Power node.
	OBO     bool
	SeqZero uint16

	// BlockAck has bit n set when segment n was received.
	BlockAck uint32
}

// Encode returns the unsegmented control PDU carrying the ack.
func (a *SegmentAck) Encode() []byte {
	out := make([]byte, SegmentAckSize)
	out[0] = byte(OpSegmentAck)
	v := uint16(a.SeqZero&mesh.SeqZeroMask) << 2
	if a.OBO {
		v |= 1 << 15
	}
	binary.BigEndian.PutUint16(out[1:3], v)
	binary.BigEndian.PutUint32(out[3:7], a.BlockAck)
	return out
}

// PDU wraps the ack in a control PDU.
func (a *SegmentAck) PDU() *PDU {
	enc := a.Encode()
	return &PDU{CTL: true, Opcode: OpSegmentAck, Payload: enc[1:]}
}

// ParseSegmentAck decodes the parameters of an OpSegmentAck PDU.
func ParseSegmentAck(p *PDU) (*SegmentAck, error) {
	if !p.CTL || p.Segmented || p.Opcode != OpSegmentAck {
		return nil, ErrNotSegmentAck
	}
	if len(p.Payload) != SegmentAckSize-1 {
		return nil, fmt.Errorf("%w: %w", mesh.ErrMalformedPDU, ErrPayloadSize)
	}
	v := binary.BigEndian.Uint16(p.Payload[0:2])
	return &SegmentAck{
		OBO:      v&(1<<15) != 0,
		SeqZero:  (v >> 2) & mesh.SeqZeroMask,
		BlockAck: binary.BigEndian.Uint32(p.Payload[2:6]),
	}, nil
}

// SeqAuth recovers the SeqAuth of a segmented message from the IV Index
// and SEQ of any of its segments and the SeqZero they carry. The first
// segment's sequence number is the largest value not above seq whose low
// 13 bits equal seqZero. A seqZero that would place the first segment
// before IV Index 0, SEQ 0 is malformed.
func SeqAuth(iv mesh.IVIndex, seq mesh.SequenceNumber, seqZero uint16) (mesh.SeqAuth, error) {
	delta := mesh.SeqAuth((uint32(seq)&mesh.SeqZeroMask - uint32(seqZero)) & mesh.SeqZeroMask)
	sa := mesh.NewSeqAuth(iv, seq)
	if sa < delta {
		return 0, fmt.Errorf("%w: SeqZero %#x is ahead of SEQ %#x", mesh.ErrMalformedPDU, seqZero, seq)
	}
	return sa - delta, nil
}

// FullBlockAck returns the BlockAck with the low segN+1 bits set.
func FullBlockAck(segN uint8) uint32 {
	if segN >= 31 {
		return 0xFFFFFFFF
	}
	return 1<<(uint32(segN)+1) - 1
}
