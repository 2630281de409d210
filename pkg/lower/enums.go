// Package lower implements the Bluetooth Mesh lower transport PDU formats
// of Mesh Profile Section 3.5.2: unsegmented and segmented access and
// control messages and the Segment Acknowledgment message.
//
// The package is pure encoding; the segmentation and reassembly state
// machines live in package sar.
package lower

import "errors"

// Opcode is a 7-bit transport control opcode.
type Opcode uint8

// Transport control opcodes (Mesh Profile 3.6.5.11).
const (
	OpSegmentAck           Opcode = 0x00
	OpFriendPoll           Opcode = 0x01
	OpFriendUpdate         Opcode = 0x02
	OpFriendRequest        Opcode = 0x03
	OpFriendOffer          Opcode = 0x04
	OpFriendClear          Opcode = 0x05
	OpFriendClearConfirm   Opcode = 0x06
	OpFriendSubListAdd     Opcode = 0x07
	OpFriendSubListRemove  Opcode = 0x08
	OpFriendSubListConfirm Opcode = 0x09
	OpHeartbeat            Opcode = 0x0A
)

// String returns a human-readable name for the opcode.
func (o Opcode) String() string {
	switch o {
	case OpSegmentAck:
		return "SegmentAck"
	case OpFriendPoll:
		return "FriendPoll"
	case OpFriendUpdate:
		return "FriendUpdate"
	case OpFriendRequest:
		return "FriendRequest"
	case OpFriendOffer:
		return "FriendOffer"
	case OpFriendClear:
		return "FriendClear"
	case OpFriendClearConfirm:
		return "FriendClearConfirm"
	case OpFriendSubListAdd:
		return "FriendSubListAdd"
	case OpFriendSubListRemove:
		return "FriendSubListRemove"
	case OpFriendSubListConfirm:
		return "FriendSubListConfirm"
	case OpHeartbeat:
		return "Heartbeat"
	default:
		return "Unknown"
	}
}

// Size limits.
const (
	// MaxUnsegmentedAccess is the largest upper transport access PDU sent
	// unsegmented (payload plus 32-bit TransMIC).
	MaxUnsegmentedAccess = 15

	// MinUnsegmentedAccess is one payload octet plus the TransMIC.
	MinUnsegmentedAccess = 5

	// MaxUnsegmentedControl is the largest unsegmented control parameter block.
	MaxUnsegmentedControl = 11

	// AccessSegmentSize is the payload size of a full access segment.
	AccessSegmentSize = 12

	// ControlSegmentSize is the payload size of a full control segment.
	ControlSegmentSize = 8

	// MaxSegments is the largest SegN+1.
	MaxSegments = 32

	// MaxUpperAccessPDU is the largest segmented upper transport access PDU.
	MaxUpperAccessPDU = MaxSegments * AccessSegmentSize

	// MaxUpperControlPDU is the largest segmented control message.
	MaxUpperControlPDU = MaxSegments * ControlSegmentSize

	// SegmentAckSize is the encoded size of a Segment Acknowledgment.
	SegmentAckSize = 7
)

var (
	ErrTooShort        = errors.New("lower: PDU too short")
	ErrPayloadSize     = errors.New("lower: payload size out of range")
	ErrSegmentOrder    = errors.New("lower: SegO exceeds SegN")
	ErrInvalidAID      = errors.New("lower: AID exceeds 6 bits")
	ErrInvalidOpcode   = errors.New("lower: opcode exceeds 7 bits")
	ErrInvalidSeqZero  = errors.New("lower: SeqZero exceeds 13 bits")
	ErrNotSegmentAck   = errors.New("lower: not a segment acknowledgment")
	ErrReservedBitsSet = errors.New("lower: reserved bits set")
)
