package mesh

import "errors"

// Engine error taxonomy. Inbound errors cause the frame to be dropped and
// are never retried; outbound errors are returned to the sender.
var (
	// Inbound
	ErrMalformedPDU          = errors.New("mesh: malformed PDU")
	ErrNoMatchingKey         = errors.New("mesh: no matching network key")
	ErrAuthenticationFailure = errors.New("mesh: authentication failure")
	ErrReplay                = errors.New("mesh: replayed message")
	ErrReassemblyTimeout     = errors.New("mesh: reassembly timed out")
	ErrDuplicate             = errors.New("mesh: duplicate message")
	ErrNotForUs              = errors.New("mesh: not addressed to this node")

	// Outbound
	ErrSegmentedSendFailed = errors.New("mesh: segmented send failed")
	ErrSequenceExhausted   = errors.New("mesh: sequence number space exhausted")

	// Data model
	ErrInvalidKeyLength = errors.New("mesh: key must be 16 bytes")
)

// DropReason is a compact classification of why an inbound frame or an
// outbound transfer did not complete. It is what observers record.
type DropReason uint8

const (
	DropNone DropReason = iota
	DropMalformed
	DropNoMatchingKey
	DropAuthentication
	DropReplay
	DropReassemblyTimeout
	DropSegmentedSendFailed
	DropSequenceExhausted
	DropDuplicate
	DropNotForUs
	DropOther
)

// String returns a human-readable name for the reason.
func (r DropReason) String() string {
	switch r {
	case DropNone:
		return "None"
	case DropMalformed:
		return "MalformedPDU"
	case DropNoMatchingKey:
		return "NoMatchingKey"
	case DropAuthentication:
		return "AuthenticationFailure"
	case DropReplay:
		return "Replay"
	case DropReassemblyTimeout:
		return "ReassemblyTimeout"
	case DropSegmentedSendFailed:
		return "SegmentedSendFailed"
	case DropSequenceExhausted:
		return "SequenceExhausted"
	case DropDuplicate:
		return "Duplicate"
	case DropNotForUs:
		return "NotForUs"
	default:
		return "Other"
	}
}

// Reason maps an error returned anywhere in the engine to its DropReason.
func Reason(err error) DropReason {
	switch {
	case err == nil:
		return DropNone
	case errors.Is(err, ErrMalformedPDU):
		return DropMalformed
	case errors.Is(err, ErrNoMatchingKey):
		return DropNoMatchingKey
	case errors.Is(err, ErrAuthenticationFailure):
		return DropAuthentication
	case errors.Is(err, ErrReplay):
		return DropReplay
	case errors.Is(err, ErrReassemblyTimeout):
		return DropReassemblyTimeout
	case errors.Is(err, ErrDuplicate):
		return DropDuplicate
	case errors.Is(err, ErrNotForUs):
		return DropNotForUs
	case errors.Is(err, ErrSegmentedSendFailed):
		return DropSegmentedSendFailed
	case errors.Is(err, ErrSequenceExhausted):
		return DropSequenceExhausted
	default:
		return DropOther
	}
}
