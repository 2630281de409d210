// Package trace records what a mesh node did with every frame: received,
// delivered, relayed, sent, acknowledged or dropped and why.
//
// Events are plain structs with integer CBOR keys so long simulation runs
// can be written to compact trace files and inspected afterwards.
package trace

import (
	"fmt"
	"strings"
	"time"

	"github.com/backkem/btmesh/pkg/mesh"
)

// Kind classifies an event.
type Kind uint8

const (
	// KindReceive is a frame accepted by the network layer.
	KindReceive Kind = iota
	// KindDrop is an inbound frame or outbound transfer that was discarded.
	KindDrop
	// KindDeliver is an upper transport message handed to the model layer.
	KindDeliver
	// KindSend is a network PDU originated by this node.
	KindSend
	// KindRelay is a network PDU retransmitted on behalf of another node.
	KindRelay
	// KindAck is a segment acknowledgment sent by this node.
	KindAck
	// KindIVUpdate is an IV Index state transition.
	KindIVUpdate
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindReceive:
		return "RECEIVE"
	case KindDrop:
		return "DROP"
	case KindDeliver:
		return "DELIVER"
	case KindSend:
		return "SEND"
	case KindRelay:
		return "RELAY"
	case KindAck:
		return "ACK"
	case KindIVUpdate:
		return "IV_UPDATE"
	default:
		return "UNKNOWN"
	}
}

// ParseKind returns the kind named s, case-insensitively.
func ParseKind(s string) (Kind, error) {
	for k := KindReceive; k <= KindIVUpdate; k++ {
		if strings.EqualFold(k.String(), s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("trace: unknown event kind %q", s)
}

// Event is one traced occurrence on a node.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// Node is the primary unicast address of the tracing node.
	Node mesh.Address `cbor:"2,keyasint"`

	Kind Kind `cbor:"3,keyasint"`

	Src     mesh.Address        `cbor:"4,keyasint,omitempty"`
	Dst     mesh.Address        `cbor:"5,keyasint,omitempty"`
	Seq     mesh.SequenceNumber `cbor:"6,keyasint,omitempty"`
	TTL     mesh.TTL            `cbor:"7,keyasint,omitempty"`
	IVIndex mesh.IVIndex        `cbor:"8,keyasint,omitempty"`
	CTL     bool                `cbor:"9,keyasint,omitempty"`

	// Reason is set for KindDrop.
	Reason mesh.DropReason `cbor:"10,keyasint,omitempty"`

	// Error is the error text for KindDrop.
	Error string `cbor:"11,keyasint,omitempty"`

	// Size is the frame or payload size in bytes.
	Size int `cbor:"12,keyasint,omitempty"`

	// Data is the raw frame, when the tracer records frames.
	Data []byte `cbor:"13,keyasint,omitempty"`

	// IVUpdating is set for KindIVUpdate while an update is in progress.
	IVUpdating bool `cbor:"14,keyasint,omitempty"`
}

// Drop returns a KindDrop event for err.
func Drop(node mesh.Address, err error) Event {
	return Event{
		Timestamp: time.Now(),
		Node:      node,
		Kind:      KindDrop,
		Reason:    mesh.Reason(err),
		Error:     err.Error(),
	}
}
