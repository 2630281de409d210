package stack

import (
	"github.com/backkem/btmesh/pkg/lower"
	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/google/uuid"
)

// UseDefaultTTL in SendRequest.TTL selects Config.DefaultTTL.
const UseDefaultTTL mesh.TTL = 0xFF

// SendRequest is an access message from the model layer.
type SendRequest struct {
	// Src is the sending element. Unassigned selects the primary element.
	Src mesh.Address
	Dst mesh.Address

	// Key selection: an AppKey, or the DevKey when UseDevKey is set. A
	// DevKey message travels on NetKeyIndex.
	AppKeyIndex mesh.AppKeyIndex
	UseDevKey   bool
	NetKeyIndex mesh.NetKeyIndex

	// TTL of the message. Zero is a valid single-hop TTL; use
	// UseDefaultTTL for the node default.
	TTL mesh.TTL

	// Label is the Label UUID of a virtual Dst. When nil, the label is
	// looked up among those registered with AddLabel.
	Label *uuid.UUID

	// SZMIC requests a 64-bit TransMIC, which forces segmentation.
	SZMIC bool

	Payload []byte
}

// Delivery is an access message received for one of the node's elements
// or subscriptions.
type Delivery struct {
	Src mesh.Address
	Dst mesh.Address

	// TTL is the TTL the message arrived with.
	TTL mesh.TTL

	NetKeyIndex mesh.NetKeyIndex

	// AppKeyIndex is valid unless DevKey is set.
	AppKeyIndex mesh.AppKeyIndex
	DevKey      bool

	// Label is set for a virtual Dst.
	Label *uuid.UUID

	SeqAuth   mesh.SeqAuth
	Segmented bool
	RSSI      int8

	Payload []byte
}

// ControlMessage is a transport control message received by the node.
type ControlMessage struct {
	Src         mesh.Address
	Dst         mesh.Address
	TTL         mesh.TTL
	NetKeyIndex mesh.NetKeyIndex
	Opcode      lower.Opcode
	Payload     []byte
}

// Stats counts what a node did with frames.
type Stats struct {
	Received  uint64
	Delivered uint64
	Dropped   uint64
	Relayed   uint64
	Sent      uint64
}
