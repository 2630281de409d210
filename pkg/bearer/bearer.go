// Package bearer carries obfuscated network PDUs between mesh nodes.
//
// A bearer is an unreliable broadcast medium: frames may be lost,
// duplicated or reordered, and every node in range hears every frame.
// The package provides an in-memory Medium for simulations and tests, a
// two-node Pipe with network condition simulation, and a PacketConn
// bearer that tunnels frames over UDP.
package bearer

import (
	"errors"
	"fmt"

	"github.com/backkem/btmesh/pkg/network"
)

// MaxFrameSize is the largest frame a bearer carries.
const MaxFrameSize = network.MaxPDUSize

// Bearer errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed bearer.
	ErrClosed = errors.New("bearer: closed")

	// ErrNoHandler is returned when no frame handler is configured.
	ErrNoHandler = errors.New("bearer: no frame handler configured")

	// ErrAlreadyStarted is returned when Start is called on a running bearer.
	ErrAlreadyStarted = errors.New("bearer: already started")

	// ErrFrameSize is returned for frames outside the network PDU size range.
	ErrFrameSize = errors.New("bearer: invalid frame size")
)

// Frame is one frame received from a bearer.
type Frame struct {
	Data []byte

	// RSSI is the received signal strength in dBm, when the bearer
	// reports one.
	RSSI int8

	// DontRelay marks a frame the node may deliver locally but must not
	// retransmit, such as one received over a proxy connection.
	DontRelay bool
}

// Handler is called for every received frame. Handlers must not block;
// the stack queues frames for its own worker.
type Handler func(Frame)

// Bearer transmits frames to every node in range.
type Bearer interface {
	// Send broadcasts one frame. It does not wait for delivery.
	Send(data []byte) error

	// Close stops the bearer. Frames sent afterwards fail with ErrClosed.
	Close() error
}

func checkFrame(data []byte) error {
	if len(data) < network.MinPDUSize || len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameSize, len(data))
	}
	return nil
}

func clone(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	return out
}
