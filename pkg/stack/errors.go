package stack

import (
	"errors"
	"fmt"

	"github.com/backkem/btmesh/pkg/mesh"
)

// Package-level errors.
var (
	// ErrInvalidConfig is returned when Config validation fails.
	ErrInvalidConfig = errors.New("stack: invalid configuration")

	// ErrInvalidElements is returned when the element range is empty or
	// leaves the unicast range.
	ErrInvalidElements = errors.New("stack: invalid element address range")

	// ErrInvalidTTL is returned for TTL 1 or a TTL above 127.
	ErrInvalidTTL = errors.New("stack: invalid TTL")

	// ErrInvalidSource is returned when a send names a source that is not
	// one of the node's elements.
	ErrInvalidSource = errors.New("stack: source is not a local element")

	// ErrInvalidDestination is returned for an unassigned destination.
	ErrInvalidDestination = errors.New("stack: invalid destination")

	// ErrAlreadyStarted is returned when Start is called on a running node.
	ErrAlreadyStarted = errors.New("stack: node already started")

	// ErrStopped is returned when an operation is attempted on a stopped node.
	ErrStopped = errors.New("stack: node stopped")

	// ErrNoBearer is returned when a frame must be sent before a bearer is set.
	ErrNoBearer = errors.New("stack: no bearer")

	// ErrQueueFull is reported for frames dropped because the inbound
	// queue is full.
	ErrQueueFull = errors.New("stack: inbound queue full")

	// ErrIVIndexChanged fails a segmented send whose IV Index was replaced
	// while segments were still outstanding.
	ErrIVIndexChanged = fmt.Errorf("stack: IV index changed during transfer: %w", mesh.ErrSegmentedSendFailed)

	// ErrOwnSource is reported for frames that originated at this node and
	// came back over the bearer.
	ErrOwnSource = fmt.Errorf("stack: frame from a local element: %w", mesh.ErrDuplicate)
)
