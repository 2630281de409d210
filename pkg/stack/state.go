package stack

import (
	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/backkem/btmesh/pkg/sequence"
)

// NodeState represents the lifecycle state of a Node.
type NodeState int

const (
	// NodeStateInitialized means the node is created but not started.
	// Frames delivered now wait in the inbound queue.
	NodeStateInitialized NodeState = iota

	// NodeStateRunning means the worker is processing inbound frames.
	NodeStateRunning

	// NodeStateStopped means the node has been shut down.
	NodeStateStopped
)

// String returns a human-readable name for the state.
func (s NodeState) String() string {
	switch s {
	case NodeStateInitialized:
		return "Initialized"
	case NodeStateRunning:
		return "Running"
	case NodeStateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Snapshot is the node state an external persister saves between runs.
// Keys are not included; they belong to the provisioning layer.
type Snapshot struct {
	IVIndex    mesh.IVIndex
	IVUpdating bool

	// Sequence is the next sequence number of every element.
	Sequence map[mesh.Address]mesh.SequenceNumber

	// Replay is the replay protection watermark of every known source.
	Replay map[mesh.Address]sequence.ReplayEntry
}
