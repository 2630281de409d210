package stack

import (
	"time"

	"github.com/backkem/btmesh/pkg/bearer"
	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/backkem/btmesh/pkg/relay"
	"github.com/backkem/btmesh/pkg/sar"
	"github.com/backkem/btmesh/pkg/sequence"
	"github.com/backkem/btmesh/pkg/trace"
	"github.com/pion/logging"
)

// Defaults for Config.
const (
	DefaultTTL          mesh.TTL = 5
	DefaultInboundQueue          = 64

	// DefaultIVUpdateDuration is the minimum time a node stays in IV
	// Update in Progress (Mesh Profile 3.10.5).
	DefaultIVUpdateDuration = 96 * time.Hour

	// DefaultIVUpdateThreshold starts an IV Update once any element has
	// fewer sequence numbers left than this.
	DefaultIVUpdateThreshold uint32 = 1 << 20
)

// Config holds all configuration for a mesh Node.
type Config struct {
	// Elements are the node's unicast element addresses. Required.
	Elements mesh.UnicastRange

	// IV Index at startup.
	IVIndex    mesh.IVIndex
	IVUpdating bool

	// IV Update policy. A zero IVUpdateDuration uses the default; a
	// negative one disables timed completion.
	IVUpdateDuration  time.Duration
	MinUpdateMessages int
	IVUpdateThreshold uint32

	// DefaultTTL is used by SendRequest.TTL == UseDefaultTTL and for
	// segment acknowledgments (default: 5).
	DefaultTTL mesh.TTL

	// Relay enables relaying of frames not addressed to this node.
	Relay        bool
	MessageCache relay.CacheConfig

	// SAR timers and retry budgets. Zero fields take the sar defaults.
	SAR sar.Params

	// InboundQueue bounds the frames waiting for the worker (default: 64).
	InboundQueue int

	// Restored state from a previous run.
	Sequence map[mesh.Address]mesh.SequenceNumber
	Replay   map[mesh.Address]sequence.ReplayEntry

	// OnDelivery receives access messages addressed to this node. It runs
	// on the worker goroutine, or on the caller of Process.
	OnDelivery func(Delivery)

	// OnControl receives transport control messages other than segment
	// acknowledgments.
	OnControl func(ControlMessage)

	// Bearer transmits frames. It may also be set later with SetBearer.
	Bearer bearer.Bearer

	// Tracer receives an event for everything the node does with a frame.
	Tracer trace.Tracer

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if !c.Elements.Valid() {
		return ErrInvalidElements
	}
	if c.DefaultTTL == 1 || c.DefaultTTL > mesh.MaxTTL {
		return ErrInvalidTTL
	}
	if c.InboundQueue < 0 {
		return ErrInvalidConfig
	}
	for src := range c.Sequence {
		if !c.Elements.Contains(src) {
			return ErrInvalidSource
		}
	}
	return nil
}

// applyDefaults fills in default values for unset fields.
func (c *Config) applyDefaults() {
	if c.DefaultTTL == 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.InboundQueue == 0 {
		c.InboundQueue = DefaultInboundQueue
	}
	if c.IVUpdateDuration == 0 {
		c.IVUpdateDuration = DefaultIVUpdateDuration
	}
	if c.IVUpdateDuration < 0 {
		c.IVUpdateDuration = 0
	}
	if c.IVUpdateThreshold == 0 {
		c.IVUpdateThreshold = DefaultIVUpdateThreshold
	}
	if c.Tracer == nil {
		c.Tracer = trace.Noop{}
	}
}
