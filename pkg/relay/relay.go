package relay

import (
	"sync/atomic"

	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/backkem/btmesh/pkg/network"
	"github.com/pion/logging"
)

// MinRelayTTL is the smallest arrival TTL that is relayed. A frame that
// arrives with TTL 1 would leave with TTL 0, which marks the final hop.
const MinRelayTTL mesh.TTL = 2

// Decide reports whether a frame that arrived with ttl is relayed and the
// TTL it is relayed with. Frames addressed to one of our own unicast
// elements, and any frame when relaying is disabled, are not relayed.
func Decide(ttl mesh.TTL, enabled, dstIsLocalUnicast bool) (mesh.TTL, bool) {
	if !enabled || dstIsLocalUnicast || ttl < MinRelayTTL {
		return 0, false
	}
	return ttl - 1, true
}

// Config configures a Relay.
type Config struct {
	// Enabled is the initial Relay state.
	Enabled bool

	Cache CacheConfig

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Relay owns the message cache and the Relay state of a node.
type Relay struct {
	cache   *MessageCache
	enabled atomic.Bool
	relayed atomic.Uint64
	log     logging.LeveledLogger
}

// New creates a Relay.
func New(config Config) *Relay {
	r := &Relay{cache: NewMessageCache(config.Cache)}
	r.enabled.Store(config.Enabled)
	if config.LoggerFactory != nil {
		r.log = config.LoggerFactory.NewLogger("mesh-relay")
	}
	return r
}

// Cache returns the message cache.
func (r *Relay) Cache() *MessageCache { return r.cache }

// SetEnabled sets the Relay state.
func (r *Relay) SetEnabled(enabled bool) { r.enabled.Store(enabled) }

// Enabled reports the Relay state.
func (r *Relay) Enabled() bool { return r.enabled.Load() }

// Admit records an authenticated, replay-checked PDU in the message cache
// and fails with mesh.ErrDuplicate if it was already there.
func (r *Relay) Admit(h *network.Header) error {
	if r.cache.Seen(CacheKey{Src: h.SRC, Seq: h.SEQ, Dst: h.DST}) {
		return mesh.ErrDuplicate
	}
	return nil
}

// Forward returns the PDU to retransmit for pdu, with the TTL decremented
// and every other field unchanged, or false when it must not be relayed.
func (r *Relay) Forward(pdu *network.PDU, dstIsLocalUnicast bool) (*network.PDU, bool) {
	ttl, ok := Decide(pdu.TTL, r.Enabled(), dstIsLocalUnicast)
	if !ok {
		return nil, false
	}
	out := &network.PDU{Header: pdu.Header, TransportPDU: pdu.TransportPDU}
	out.TTL = ttl
	r.relayed.Add(1)
	if r.log != nil {
		r.log.Tracef("relay %v -> %v seq %d ttl %d", pdu.SRC, pdu.DST, pdu.SEQ, ttl)
	}
	return out, true
}

// Relayed returns the number of PDUs forwarded.
func (r *Relay) Relayed() uint64 { return r.relayed.Load() }
