package stack

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backkem/btmesh/pkg/bearer"
	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/backkem/btmesh/pkg/network"
	"github.com/backkem/btmesh/pkg/relay"
	"github.com/backkem/btmesh/pkg/sar"
	"github.com/backkem/btmesh/pkg/sequence"
	"github.com/backkem/btmesh/pkg/trace"
	"github.com/backkem/btmesh/pkg/upper"
	"github.com/google/uuid"
	"github.com/pion/logging"
)

// Node is one mesh node: the network and lower transport engine for a
// range of elements sharing keys, counters and a bearer.
//
// Inbound frames are queued by Deliver and handled by a single worker
// started with Start. Send runs on the caller's goroutine.
type Node struct {
	config Config
	log    logging.LeveledLogger
	tracer trace.Tracer

	keyring  *network.Keyring
	codec    *network.Codec
	keys     *upper.KeyTable
	counters *sequence.Counters
	txMu     sync.Mutex
	seqIV    mesh.IVIndex // IV Index the counters belong to, guarded by txMu
	replay   *sequence.ReplayCache
	iv       *sequence.IVState
	relay    *relay.Relay
	reasm    *sar.Reassembler
	tx       *sar.Transmitter

	subsMu sync.RWMutex
	subs   map[mesh.Address]struct{}

	bearerMu sync.RWMutex
	bearer   bearer.Bearer

	queue  chan bearer.Frame
	mu     sync.Mutex
	state  NodeState
	stopCh chan struct{}
	wg     sync.WaitGroup

	received  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	sent      atomic.Uint64
}

// New creates a node with the given configuration.
// The node is created but not started. Call Start to begin processing
// inbound frames.
func New(config Config) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	n := &Node{
		config: config,
		tracer: config.Tracer,
		bearer: config.Bearer,
		subs:   make(map[mesh.Address]struct{}),
		queue:  make(chan bearer.Frame, config.InboundQueue),
		stopCh: make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		n.log = config.LoggerFactory.NewLogger("mesh-stack")
	}

	n.keyring = network.NewKeyring()
	n.codec = network.NewCodec(network.CodecConfig{
		Keyring:       n.keyring,
		LoggerFactory: config.LoggerFactory,
	})
	n.keys = upper.NewKeyTable()

	n.counters = sequence.NewCounters(config.Elements)
	for src, seq := range config.Sequence {
		if err := n.counters.Set(src, seq); err != nil {
			return nil, err
		}
	}
	n.seqIV = config.IVIndex
	n.replay = sequence.NewReplayCache()
	n.replay.Restore(config.Replay)

	n.iv = sequence.NewIVState(sequence.IVConfig{
		Initial:           config.IVIndex,
		Updating:          config.IVUpdating,
		UpdateDuration:    config.IVUpdateDuration,
		MinUpdateMessages: config.MinUpdateMessages,
		OnChange:          n.onIVChange,
		LoggerFactory:     config.LoggerFactory,
	})

	n.relay = relay.New(relay.Config{
		Enabled:       config.Relay,
		Cache:         config.MessageCache,
		LoggerFactory: config.LoggerFactory,
	})
	n.reasm = sar.NewReassembler(sar.ReassemblerConfig{
		Params:        config.SAR,
		SendAck:       n.sendAck,
		OnTimeout:     n.onReassemblyTimeout,
		LoggerFactory: config.LoggerFactory,
	})
	n.tx = sar.NewTransmitter(sar.TransmitterConfig{
		Params:        config.SAR,
		LoggerFactory: config.LoggerFactory,
	})

	return n, nil
}

// Start launches the inbound worker. The worker exits when ctx is done or
// the node is stopped.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.state {
	case NodeStateRunning:
		return ErrAlreadyStarted
	case NodeStateStopped:
		return ErrStopped
	}
	n.state = NodeStateRunning

	if n.log != nil {
		n.log.Infof("node %v started with %d elements", n.config.Elements.Primary, n.config.Elements.Count)
	}

	n.wg.Add(1)
	go n.worker(ctx)
	return nil
}

func (n *Node) worker(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return
		case f := <-n.queue:
			_ = n.Process(f)
		}
	}
}

// Stop shuts the node down: the worker exits, outstanding segmented sends
// fail, reassembly sessions are discarded and the bearer is closed.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.state == NodeStateStopped {
		n.mu.Unlock()
		return ErrStopped
	}
	n.state = NodeStateStopped
	close(n.stopCh)
	n.mu.Unlock()

	n.wg.Wait()
	n.tx.Close()
	n.reasm.Close()
	n.iv.Close()

	if n.log != nil {
		n.log.Infof("node %v stopped", n.config.Elements.Primary)
	}

	n.bearerMu.Lock()
	b := n.bearer
	n.bearer = nil
	n.bearerMu.Unlock()
	if b != nil {
		return b.Close()
	}
	return nil
}

// State returns the lifecycle state.
func (n *Node) State() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// SetBearer sets the bearer frames are sent on.
func (n *Node) SetBearer(b bearer.Bearer) {
	n.bearerMu.Lock()
	defer n.bearerMu.Unlock()
	n.bearer = b
}

// Deliver queues a received frame for the worker. It never blocks; when
// the queue is full the frame is dropped. Deliver is a bearer.Handler.
func (n *Node) Deliver(f bearer.Frame) {
	select {
	case <-n.stopCh:
		return
	default:
	}

	select {
	case n.queue <- f:
	default:
		n.drop(ErrQueueFull)
	}
}

// Elements returns the node's element range.
func (n *Node) Elements() mesh.UnicastRange { return n.config.Elements }

// InstallNetKey adds or replaces the NetKey at index.
func (n *Node) InstallNetKey(index mesh.NetKeyIndex, key mesh.Key) error {
	if index > mesh.MaxKeyIndex {
		return upper.ErrInvalidKeyIndex
	}
	_, err := n.keyring.Install(index, key)
	return err
}

// UpdateNetKey starts a key refresh of the subnet at index.
func (n *Node) UpdateNetKey(index mesh.NetKeyIndex, key mesh.Key) error {
	return n.keyring.Update(index, key)
}

// CommitNetKey completes a key refresh of the subnet at index.
func (n *Node) CommitNetKey(index mesh.NetKeyIndex) error {
	return n.keyring.Commit(index)
}

// RemoveNetKey removes the subnet at index.
func (n *Node) RemoveNetKey(index mesh.NetKeyIndex) {
	n.keyring.Remove(index)
}

// InstallAppKey adds or replaces the AppKey at appIndex, bound to the
// subnet at netIndex.
func (n *Node) InstallAppKey(appIndex mesh.AppKeyIndex, netIndex mesh.NetKeyIndex, key mesh.Key) error {
	if _, ok := n.keyring.Subnet(netIndex); !ok {
		return network.ErrNoSubnet
	}
	_, err := n.keys.InstallAppKey(appIndex, netIndex, key)
	return err
}

// SetDevKey sets the node's own DevKey.
func (n *Node) SetDevKey(key mesh.Key) { n.keys.SetDevKey(key) }

// SetPeerDevKey records the DevKey of the node whose primary element is
// addr, for configuration clients.
func (n *Node) SetPeerDevKey(addr mesh.Address, key mesh.Key) { n.keys.SetPeerDevKey(addr, key) }

// Subscribe adds a group or virtual address whose messages are delivered.
func (n *Node) Subscribe(addr mesh.Address) error {
	if !addr.IsGroup() && !addr.IsVirtual() {
		return ErrInvalidDestination
	}
	n.subsMu.Lock()
	defer n.subsMu.Unlock()
	n.subs[addr] = struct{}{}
	return nil
}

// Unsubscribe removes a subscription.
func (n *Node) Unsubscribe(addr mesh.Address) {
	n.subsMu.Lock()
	defer n.subsMu.Unlock()
	delete(n.subs, addr)
}

// AddLabel registers a Label UUID and returns its virtual address.
// Registering a label does not subscribe to it.
func (n *Node) AddLabel(label uuid.UUID) mesh.Address {
	return n.keys.AddLabel(label)
}

// SetRelay sets the Relay state.
func (n *Node) SetRelay(enabled bool) { n.relay.SetEnabled(enabled) }

// IVIndex returns the current IV state.
func (n *Node) IVIndex() sequence.IVSnapshot { return n.iv.Snapshot() }

// StartIVUpdate begins an IV Update to the next IV Index.
func (n *Node) StartIVUpdate() error {
	return n.iv.BeginUpdate(n.iv.Snapshot().Index + 1)
}

// CompleteIVUpdate returns to normal operation ahead of the timer.
func (n *Node) CompleteIVUpdate() error {
	return n.iv.Complete()
}

// ObserveIVIndex applies an IV Index and IV Update flag received in a
// Secure Network beacon. It reports whether the state changed.
func (n *Node) ObserveIVIndex(index mesh.IVIndex, updating bool) (bool, error) {
	return n.iv.Observe(index, updating)
}

// onIVChange restarts sequence numbering whenever the transmit IV Index
// moves. A send may already have done so; the reset happens once per IV
// Index either way.
func (n *Node) onIVChange(prev, next sequence.IVSnapshot) {
	if next.Index != prev.Index {
		n.txMu.Lock()
		n.syncSeqLocked()
		n.txMu.Unlock()
	}
	n.emit(trace.Event{
		Kind:       trace.KindIVUpdate,
		IVIndex:    next.Index,
		IVUpdating: next.Phase == sequence.IVUpdateInProgress,
	})
}

// Snapshot returns the state to persist between runs.
func (n *Node) Snapshot() Snapshot {
	n.txMu.Lock()
	n.syncSeqLocked()
	iv := n.iv.Snapshot()
	seqs := n.counters.Snapshot()
	n.txMu.Unlock()

	// iv may be newer than the counters; persisting higher sequence
	// numbers under it is safe.
	return Snapshot{
		IVIndex:    iv.Index,
		IVUpdating: iv.Phase == sequence.IVUpdateInProgress,
		Sequence:   seqs,
		Replay:     n.replay.Snapshot(),
	}
}

// Stats returns frame counters.
func (n *Node) Stats() Stats {
	return Stats{
		Received:  n.received.Load(),
		Delivered: n.delivered.Load(),
		Dropped:   n.dropped.Load(),
		Relayed:   n.relay.Relayed(),
		Sent:      n.sent.Load(),
	}
}

func (n *Node) emit(e trace.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Node = n.config.Elements.Primary
	n.tracer.Emit(e)
}

// drop records a discarded frame or transfer.
func (n *Node) drop(err error) {
	n.dropped.Add(1)
	if n.log != nil {
		n.log.Debugf("drop: %v", err)
	}
	n.emit(trace.Drop(n.config.Elements.Primary, err))
}

func (n *Node) currentBearer() (bearer.Bearer, error) {
	n.bearerMu.RLock()
	defer n.bearerMu.RUnlock()
	if n.bearer == nil {
		return nil, ErrNoBearer
	}
	return n.bearer, nil
}
