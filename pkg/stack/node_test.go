package stack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/backkem/btmesh/pkg/bearer"
	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/backkem/btmesh/pkg/sequence"
	"github.com/backkem/btmesh/pkg/trace"
	"github.com/backkem/btmesh/pkg/upper"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testNetKey   = "7dd7364cd842ad18c17c2b820c84c3d6"
	testOtherKey = "f7a2a44f8e8a8029064f173ddc1e2b00"
	testAppKey   = "63964771734fbd76e3b40519d1d94a48"
	testDevKey   = "9d6dd0e96eb25dc19a40ed9914f8f03f"
)

func mustKey(t *testing.T, s string) mesh.Key {
	t.Helper()
	k, err := mesh.ParseKey(s)
	require.NoError(t, err)
	return k
}

// capture is a bearer that records every frame sent on it.
type capture struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *capture) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return bearer.ErrClosed
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *capture) all() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

func (c *capture) last(t *testing.T) []byte {
	t.Helper()
	frames := c.all()
	require.NotEmpty(t, frames, "no frame sent")
	return frames[len(frames)-1]
}

// testNode is a Node on a capture bearer with the test keys installed.
type testNode struct {
	*Node
	wire       *capture
	tracer     *trace.Memory
	deliveries chan Delivery
}

func newTestNode(t *testing.T, primary mesh.Address, mutate func(*Config)) *testNode {
	t.Helper()
	tn := &testNode{
		wire:       &capture{},
		tracer:     trace.NewMemory(),
		deliveries: make(chan Delivery, 64),
	}
	config := Config{
		Elements:   mesh.UnicastRange{Primary: primary, Count: 1},
		Bearer:     tn.wire,
		Tracer:     tn.tracer,
		OnDelivery: func(d Delivery) { tn.deliveries <- d },
	}
	if mutate != nil {
		mutate(&config)
	}

	n, err := New(config)
	require.NoError(t, err)
	require.NoError(t, n.InstallNetKey(0, mustKey(t, testNetKey)))
	require.NoError(t, n.InstallAppKey(0, 0, mustKey(t, testAppKey)))
	tn.Node = n
	t.Cleanup(func() { _ = n.Stop() })
	return tn
}

func (tn *testNode) delivery(t *testing.T) Delivery {
	t.Helper()
	select {
	case d := <-tn.deliveries:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
		return Delivery{}
	}
}

func (tn *testNode) noDelivery(t *testing.T) {
	t.Helper()
	select {
	case d := <-tn.deliveries:
		t.Fatalf("unexpected delivery from %v: %x", d.Src, d.Payload)
	default:
	}
}

func TestNewValidation(t *testing.T) {
	valid := mesh.UnicastRange{Primary: 0x0001, Count: 2}
	tests := []struct {
		name   string
		config Config
		want   error
	}{
		{"no elements", Config{}, ErrInvalidElements},
		{"group primary", Config{Elements: mesh.UnicastRange{Primary: 0xC000, Count: 1}}, ErrInvalidElements},
		{"range overflows unicast", Config{Elements: mesh.UnicastRange{Primary: 0x7FFF, Count: 2}}, ErrInvalidElements},
		{"default TTL 1", Config{Elements: valid, DefaultTTL: 1}, ErrInvalidTTL},
		{"default TTL 128", Config{Elements: valid, DefaultTTL: 128}, ErrInvalidTTL},
		{"negative queue", Config{Elements: valid, InboundQueue: -1}, ErrInvalidConfig},
		{"foreign sequence", Config{Elements: valid, Sequence: map[mesh.Address]mesh.SequenceNumber{0x0005: 1}}, ErrInvalidSource},
		{"valid", Config{Elements: valid, DefaultTTL: 0}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := New(tt.config)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, DefaultTTL, n.config.DefaultTTL)
			require.NoError(t, n.Stop())
		})
	}
}

func TestNodeLifecycle(t *testing.T) {
	n := newTestNode(t, 0x0001, nil)
	assert.Equal(t, NodeStateInitialized, n.State())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, n.Start(ctx))
	assert.Equal(t, NodeStateRunning, n.State())
	assert.ErrorIs(t, n.Start(ctx), ErrAlreadyStarted)

	require.NoError(t, n.Stop())
	assert.Equal(t, NodeStateStopped, n.State())
	assert.ErrorIs(t, n.Stop(), ErrStopped)
	assert.ErrorIs(t, n.Start(ctx), ErrStopped)
	assert.ErrorIs(t, n.Send(ctx, SendRequest{Dst: 0x0002, Payload: []byte{1}}), ErrStopped)

	n.wire.mu.Lock()
	closed := n.wire.closed
	n.wire.mu.Unlock()
	assert.True(t, closed, "Stop closes the bearer")
}

func TestSendUnsegmented(t *testing.T) {
	a := newTestNode(t, 0x0001, nil)
	b := newTestNode(t, 0x0002, nil)
	ctx := context.Background()

	payload := []byte{0x82, 0x02, 0x01}
	require.NoError(t, a.Send(ctx, SendRequest{Dst: 0x0002, TTL: UseDefaultTTL, Payload: payload}))
	require.Len(t, a.wire.all(), 1)

	require.NoError(t, b.Process(bearer.Frame{Data: a.wire.last(t), RSSI: -40}))

	got := b.delivery(t)
	want := Delivery{
		Src:     0x0001,
		Dst:     0x0002,
		TTL:     DefaultTTL,
		SeqAuth: mesh.NewSeqAuth(0, 0),
		RSSI:    -40,
		Payload: payload,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("delivery mismatch (-want +got):\n%s", diff)
	}

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Received)
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Equal(t, uint64(0), stats.Dropped)
	assert.Equal(t, uint64(1), a.Stats().Sent)

	assert.Equal(t, 1, a.tracer.Count(trace.KindSend))
	assert.Equal(t, 1, b.tracer.Count(trace.KindReceive))
	assert.Equal(t, 1, b.tracer.Count(trace.KindDeliver))
}

func TestSendValidation(t *testing.T) {
	a := newTestNode(t, 0x0001, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SendRequest
		want error
	}{
		{"TTL 1", SendRequest{Dst: 0x0002, TTL: 1, Payload: []byte{1}}, ErrInvalidTTL},
		{"TTL 128", SendRequest{Dst: 0x0002, TTL: 128, Payload: []byte{1}}, ErrInvalidTTL},
		{"foreign source", SendRequest{Src: 0x0009, Dst: 0x0002, Payload: []byte{1}}, ErrInvalidSource},
		{"unassigned destination", SendRequest{Dst: mesh.UnassignedAddress, Payload: []byte{1}}, ErrInvalidDestination},
		{"unknown AppKey", SendRequest{Dst: 0x0002, AppKeyIndex: 7, Payload: []byte{1}}, upper.ErrUnknownAppKey},
		{"virtual without label", SendRequest{Dst: 0x9736, Payload: []byte{1}}, upper.ErrMissingLabel},
		{"no DevKey", SendRequest{Dst: 0x0002, UseDevKey: true, Payload: []byte{1}}, upper.ErrNoDevKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, a.Send(ctx, tt.req), tt.want)
		})
	}
	assert.Empty(t, a.wire.all())

	require.NoError(t, a.Send(ctx, SendRequest{Dst: 0x0002, TTL: 0, Payload: []byte{1}}), "TTL 0 is valid")
	assert.Len(t, a.wire.all(), 1)
}

func TestSendNoBearer(t *testing.T) {
	a := newTestNode(t, 0x0001, func(c *Config) { c.Bearer = nil })
	err := a.Send(context.Background(), SendRequest{Dst: 0x0002, Payload: []byte{1}})
	assert.ErrorIs(t, err, ErrNoBearer)
}

func TestReplayRejected(t *testing.T) {
	a := newTestNode(t, 0x0001, nil)
	b := newTestNode(t, 0x0002, nil)

	require.NoError(t, a.Send(context.Background(), SendRequest{Dst: 0x0002, TTL: 3, Payload: []byte{0xAA}}))
	frame := a.wire.last(t)

	require.NoError(t, b.Process(bearer.Frame{Data: frame}))
	err := b.Process(bearer.Frame{Data: frame})
	assert.ErrorIs(t, err, mesh.ErrReplay)

	b.delivery(t)
	b.noDelivery(t)
	assert.Equal(t, uint64(1), b.Stats().Dropped)

	drops := b.tracer.Filter(trace.KindDrop)
	require.Len(t, drops, 1)
	assert.Equal(t, mesh.DropReplay, drops[0].Reason)
	assert.Equal(t, mesh.Address(0x0002), drops[0].Node)
}

func TestTamperedFrame(t *testing.T) {
	a := newTestNode(t, 0x0001, nil)
	b := newTestNode(t, 0x0002, nil)

	require.NoError(t, a.Send(context.Background(), SendRequest{Dst: 0x0002, TTL: 3, Payload: []byte{0xAA}}))
	frame := a.wire.last(t)
	frame[len(frame)-1] ^= 0x01

	err := b.Process(bearer.Frame{Data: frame})
	assert.ErrorIs(t, err, mesh.ErrAuthenticationFailure)
	b.noDelivery(t)

	drops := b.tracer.Filter(trace.KindDrop)
	require.Len(t, drops, 1)
	assert.Equal(t, mesh.DropAuthentication, drops[0].Reason)
}

func TestUnknownNetKey(t *testing.T) {
	a := newTestNode(t, 0x0001, nil)
	b := newTestNode(t, 0x0002, nil)
	b.RemoveNetKey(0)
	require.NoError(t, b.InstallNetKey(1, mustKey(t, testOtherKey)))

	require.NoError(t, a.Send(context.Background(), SendRequest{Dst: 0x0002, TTL: 3, Payload: []byte{0xAA}}))
	err := b.Process(bearer.Frame{Data: a.wire.last(t)})
	assert.ErrorIs(t, err, mesh.ErrNoMatchingKey)
}

func TestMalformedFrame(t *testing.T) {
	b := newTestNode(t, 0x0002, nil)
	err := b.Process(bearer.Frame{Data: make([]byte, 10)})
	assert.ErrorIs(t, err, mesh.ErrMalformedPDU)
}

func TestOwnSourceDropped(t *testing.T) {
	a := newTestNode(t, 0x0001, nil)
	require.NoError(t, a.Send(context.Background(), SendRequest{Dst: 0x0002, TTL: 3, Payload: []byte{0xAA}}))

	err := a.Process(bearer.Frame{Data: a.wire.last(t)})
	assert.ErrorIs(t, err, ErrOwnSource)
	assert.ErrorIs(t, err, mesh.ErrDuplicate)
}

func TestNotForUs(t *testing.T) {
	a := newTestNode(t, 0x0001, nil)
	c := newTestNode(t, 0x0003, nil)

	require.NoError(t, a.Send(context.Background(), SendRequest{Dst: 0x0002, TTL: 3, Payload: []byte{0xAA}}))
	err := c.Process(bearer.Frame{Data: a.wire.last(t)})
	assert.ErrorIs(t, err, mesh.ErrNotForUs)
	assert.Empty(t, c.wire.all(), "relay is disabled")
}

func TestGroupDelivery(t *testing.T) {
	a := newTestNode(t, 0x0001, nil)
	b := newTestNode(t, 0x0002, nil)
	c := newTestNode(t, 0x0003, nil)
	ctx := context.Background()

	const group mesh.Address = 0xC001
	require.NoError(t, b.Subscribe(group))
	assert.ErrorIs(t, b.Subscribe(0x0005), ErrInvalidDestination)

	require.NoError(t, a.Send(ctx, SendRequest{Dst: group, TTL: 3, Payload: []byte{0x01}}))
	frame := a.wire.last(t)

	require.NoError(t, b.Process(bearer.Frame{Data: frame}))
	assert.Equal(t, group, b.delivery(t).Dst)
	assert.ErrorIs(t, c.Process(bearer.Frame{Data: frame}), mesh.ErrNotForUs)

	b.Unsubscribe(group)
	require.NoError(t, a.Send(ctx, SendRequest{Dst: group, TTL: 3, Payload: []byte{0x02}}))
	assert.ErrorIs(t, b.Process(bearer.Frame{Data: a.wire.last(t)}), mesh.ErrNotForUs)

	require.NoError(t, a.Send(ctx, SendRequest{Dst: mesh.AllNodes, TTL: 3, Payload: []byte{0x03}}))
	frame = a.wire.last(t)
	require.NoError(t, b.Process(bearer.Frame{Data: frame}))
	require.NoError(t, c.Process(bearer.Frame{Data: frame}))
	assert.Equal(t, []byte{0x03}, b.delivery(t).Payload)
	assert.Equal(t, []byte{0x03}, c.delivery(t).Payload)
}

func TestAllRelaysDelivery(t *testing.T) {
	a := newTestNode(t, 0x0001, nil)
	r := newTestNode(t, 0x0005, func(c *Config) { c.Relay = true })
	b := newTestNode(t, 0x0002, nil)

	require.NoError(t, a.Send(context.Background(), SendRequest{Dst: mesh.AllRelays, TTL: 0, Payload: []byte{0x04}}))
	frame := a.wire.last(t)

	require.NoError(t, r.Process(bearer.Frame{Data: frame}))
	r.delivery(t)
	assert.ErrorIs(t, b.Process(bearer.Frame{Data: frame}), mesh.ErrNotForUs)
}

func TestVirtualDelivery(t *testing.T) {
	a := newTestNode(t, 0x0001, nil)
	b := newTestNode(t, 0x0002, nil)

	label := uuid.MustParse("0073e7e4-d8b9-440f-af84-15df4c56c0e1")
	addr := a.AddLabel(label)
	require.True(t, addr.IsVirtual())
	assert.Equal(t, mesh.Address(0xb529), addr)

	require.Equal(t, addr, b.AddLabel(label))
	require.NoError(t, b.Subscribe(addr))

	require.NoError(t, a.Send(context.Background(), SendRequest{Dst: addr, TTL: 3, Payload: []byte{0xD0}}))
	require.NoError(t, b.Process(bearer.Frame{Data: a.wire.last(t)}))

	got := b.delivery(t)
	assert.Equal(t, addr, got.Dst)
	require.NotNil(t, got.Label)
	assert.Equal(t, label, *got.Label)
}

func TestDevKeyDelivery(t *testing.T) {
	a := newTestNode(t, 0x0001, nil)
	b := newTestNode(t, 0x0002, nil)

	devKey := mustKey(t, testDevKey)
	a.SetPeerDevKey(0x0002, devKey)
	b.SetDevKey(devKey)

	require.NoError(t, a.Send(context.Background(), SendRequest{Dst: 0x0002, UseDevKey: true, TTL: 3, Payload: []byte{0x80, 0x08}}))
	require.NoError(t, b.Process(bearer.Frame{Data: a.wire.last(t)}))

	got := b.delivery(t)
	assert.True(t, got.DevKey)
	assert.Equal(t, []byte{0x80, 0x08}, got.Payload)
}

func TestInstallAppKeyRequiresSubnet(t *testing.T) {
	a := newTestNode(t, 0x0001, nil)
	assert.Error(t, a.InstallAppKey(1, 3, mustKey(t, testAppKey)))
}

func TestRelayForward(t *testing.T) {
	a := newTestNode(t, 0x0001, nil)
	r := newTestNode(t, 0x0005, func(c *Config) { c.Relay = true })
	b := newTestNode(t, 0x0002, nil)

	require.NoError(t, a.Send(context.Background(), SendRequest{Dst: 0x0002, TTL: 4, Payload: []byte{0xAB}}))
	frame := a.wire.last(t)

	require.NoError(t, r.Process(bearer.Frame{Data: frame}), "relayed frames are consumed")
	relayed := r.wire.all()
	require.Len(t, relayed, 1)
	assert.NotEqual(t, frame, relayed[0])

	events := r.tracer.Filter(trace.KindRelay)
	require.Len(t, events, 1)
	assert.Equal(t, mesh.TTL(3), events[0].TTL)
	assert.Equal(t, mesh.Address(0x0001), events[0].Src)

	require.NoError(t, b.Process(bearer.Frame{Data: relayed[0]}))
	got := b.delivery(t)
	assert.Equal(t, mesh.TTL(3), got.TTL)
	assert.Equal(t, mesh.Address(0x0001), got.Src)

	// The original frame heard again is already known.
	assert.Error(t, r.Process(bearer.Frame{Data: frame}))
	assert.Len(t, r.wire.all(), 1)
	assert.Equal(t, uint64(1), r.Stats().Relayed)
}

func TestDontRelayFrame(t *testing.T) {
	a := newTestNode(t, 0x0001, nil)
	r := newTestNode(t, 0x0005, func(c *Config) { c.Relay = true })
	require.NoError(t, r.Subscribe(0xC001))
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, SendRequest{Dst: 0xC001, TTL: 5, Payload: []byte{0x01}}))
	require.NoError(t, r.Process(bearer.Frame{Data: a.wire.last(t), DontRelay: true}))
	got := r.delivery(t)
	assert.Equal(t, []byte{0x01}, got.Payload)

	require.NoError(t, a.Send(ctx, SendRequest{Dst: 0x0002, TTL: 5, Payload: []byte{0x02}}))
	assert.ErrorIs(t, r.Process(bearer.Frame{Data: a.wire.last(t), DontRelay: true}), mesh.ErrNotForUs)

	assert.Empty(t, r.wire.all())
	assert.Zero(t, r.Stats().Relayed)
	assert.Empty(t, r.tracer.Filter(trace.KindRelay))
}

func TestRelayTTLLimits(t *testing.T) {
	tests := []struct {
		ttl      mesh.TTL
		relayed  bool
		wantTTL  mesh.TTL
		checkTTL bool
	}{
		{ttl: 0, relayed: false},
		{ttl: 2, relayed: true, wantTTL: 1, checkTTL: true},
		{ttl: 127, relayed: true, wantTTL: 126, checkTTL: true},
	}
	for _, tt := range tests {
		a := newTestNode(t, 0x0001, nil)
		r := newTestNode(t, 0x0005, func(c *Config) { c.Relay = true })

		require.NoError(t, a.Send(context.Background(), SendRequest{Dst: 0x0002, TTL: tt.ttl, Payload: []byte{0x01}}))
		err := r.Process(bearer.Frame{Data: a.wire.last(t)})
		if !tt.relayed {
			assert.ErrorIs(t, err, mesh.ErrNotForUs, "TTL %d", tt.ttl)
			assert.Empty(t, r.wire.all(), "TTL %d", tt.ttl)
			continue
		}
		require.NoError(t, err, "TTL %d", tt.ttl)
		events := r.tracer.Filter(trace.KindRelay)
		require.Len(t, events, 1, "TTL %d", tt.ttl)
		assert.Equal(t, tt.wantTTL, events[0].TTL)
	}
}

func TestRelayDisabledAtRuntime(t *testing.T) {
	a := newTestNode(t, 0x0001, nil)
	r := newTestNode(t, 0x0005, func(c *Config) { c.Relay = true })
	r.SetRelay(false)

	require.NoError(t, a.Send(context.Background(), SendRequest{Dst: 0x0002, TTL: 5, Payload: []byte{0x01}}))
	assert.ErrorIs(t, r.Process(bearer.Frame{Data: a.wire.last(t)}), mesh.ErrNotForUs)
	assert.Empty(t, r.wire.all())
}

func TestIVUpdateResetsSequence(t *testing.T) {
	a := newTestNode(t, 0x0001, nil)
	b := newTestNode(t, 0x0002, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Send(ctx, SendRequest{Dst: 0x0002, TTL: 3, Payload: []byte{byte(i)}}))
	}
	assert.Equal(t, mesh.SequenceNumber(3), a.Snapshot().Sequence[0x0001])

	require.NoError(t, a.StartIVUpdate())
	snap := a.Snapshot()
	assert.Equal(t, mesh.IVIndex(1), snap.IVIndex)
	assert.True(t, snap.IVUpdating)
	assert.Equal(t, mesh.SequenceNumber(0), snap.Sequence[0x0001])

	ivEvents := a.tracer.Filter(trace.KindIVUpdate)
	require.Len(t, ivEvents, 1)
	assert.True(t, ivEvents[0].IVUpdating)

	require.NoError(t, a.Send(ctx, SendRequest{Dst: 0x0002, TTL: 3, Payload: []byte{0x10}}))
	frame := a.wire.last(t)

	assert.ErrorIs(t, b.Process(bearer.Frame{Data: frame}), mesh.ErrNoMatchingKey, "IV 1 is unknown to b")

	changed, err := b.ObserveIVIndex(1, true)
	require.NoError(t, err)
	require.True(t, changed)
	require.NoError(t, b.Process(bearer.Frame{Data: frame}))

	got := b.delivery(t)
	assert.Equal(t, mesh.IVIndex(1), got.SeqAuth.IVIndex())
	assert.Equal(t, mesh.SequenceNumber(0), got.SeqAuth.Sequence())

	require.NoError(t, a.CompleteIVUpdate())
	assert.False(t, a.Snapshot().IVUpdating)
	assert.Equal(t, mesh.SequenceNumber(1), a.Snapshot().Sequence[0x0001], "completing keeps the index")
}

func TestIVUpdateRacingSendGetsFreshSequence(t *testing.T) {
	a := newTestNode(t, 0x0001, func(c *Config) {
		c.Sequence = map[mesh.Address]mesh.SequenceNumber{0x0001: 5}
	})

	type issued struct {
		iv  mesh.IVIndex
		seq mesh.SequenceNumber
	}

	// The new IV Index is visible before the IV change callback gets
	// txMu; a send taking txMu first must not reuse the old counter.
	a.txMu.Lock()
	started := make(chan error, 1)
	go func() { started <- a.StartIVUpdate() }()
	require.Eventually(t, func() bool { return a.IVIndex().Index == 1 }, time.Second, time.Millisecond)

	racing := make(chan issued, 1)
	go func() {
		iv, seq, err := a.nextSeq(0x0001)
		assert.NoError(t, err)
		racing <- issued{iv, seq}
	}()
	a.txMu.Unlock()

	require.NoError(t, <-started)
	assert.Equal(t, issued{1, 0}, <-racing)

	iv, seq, err := a.nextSeq(0x0001)
	require.NoError(t, err)
	assert.Equal(t, issued{1, 1}, issued{iv, seq})
	assert.Equal(t, mesh.SequenceNumber(2), a.Snapshot().Sequence[0x0001])
}

func TestConcurrentSendsAcrossIVUpdates(t *testing.T) {
	a := newTestNode(t, 0x0001, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, a.Send(ctx, SendRequest{Dst: 0x0002, TTL: 3, Payload: []byte{byte(i)}}))
			}
		}()
	}
	for i := 0; i < 3; i++ {
		time.Sleep(time.Millisecond)
		require.NoError(t, a.StartIVUpdate())
		require.NoError(t, a.CompleteIVUpdate())
	}
	wg.Wait()

	sends := a.tracer.Filter(trace.KindSend)
	require.Len(t, sends, 200)
	seen := make(map[mesh.SeqAuth]bool, len(sends))
	for _, e := range sends {
		sa := mesh.NewSeqAuth(e.IVIndex, e.Seq)
		assert.False(t, seen[sa], "IV %d SEQ %d sent twice", e.IVIndex, e.Seq)
		seen[sa] = true
	}
	assert.Equal(t, mesh.IVIndex(3), a.IVIndex().Index)
}

func TestLowSequenceStartsIVUpdate(t *testing.T) {
	a := newTestNode(t, 0x0001, func(c *Config) {
		c.IVIndex = 7
		c.Sequence = map[mesh.Address]mesh.SequenceNumber{0x0001: mesh.MaxSequence - 100}
	})

	require.NoError(t, a.Send(context.Background(), SendRequest{Dst: 0x0002, TTL: 3, Payload: []byte{1}}))
	snap := a.Snapshot()
	assert.Equal(t, mesh.IVIndex(8), snap.IVIndex)
	assert.True(t, snap.IVUpdating)
	assert.Equal(t, mesh.SequenceNumber(1), snap.Sequence[0x0001])
}

func TestSequenceExhausted(t *testing.T) {
	a := newTestNode(t, 0x0001, func(c *Config) {
		c.IVIndex = 7
		c.IVUpdating = true
		c.Sequence = map[mesh.Address]mesh.SequenceNumber{0x0001: mesh.MaxSequence}
	})
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, SendRequest{Dst: 0x0002, TTL: 3, Payload: []byte{1}}))
	err := a.Send(ctx, SendRequest{Dst: 0x0002, TTL: 3, Payload: []byte{2}})
	assert.ErrorIs(t, err, mesh.ErrSequenceExhausted)
	assert.Len(t, a.wire.all(), 1)
}

func TestSnapshotRestore(t *testing.T) {
	a := newTestNode(t, 0x0001, nil)
	b := newTestNode(t, 0x0002, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, a.Send(ctx, SendRequest{Dst: 0x0002, TTL: 3, Payload: []byte{byte(i)}}))
		require.NoError(t, b.Process(bearer.Frame{Data: a.wire.last(t)}))
	}
	old := a.wire.all()[0]

	snap := b.Snapshot()
	assert.Equal(t, sequence.ReplayEntry{IVIndex: 0, Sequence: 1}, snap.Replay[0x0001])

	restored := newTestNode(t, 0x0002, func(c *Config) {
		c.IVIndex = snap.IVIndex
		c.Sequence = snap.Sequence
		c.Replay = snap.Replay
	})
	assert.ErrorIs(t, restored.Process(bearer.Frame{Data: old}), mesh.ErrReplay)
}

func TestDeliverQueueFull(t *testing.T) {
	b := newTestNode(t, 0x0002, func(c *Config) { c.InboundQueue = 1 })

	b.Deliver(bearer.Frame{Data: make([]byte, 20)})
	b.Deliver(bearer.Frame{Data: make([]byte, 20)})

	drops := b.tracer.Filter(trace.KindDrop)
	require.Len(t, drops, 1)
	assert.Contains(t, drops[0].Error, ErrQueueFull.Error())
}

func TestWorkerProcessesQueue(t *testing.T) {
	a := newTestNode(t, 0x0001, nil)
	b := newTestNode(t, 0x0002, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Start(ctx))

	require.NoError(t, a.Send(ctx, SendRequest{Dst: 0x0002, TTL: 3, Payload: []byte{0x42}}))
	b.Deliver(bearer.Frame{Data: a.wire.last(t)})
	assert.Equal(t, []byte{0x42}, b.delivery(t).Payload)
}

func TestErrorsClassify(t *testing.T) {
	assert.Equal(t, mesh.DropDuplicate, mesh.Reason(ErrOwnSource))
	assert.Equal(t, mesh.DropSegmentedSendFailed, mesh.Reason(ErrIVIndexChanged))
	assert.True(t, errors.Is(ErrIVIndexChanged, mesh.ErrSegmentedSendFailed))
}
