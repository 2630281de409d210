package devicestate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/backkem/btmesh/pkg/bearer"
	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/backkem/btmesh/pkg/sequence"
	"github.com/backkem/btmesh/pkg/stack"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testNetKey = "7dd7364cd842ad18c17c2b820c84c3d6"
	testAppKey = "63964771734fbd76e3b40519d1d94a48"
)

func mustKey(t *testing.T, s string) mesh.Key {
	t.Helper()
	k, err := mesh.ParseKey(s)
	require.NoError(t, err)
	return k
}

func testState(t *testing.T) *State {
	t.Helper()
	s, err := New(0x0010, 2)
	require.NoError(t, err)
	require.NoError(t, s.AddNetKey(0, mustKey(t, testNetKey)))
	require.NoError(t, s.AddAppKey(0, 0, mustKey(t, testAppKey)))
	return s
}

func TestNew(t *testing.T) {
	s, err := New(0x0010, 2)
	require.NoError(t, err)
	assert.False(t, s.DevKey.IsZero(), "a DevKey is generated")
	assert.Equal(t, stack.DefaultTTL, s.DefaultTTL)
	assert.Equal(t, mesh.UnicastRange{Primary: 0x0010, Count: 2}, s.Elements())

	other, err := New(0x0010, 2)
	require.NoError(t, err)
	assert.NotEqual(t, s.DevKey, other.DevKey)

	_, err = New(0xC000, 1)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = New(0x0001, 0)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestKeys(t *testing.T) {
	s := testState(t)
	assert.ErrorIs(t, s.AddNetKey(0, mustKey(t, testNetKey)), ErrDuplicateKey)
	assert.ErrorIs(t, s.AddAppKey(0, 0, mustKey(t, testAppKey)), ErrDuplicateKey)
	assert.ErrorIs(t, s.AddAppKey(1, 5, mustKey(t, testAppKey)), ErrUnknownNetKey)

	require.NoError(t, s.AddNetKey(3, mustKey(t, testAppKey)))
	require.NoError(t, s.AddNetKey(1, mustKey(t, testAppKey)))
	var indexes []mesh.NetKeyIndex
	for _, k := range s.NetKeys {
		indexes = append(indexes, k.Index)
	}
	assert.Equal(t, []mesh.NetKeyIndex{0, 1, 3}, indexes)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *State)
	}{
		{"default TTL 1", func(s *State) { s.DefaultTTL = 1 }},
		{"unicast subscription", func(s *State) { s.Subscriptions = []mesh.Address{0x0003} }},
		{"foreign sequence", func(s *State) { s.Sequence = map[mesh.Address]mesh.SequenceNumber{0x0001: 5} }},
		{"sequence overflow", func(s *State) { s.Sequence = map[mesh.Address]mesh.SequenceNumber{0x0010: 1 << 24} }},
		{"duplicate NetKey", func(s *State) { s.NetKeys = append(s.NetKeys, s.NetKeys[0]) }},
		{"orphan AppKey", func(s *State) { s.AppKeys[0].NetIndex = 9 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testState(t)
			tt.mutate(s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestSubscribe(t *testing.T) {
	s := testState(t)
	assert.Equal(t, mesh.Address(0xC001), s.Subscribe(0xC001, nil))
	assert.Equal(t, mesh.Address(0xC001), s.Subscribe(0xC001, nil))

	label := uuid.MustParse("0073e7e4-d8b9-440f-af84-15df4c56c0e1")
	addr := s.Subscribe(0, &label)
	assert.Equal(t, mesh.Address(0xb529), addr)

	assert.Equal(t, []mesh.Address{0xC001, 0xb529}, s.Subscriptions)
	assert.Equal(t, []uuid.UUID{label}, s.Labels)
	require.NoError(t, s.Validate())
}

func TestYAMLRoundTrip(t *testing.T) {
	s := testState(t)
	s.Relay = true
	s.IVIndex = 0x12345678
	s.Subscribe(0xC001, nil)
	label := uuid.MustParse("0073e7e4-d8b9-440f-af84-15df4c56c0e1")
	s.Subscribe(0, &label)
	s.Sequence = map[mesh.Address]mesh.SequenceNumber{0x0010: 42, 0x0011: 7}
	s.Replay = map[mesh.Address]sequence.ReplayEntry{0x0020: {IVIndex: 0x12345678, Sequence: 99}}
	updated := mustKey(t, testAppKey)
	s.NetKeys[0].Updated = &updated

	data, err := s.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), testNetKey, "keys are stored as hex")
	assert.Contains(t, string(data), label.String())

	back, err := Parse(data)
	require.NoError(t, err)
	if diff := cmp.Diff(s, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("primary: [1, 2"))
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = Parse([]byte("primary: 1\nelement_count: 1\ndev_key: abcd\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("primary: 0xC000\nelement_count: 1\n"))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	store := NewFileStore(path)

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrNotFound)

	s := testState(t)
	require.NoError(t, store.Save(s))
	require.NoError(t, store.Save(s), "saving twice replaces the file")

	back, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, s.DevKey, back.DevKey)
	assert.Equal(t, s.NetKeys, back.NetKeys)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")

	require.NoError(t, os.WriteFile(path, []byte("primary: 0\n"), 0o600))
	_, err = store.Load()
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.True(t, strings.Contains(err.Error(), path))
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Load()
	assert.ErrorIs(t, err, ErrNotFound)

	s := testState(t)
	require.NoError(t, store.Save(s))
	s.Relay = true

	back, err := store.Load()
	require.NoError(t, err)
	assert.False(t, back.Relay, "the store keeps a copy")
}

// TestNodeRestart runs a node from a state, persists its snapshot and
// checks a restarted node rejects frames the first one accepted.
func TestNodeRestart(t *testing.T) {
	sender := testState(t)
	receiver, err := New(0x0020, 1)
	require.NoError(t, err)
	require.NoError(t, receiver.AddNetKey(0, mustKey(t, testNetKey)))
	require.NoError(t, receiver.AddAppKey(0, 0, mustKey(t, testAppKey)))
	receiver.Subscribe(0xC005, nil)

	var frames [][]byte
	wire := bearerFunc(func(b []byte) error {
		frames = append(frames, append([]byte(nil), b...))
		return nil
	})

	cfg := sender.Config()
	cfg.Bearer = wire
	a, err := stack.New(cfg)
	require.NoError(t, err)
	require.NoError(t, sender.Apply(a))
	defer a.Stop()

	var got [][]byte
	rcfg := receiver.Config()
	rcfg.OnDelivery = func(d stack.Delivery) { got = append(got, d.Payload) }
	b, err := stack.New(rcfg)
	require.NoError(t, err)
	require.NoError(t, receiver.Apply(b))

	require.NoError(t, a.Send(context.Background(), stack.SendRequest{Dst: 0xC005, TTL: 3, Payload: []byte{0x01}}))
	require.NoError(t, b.Process(bearer.Frame{Data: frames[0]}))
	require.Len(t, got, 1)

	sender.Update(a.Snapshot())
	receiver.Update(b.Snapshot())
	require.NoError(t, b.Stop())
	assert.Equal(t, mesh.SequenceNumber(1), sender.Sequence[0x0010])

	store := NewMemoryStore()
	require.NoError(t, store.Save(receiver))
	restored, err := store.Load()
	require.NoError(t, err)

	b2, err := stack.New(restored.Config())
	require.NoError(t, err)
	require.NoError(t, restored.Apply(b2))
	defer b2.Stop()

	assert.ErrorIs(t, b2.Process(bearer.Frame{Data: frames[0]}), mesh.ErrReplay)
}

// bearerFunc adapts a function to bearer.Bearer.
type bearerFunc func([]byte) error

func (f bearerFunc) Send(b []byte) error { return f(b) }
func (f bearerFunc) Close() error        { return nil }
