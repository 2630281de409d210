package upper

import (
	"errors"
	"sort"
	"sync"

	"github.com/backkem/btmesh/pkg/crypto"
	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/google/uuid"
)

// AppKey is an installed application key bound to one subnet.
type AppKey struct {
	Index       mesh.AppKeyIndex
	NetKeyIndex mesh.NetKeyIndex
	Key         mesh.Key
	AID         uint8
}

// KeySelector names the key an outbound access message is sealed with.
type KeySelector struct {
	AppKeyIndex mesh.AppKeyIndex

	// UseDevKey seals with the destination's DevKey, or the local DevKey
	// when none is known for the destination.
	UseDevKey bool
}

// Sealed is an encrypted upper transport access PDU with the lower
// transport header fields that identify its key.
type Sealed struct {
	PDU         []byte
	AKF         bool
	AID         uint8
	NetKeyIndex mesh.NetKeyIndex
}

// Opened is a decrypted access payload with the key that authenticated it.
type Opened struct {
	Payload []byte

	// AppKey is nil when a DevKey authenticated the message.
	AppKey *AppKey

	// Label is set for virtual destinations.
	Label *uuid.UUID
}

// KeyTable holds the AppKeys, the local DevKey, the DevKeys of peers and
// the Label UUIDs of subscribed virtual addresses.
//
// Thread-safe for concurrent access.
type KeyTable struct {
	mu     sync.RWMutex
	apps   map[mesh.AppKeyIndex]*AppKey
	byAID  map[uint8][]*AppKey
	devKey *mesh.Key
	peers  map[mesh.Address]mesh.Key
	labels map[mesh.Address][]uuid.UUID
}

// NewKeyTable creates an empty key table.
func NewKeyTable() *KeyTable {
	return &KeyTable{
		apps:   make(map[mesh.AppKeyIndex]*AppKey),
		byAID:  make(map[uint8][]*AppKey),
		peers:  make(map[mesh.Address]mesh.Key),
		labels: make(map[mesh.Address][]uuid.UUID),
	}
}

// InstallAppKey adds or replaces the AppKey at index, bound to netIndex.
func (t *KeyTable) InstallAppKey(index mesh.AppKeyIndex, netIndex mesh.NetKeyIndex, key mesh.Key) (*AppKey, error) {
	if index > mesh.MaxKeyIndex || netIndex > mesh.MaxKeyIndex {
		return nil, ErrInvalidKeyIndex
	}
	aid, err := crypto.DeriveAID(key)
	if err != nil {
		return nil, err
	}
	app := &AppKey{Index: index, NetKeyIndex: netIndex, Key: key, AID: aid}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.apps[index] = app
	t.rebuildLocked()
	return app, nil
}

// RemoveAppKey deletes the AppKey at index.
func (t *KeyTable) RemoveAppKey(index mesh.AppKeyIndex) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.apps, index)
	t.rebuildLocked()
}

// AppKey returns the AppKey at index.
func (t *KeyTable) AppKey(index mesh.AppKeyIndex) (*AppKey, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	app, ok := t.apps[index]
	return app, ok
}

// AppKeys returns every installed AppKey ordered by index.
func (t *KeyTable) AppKeys() []*AppKey {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*AppKey, 0, len(t.apps))
	for _, app := range t.apps {
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Candidates returns the AppKeys with the given AID bound to netIndex.
func (t *KeyTable) Candidates(aid uint8, netIndex mesh.NetKeyIndex) []*AppKey {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*AppKey
	for _, app := range t.byAID[aid] {
		if app.NetKeyIndex == netIndex {
			out = append(out, app)
		}
	}
	return out
}

func (t *KeyTable) rebuildLocked() {
	t.byAID = make(map[uint8][]*AppKey, len(t.apps))
	for _, app := range t.apps {
		t.byAID[app.AID] = append(t.byAID[app.AID], app)
	}
	for aid := range t.byAID {
		bucket := t.byAID[aid]
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].Index < bucket[j].Index })
	}
}

// SetDevKey sets the local node's DevKey.
func (t *KeyTable) SetDevKey(key mesh.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.devKey = &key
}

// SetPeerDevKey records the DevKey of the node whose primary element is addr.
func (t *KeyTable) SetPeerDevKey(addr mesh.Address, key mesh.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[addr] = key
}

// devKeys returns the DevKeys that may authenticate a message from src:
// the local DevKey first, then the peer's.
func (t *KeyTable) devKeys(src mesh.Address) []mesh.Key {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []mesh.Key
	if t.devKey != nil {
		out = append(out, *t.devKey)
	}
	if k, ok := t.peers[src]; ok {
		out = append(out, k)
	}
	return out
}

// AddLabel registers a Label UUID and returns its virtual address.
func (t *KeyTable) AddLabel(label uuid.UUID) mesh.Address {
	addr := crypto.VirtualAddress(label)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range t.labels[addr] {
		if l == label {
			return addr
		}
	}
	t.labels[addr] = append(t.labels[addr], label)
	return addr
}

// Labels returns the registered Label UUIDs hashing to addr. Distinct
// labels may collide on one virtual address.
func (t *KeyTable) Labels(addr mesh.Address) []uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]uuid.UUID(nil), t.labels[addr]...)
}

// Seal encrypts payload with the key named by sel.
func (t *KeyTable) Seal(sel KeySelector, p Params, payload []byte) (*Sealed, error) {
	if sel.UseDevKey {
		key, ok := t.sealDevKey(p.Dst)
		if !ok {
			return nil, ErrNoDevKey
		}
		pdu, err := Encrypt(key, true, p, payload)
		if err != nil {
			return nil, err
		}
		return &Sealed{PDU: pdu}, nil
	}

	app, ok := t.AppKey(sel.AppKeyIndex)
	if !ok {
		return nil, ErrUnknownAppKey
	}
	pdu, err := Encrypt(app.Key, false, p, payload)
	if err != nil {
		return nil, err
	}
	return &Sealed{PDU: pdu, AKF: true, AID: app.AID, NetKeyIndex: app.NetKeyIndex}, nil
}

func (t *KeyTable) sealDevKey(dst mesh.Address) (mesh.Key, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if k, ok := t.peers[dst]; ok {
		return k, true
	}
	if t.devKey != nil {
		return *t.devKey, true
	}
	return mesh.Key{}, false
}

// Open decrypts an upper transport access PDU received on subnet netIndex.
// Every AppKey with a matching AID (or every candidate DevKey when akf is
// clear) is tried, and for a virtual destination every label hashing to
// it. It fails with mesh.ErrNoMatchingKey when nothing could be tried and
// mesh.ErrAuthenticationFailure when nothing verified.
func (t *KeyTable) Open(akf bool, aid uint8, netIndex mesh.NetKeyIndex, p Params, pdu []byte) (*Opened, error) {
	labels := []*uuid.UUID{nil}
	if p.Dst.IsVirtual() {
		labels = labels[:0]
		for _, l := range t.Labels(p.Dst) {
			labels = append(labels, &l)
		}
		if len(labels) == 0 {
			return nil, mesh.ErrNoMatchingKey
		}
	}

	tried := false
	if akf {
		for _, app := range t.Candidates(aid, netIndex) {
			for _, label := range labels {
				tried = true
				p.Label = label
				out, err := Decrypt(app.Key, false, p, pdu)
				if err == nil {
					return &Opened{Payload: out, AppKey: app, Label: label}, nil
				}
				if !errors.Is(err, mesh.ErrAuthenticationFailure) {
					return nil, err
				}
			}
		}
	} else {
		for _, key := range t.devKeys(p.Src) {
			for _, label := range labels {
				tried = true
				p.Label = label
				out, err := Decrypt(key, true, p, pdu)
				if err == nil {
					return &Opened{Payload: out, Label: label}, nil
				}
				if !errors.Is(err, mesh.ErrAuthenticationFailure) {
					return nil, err
				}
			}
		}
	}

	if !tried {
		return nil, mesh.ErrNoMatchingKey
	}
	return nil, mesh.ErrAuthenticationFailure
}
