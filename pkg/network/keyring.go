package network

import (
	"sync"

	"github.com/backkem/btmesh/pkg/crypto"
	"github.com/backkem/btmesh/pkg/mesh"
)

// Subnet is one installed NetKey with its derived credentials.
// During a key refresh the subnet carries both the old and the new keys:
// frames under either are accepted and the new keys are used to transmit.
type Subnet struct {
	Index mesh.NetKeyIndex
	Keys  *crypto.NetworkKeys

	// Updated is the pending NetKey of a key refresh, nil otherwise.
	Updated *crypto.NetworkKeys
}

// TxKeys returns the credentials used for outbound frames.
func (s *Subnet) TxKeys() *crypto.NetworkKeys {
	if s.Updated != nil {
		return s.Updated
	}
	return s.Keys
}

// Credential pairs a subnet with one of its key sets.
type Credential struct {
	Subnet *Subnet
	Keys   *crypto.NetworkKeys
}

// Keyring holds the node's subnets indexed by NetKey index and by NID.
// Several keys may share a NID, so every NID bucket is a list that the
// decoder scans in full.
// Thread-safe for concurrent access.
type Keyring struct {
	byIndex map[mesh.NetKeyIndex]*Subnet
	byNID   map[uint8][]Credential
	mu      sync.RWMutex
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{
		byIndex: make(map[mesh.NetKeyIndex]*Subnet),
		byNID:   make(map[uint8][]Credential),
	}
}

// Install derives and adds a NetKey. Installing an index twice replaces
// the previous key.
func (k *Keyring) Install(index mesh.NetKeyIndex, netKey mesh.Key) (*Subnet, error) {
	keys, err := crypto.DeriveNetworkKeys(netKey)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	sub := &Subnet{Index: index, Keys: keys}
	k.byIndex[index] = sub
	k.rebuild()
	return sub, nil
}

// Update starts a key refresh on an installed subnet.
func (k *Keyring) Update(index mesh.NetKeyIndex, netKey mesh.Key) error {
	keys, err := crypto.DeriveNetworkKeys(netKey)
	if err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	sub, ok := k.byIndex[index]
	if !ok {
		return ErrNoSubnet
	}
	k.byIndex[index] = &Subnet{Index: index, Keys: sub.Keys, Updated: keys}
	k.rebuild()
	return nil
}

// Commit finishes a key refresh, revoking the old key.
func (k *Keyring) Commit(index mesh.NetKeyIndex) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	sub, ok := k.byIndex[index]
	if !ok {
		return ErrNoSubnet
	}
	if sub.Updated != nil {
		k.byIndex[index] = &Subnet{Index: index, Keys: sub.Updated}
		k.rebuild()
	}
	return nil
}

// Remove deletes a subnet.
func (k *Keyring) Remove(index mesh.NetKeyIndex) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.byIndex[index]; !ok {
		return
	}
	delete(k.byIndex, index)
	k.rebuild()
}

// Subnet returns the subnet installed at index.
func (k *Keyring) Subnet(index mesh.NetKeyIndex) (*Subnet, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	sub, ok := k.byIndex[index]
	return sub, ok
}

// Candidates returns every credential whose NID matches.
func (k *Keyring) Candidates(nid uint8) []Credential {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return k.byNID[nid&0x7F]
}

// Count returns the number of installed subnets.
func (k *Keyring) Count() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.byIndex)
}

// Indexes returns the installed NetKey indexes.
func (k *Keyring) Indexes() []mesh.NetKeyIndex {
	k.mu.RLock()
	defer k.mu.RUnlock()

	out := make([]mesh.NetKeyIndex, 0, len(k.byIndex))
	for idx := range k.byIndex {
		out = append(out, idx)
	}
	return out
}

// rebuild regenerates the NID index. Buckets are replaced, never mutated,
// so slices handed out by Candidates stay valid. Caller holds mu.
func (k *Keyring) rebuild() {
	byNID := make(map[uint8][]Credential, len(k.byIndex))
	for _, sub := range k.byIndex {
		byNID[sub.Keys.NID] = append(byNID[sub.Keys.NID], Credential{Subnet: sub, Keys: sub.Keys})
		if sub.Updated != nil {
			byNID[sub.Updated.NID] = append(byNID[sub.Updated.NID], Credential{Subnet: sub, Keys: sub.Updated})
		}
	}
	k.byNID = byNID
}
