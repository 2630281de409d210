package crypto

import (
	"crypto/rand"
	"fmt"

	"github.com/backkem/btmesh/pkg/mesh"
)

// NewKey returns a random 128-bit key.
func NewKey() (mesh.Key, error) {
	var k mesh.Key
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("crypto: random key: %w", err)
	}
	return k, nil
}

// NetworkKeys is the material derived from one NetKey. The NetKey itself is
// kept so relayed and retransmitted PDUs can be re-encoded.
type NetworkKeys struct {
	NetKey        mesh.Key
	NID           uint8
	EncryptionKey mesh.Key
	PrivacyKey    mesh.Key
	NetworkID     [8]byte
	IdentityKey   mesh.Key
	BeaconKey     mesh.Key
}

// DeriveNetworkKeys derives the network credentials of netKey.
func DeriveNetworkKeys(netKey mesh.Key) (*NetworkKeys, error) {
	k2, err := K2(netKey[:], []byte{0x00})
	if err != nil {
		return nil, err
	}
	netID, err := K3(netKey[:])
	if err != nil {
		return nil, err
	}

	idKey, err := K1(netKey[:], S1([]byte("nkik")), []byte("id128\x01"))
	if err != nil {
		return nil, err
	}
	beaconKey, err := K1(netKey[:], S1([]byte("nkbk")), []byte("id128\x01"))
	if err != nil {
		return nil, err
	}

	keys := &NetworkKeys{
		NetKey:        netKey,
		NID:           k2.NID,
		EncryptionKey: k2.EncryptionKey,
		PrivacyKey:    k2.PrivacyKey,
		NetworkID:     netID,
	}
	copy(keys.IdentityKey[:], idKey)
	copy(keys.BeaconKey[:], beaconKey)
	return keys, nil
}

// DeriveAID returns the application key identifier of appKey.
func DeriveAID(appKey mesh.Key) (uint8, error) {
	return K4(appKey[:])
}
