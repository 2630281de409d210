// Network header obfuscation from Mesh Profile Section 3.8.7.3.

package crypto

import (
	"crypto/aes"
	"encoding/binary"

	"github.com/backkem/btmesh/pkg/mesh"
)

const (
	// PrivacyRandomSize is the number of leading encrypted bytes mixed into PECB.
	PrivacyRandomSize = 7

	// ObfuscatedSize is the size of the CTL|TTL || SEQ || SRC block.
	ObfuscatedSize = 6
)

// PECB computes e(PrivacyKey, 0x0000000000 || IV Index || Privacy Random).
func PECB(privacyKey mesh.Key, iv mesh.IVIndex, privacyRandom []byte) ([]byte, error) {
	if len(privacyRandom) != PrivacyRandomSize {
		return nil, ErrInvalidPrivacyRandom
	}
	block, err := aes.NewCipher(privacyKey[:])
	if err != nil {
		return nil, err
	}

	var in [aesBlockSize]byte
	binary.BigEndian.PutUint32(in[5:9], uint32(iv))
	copy(in[9:], privacyRandom)

	out := make([]byte, aesBlockSize)
	block.Encrypt(out, in[:])
	return out, nil
}

// Obfuscate XORs header (CTL|TTL, SEQ, SRC) in place with the first six
// bytes of PECB. Applying it twice restores the input, so Deobfuscate is
// the same operation.
func Obfuscate(privacyKey mesh.Key, iv mesh.IVIndex, privacyRandom, header []byte) error {
	if len(header) != ObfuscatedSize {
		return ErrInvalidHeaderSize
	}
	pecb, err := PECB(privacyKey, iv, privacyRandom)
	if err != nil {
		return err
	}
	for i := range header {
		header[i] ^= pecb[i]
	}
	return nil
}

// Deobfuscate reverses Obfuscate.
func Deobfuscate(privacyKey mesh.Key, iv mesh.IVIndex, privacyRandom, header []byte) error {
	return Obfuscate(privacyKey, iv, privacyRandom, header)
}
