// Key derivation functions from Mesh Profile Section 3.8.2.
// All of them are built on AES-CMAC (RFC 4493).

package crypto

import (
	"crypto/aes"

	"github.com/aead/cmac"
)

// CMAC computes AES-CMAC(key, m).
func CMAC(key, m []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrInvalidKeySize
	}
	h, err := cmac.New(block)
	if err != nil {
		return nil, err
	}
	h.Write(m)
	return h.Sum(nil), nil
}

var zeroKey [KeySize]byte

// S1 is the salt generation function: AES-CMAC with an all-zero key.
func S1(m []byte) []byte {
	out, _ := CMAC(zeroKey[:], m)
	return out
}

// K1 derives a key from N, SALT and P.
func K1(n, salt, p []byte) ([]byte, error) {
	t, err := CMAC(salt, n)
	if err != nil {
		return nil, err
	}
	return CMAC(t, p)
}

// K2Result holds the network-layer material produced by k2.
type K2Result struct {
	NID           uint8
	EncryptionKey [KeySize]byte
	PrivacyKey    [KeySize]byte
}

// K2 derives NID, EncryptionKey and PrivacyKey from N and P.
// P is 0x00 for managed flooding credentials.
func K2(n, p []byte) (K2Result, error) {
	var res K2Result
	if len(n) != KeySize {
		return res, ErrInvalidKeySize
	}

	t, err := CMAC(S1([]byte("smk2")), n)
	if err != nil {
		return res, err
	}

	var prev []byte
	var ts [3][]byte
	for i := range ts {
		in := make([]byte, 0, len(prev)+len(p)+1)
		in = append(in, prev...)
		in = append(in, p...)
		in = append(in, byte(i+1))
		if ts[i], err = CMAC(t, in); err != nil {
			return res, err
		}
		prev = ts[i]
	}

	res.NID = ts[0][15] & 0x7F
	copy(res.EncryptionKey[:], ts[1])
	copy(res.PrivacyKey[:], ts[2])
	return res, nil
}

// K3 derives the 64-bit Network ID.
func K3(n []byte) ([8]byte, error) {
	var id [8]byte
	t, err := CMAC(S1([]byte("smk3")), n)
	if err != nil {
		return id, err
	}
	out, err := CMAC(t, []byte("id64\x01"))
	if err != nil {
		return id, err
	}
	copy(id[:], out[8:])
	return id, nil
}

// K4 derives the 6-bit AID of an application key.
func K4(n []byte) (uint8, error) {
	t, err := CMAC(S1([]byte("smk4")), n)
	if err != nil {
		return 0, err
	}
	out, err := CMAC(t, []byte("id6\x01"))
	if err != nil {
		return 0, err
	}
	return out[15] & 0x3F, nil
}
