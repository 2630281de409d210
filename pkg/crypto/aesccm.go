// AES-CCM for Bluetooth Mesh network and upper transport security.
// This implements AES-128-CCM as defined in NIST 800-38C and RFC 3610 with
// the parameters fixed by Mesh Profile Section 3.8.5:
//   - Key length: 128 bits
//   - Nonce length: 13 bytes (q = 2)
//   - MIC length: 32 or 64 bits

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

const (
	// KeySize is the AES-128 key size in bytes.
	KeySize = 16

	// NonceSize is the CCM nonce size used by every Mesh nonce.
	NonceSize = 13

	// MICSize32 is the MIC size for access messages and unsegmented NetMIC.
	MICSize32 = 4

	// MICSize64 is the MIC size for control messages and SZMIC=1 TransMIC.
	MICSize64 = 8

	aesBlockSize = 16
)

var (
	ErrInvalidKeySize       = errors.New("crypto: invalid key size, must be 16 bytes")
	ErrInvalidNonceSize     = errors.New("crypto: invalid nonce size")
	ErrInvalidTagSize       = errors.New("crypto: invalid MIC size")
	ErrPlaintextTooLong     = errors.New("crypto: plaintext too long")
	ErrCiphertextTooShort   = errors.New("crypto: ciphertext shorter than MIC")
	ErrAuthFailed           = errors.New("crypto: message authentication failed")
	ErrInvalidPrivacyRandom = errors.New("crypto: privacy random must be 7 bytes")
	ErrInvalidHeaderSize    = errors.New("crypto: obfuscated header must be 6 bytes")
)

// AESCCM is an AES-128-CCM cipher with a fixed MIC size.
type AESCCM struct {
	block   cipher.Block
	tagSize int
	lenSize int
}

// NewAESCCM creates a Mesh AES-CCM cipher with a 13-byte nonce and the given
// MIC size (4 or 8 bytes in Mesh, any valid CCM size is accepted).
func NewAESCCM(key []byte, tagSize int) (*AESCCM, error) {
	return NewAESCCMWithParams(key, NonceSize, tagSize)
}

// NewAESCCMWithParams creates an AES-128-CCM cipher with configurable
// nonce and tag sizes. Used with RFC 3610 vectors.
func NewAESCCMWithParams(key []byte, nonceSize, tagSize int) (*AESCCM, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	lenSize := 15 - nonceSize
	if lenSize < 2 || lenSize > 8 {
		return nil, ErrInvalidNonceSize
	}
	if tagSize < 4 || tagSize > 16 || tagSize%2 != 0 {
		return nil, ErrInvalidTagSize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return &AESCCM{block: block, tagSize: tagSize, lenSize: lenSize}, nil
}

// NonceSize returns the nonce size of the cipher.
func (c *AESCCM) NonceSize() int { return 15 - c.lenSize }

// TagSize returns the MIC size of the cipher.
func (c *AESCCM) TagSize() int { return c.tagSize }

// Seal encrypts and authenticates plaintext. The result is
// ciphertext || MIC.
func (c *AESCCM) Seal(nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != c.NonceSize() {
		return nil, ErrInvalidNonceSize
	}
	if c.lenSize < 8 && len(plaintext) > (1<<(8*c.lenSize))-1 {
		return nil, ErrPlaintextTooLong
	}

	tag := c.cbcMAC(nonce, plaintext, aad)
	out := make([]byte, len(plaintext)+c.tagSize)

	s0 := c.counterBlock(nonce, 0)
	for i := 0; i < c.tagSize; i++ {
		out[len(plaintext)+i] = tag[i] ^ s0[i]
	}
	c.ctr(nonce, out[:len(plaintext)], plaintext)

	return out, nil
}

// Open verifies and decrypts ciphertext || MIC. Any mismatch returns
// ErrAuthFailed without revealing where it occurred.
func (c *AESCCM) Open(nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != c.NonceSize() {
		return nil, ErrInvalidNonceSize
	}
	if len(ciphertext) < c.tagSize {
		return nil, ErrCiphertextTooShort
	}

	data := ciphertext[:len(ciphertext)-c.tagSize]
	mic := ciphertext[len(ciphertext)-c.tagSize:]

	s0 := c.counterBlock(nonce, 0)
	received := make([]byte, c.tagSize)
	for i := range received {
		received[i] = mic[i] ^ s0[i]
	}

	plaintext := make([]byte, len(data))
	c.ctr(nonce, plaintext, data)

	expected := c.cbcMAC(nonce, plaintext, aad)
	if subtle.ConstantTimeCompare(received, expected[:c.tagSize]) != 1 {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// cbcMAC computes the unencrypted tag T (NIST 800-38C 6.1).
func (c *AESCCM) cbcMAC(nonce, plaintext, aad []byte) []byte {
	var b0 [aesBlockSize]byte
	flags := byte(0)
	if len(aad) > 0 {
		flags |= 1 << 6
	}
	flags |= byte((c.tagSize-2)/2) << 3
	flags |= byte(c.lenSize - 1)
	b0[0] = flags
	n := c.NonceSize()
	copy(b0[1:1+n], nonce)
	c.putLength(b0[1+n:], len(plaintext))

	mac := make([]byte, aesBlockSize)
	c.block.Encrypt(mac, b0[:])

	if len(aad) > 0 {
		// Mesh AAD is at most a 16-byte Label UUID, so the 2-byte length
		// encoding always applies.
		var hdr [aesBlockSize]byte
		binary.BigEndian.PutUint16(hdr[0:2], uint16(len(aad)))
		first := copy(hdr[2:], aad)
		c.absorb(mac, hdr[:])
		for rest := aad[first:]; len(rest) > 0; {
			var blk [aesBlockSize]byte
			k := copy(blk[:], rest)
			rest = rest[k:]
			c.absorb(mac, blk[:])
		}
	}

	for rest := plaintext; len(rest) > 0; {
		var blk [aesBlockSize]byte
		k := copy(blk[:], rest)
		rest = rest[k:]
		c.absorb(mac, blk[:])
	}

	return mac[:c.tagSize]
}

func (c *AESCCM) absorb(mac, blk []byte) {
	for i := 0; i < aesBlockSize; i++ {
		mac[i] ^= blk[i]
	}
	c.block.Encrypt(mac, mac)
}

// counterBlock returns E(K, A_i).
func (c *AESCCM) counterBlock(nonce []byte, i int) []byte {
	var a [aesBlockSize]byte
	a[0] = byte(c.lenSize - 1)
	copy(a[1:1+c.NonceSize()], nonce)
	c.putLength(a[aesBlockSize-c.lenSize:], i)
	s := make([]byte, aesBlockSize)
	c.block.Encrypt(s, a[:])
	return s
}

// ctr applies the CCM keystream starting at counter 1.
func (c *AESCCM) ctr(nonce []byte, dst, src []byte) {
	for i, blk := 0, 1; i < len(src); i, blk = i+aesBlockSize, blk+1 {
		ks := c.counterBlock(nonce, blk)
		end := i + aesBlockSize
		if end > len(src) {
			end = len(src)
		}
		for j := i; j < end; j++ {
			dst[j] = src[j] ^ ks[j-i]
		}
	}
}

func (c *AESCCM) putLength(dst []byte, length int) {
	for i := len(dst) - 1; i >= 0; i-- {
		dst[i] = byte(length)
		length >>= 8
	}
}

// CCMEncrypt seals plaintext under key with a 13-byte nonce and micSize MIC.
func CCMEncrypt(key []byte, nonce, plaintext, aad []byte, micSize int) ([]byte, error) {
	ccm, err := NewAESCCM(key, micSize)
	if err != nil {
		return nil, err
	}
	return ccm.Seal(nonce, plaintext, aad)
}

// CCMDecrypt opens ciphertext || MIC under key.
func CCMDecrypt(key []byte, nonce, ciphertext, aad []byte, micSize int) ([]byte, error) {
	ccm, err := NewAESCCM(key, micSize)
	if err != nil {
		return nil, err
	}
	return ccm.Open(nonce, ciphertext, aad)
}
