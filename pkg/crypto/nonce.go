// Nonce construction for Mesh Profile Section 3.8.5.

package crypto

import (
	"encoding/binary"

	"github.com/backkem/btmesh/pkg/mesh"
)

// NonceType is the first byte of every Mesh nonce.
type NonceType uint8

const (
	NonceNetwork     NonceType = 0x00
	NonceApplication NonceType = 0x01
	NonceDevice      NonceType = 0x02
	NonceProxy       NonceType = 0x03
)

// NetworkNonce builds the network nonce:
// 0x00 || CTL|TTL || SEQ || SRC || 0x0000 || IV Index.
func NetworkNonce(ctl bool, ttl mesh.TTL, seq mesh.SequenceNumber, src mesh.Address, iv mesh.IVIndex) []byte {
	nonce := make([]byte, NonceSize)
	nonce[0] = byte(NonceNetwork)
	nonce[1] = byte(ttl) & 0x7F
	if ctl {
		nonce[1] |= 0x80
	}
	putSeq(nonce[2:5], seq)
	binary.BigEndian.PutUint16(nonce[5:7], uint16(src))
	binary.BigEndian.PutUint32(nonce[9:13], uint32(iv))
	return nonce
}

// ApplicationNonce builds the nonce for AppKey secured access messages.
func ApplicationNonce(szmic bool, seq mesh.SequenceNumber, src, dst mesh.Address, iv mesh.IVIndex) []byte {
	return upperNonce(NonceApplication, szmic, seq, src, dst, iv)
}

// DeviceNonce builds the nonce for DevKey secured access messages.
func DeviceNonce(szmic bool, seq mesh.SequenceNumber, src, dst mesh.Address, iv mesh.IVIndex) []byte {
	return upperNonce(NonceDevice, szmic, seq, src, dst, iv)
}

// ProxyNonce builds the nonce used for proxy configuration messages.
func ProxyNonce(seq mesh.SequenceNumber, src mesh.Address, iv mesh.IVIndex) []byte {
	nonce := make([]byte, NonceSize)
	nonce[0] = byte(NonceProxy)
	putSeq(nonce[2:5], seq)
	binary.BigEndian.PutUint16(nonce[5:7], uint16(src))
	binary.BigEndian.PutUint32(nonce[9:13], uint32(iv))
	return nonce
}

func upperNonce(t NonceType, szmic bool, seq mesh.SequenceNumber, src, dst mesh.Address, iv mesh.IVIndex) []byte {
	nonce := make([]byte, NonceSize)
	nonce[0] = byte(t)
	if szmic {
		nonce[1] = 0x80
	}
	putSeq(nonce[2:5], seq)
	binary.BigEndian.PutUint16(nonce[5:7], uint16(src))
	binary.BigEndian.PutUint16(nonce[7:9], uint16(dst))
	binary.BigEndian.PutUint32(nonce[9:13], uint32(iv))
	return nonce
}

func putSeq(dst []byte, seq mesh.SequenceNumber) {
	dst[0] = byte(seq >> 16)
	dst[1] = byte(seq >> 8)
	dst[2] = byte(seq)
}
