// Package network implements the Bluetooth Mesh network layer: the PDU
// format of Mesh Profile Section 3.4.4, its encryption and obfuscation, and
// the NID-indexed subnet keyring used to authenticate inbound frames.
package network

import (
	"encoding/binary"

	"github.com/backkem/btmesh/pkg/mesh"
)

// Network PDU layout.
const (
	// HeaderSize is IVI|NID (1) + obfuscated CTL|TTL, SEQ, SRC (6).
	HeaderSize = 7

	// MinPDUSize is the smallest valid frame: header, DST, one transport
	// byte and a 32-bit NetMIC.
	MinPDUSize = 14

	// MaxPDUSize is the largest valid frame.
	MaxPDUSize = 29

	// MaxAccessTransportPDU is the transport PDU limit when CTL=0.
	MaxAccessTransportPDU = 16

	// MaxControlTransportPDU is the transport PDU limit when CTL=1.
	MaxControlTransportPDU = 12

	// NetMICAccess is the NetMIC size when CTL=0.
	NetMICAccess = 4

	// NetMICControl is the NetMIC size when CTL=1.
	NetMICControl = 8
)

// Header is the cleartext view of the network header including DST.
type Header struct {
	IVI uint8
	NID uint8
	CTL bool
	TTL mesh.TTL
	SEQ mesh.SequenceNumber
	SRC mesh.Address
	DST mesh.Address
}

// NetMICSize returns the NetMIC length implied by CTL.
func (h *Header) NetMICSize() int {
	if h.CTL {
		return NetMICControl
	}
	return NetMICAccess
}

// MaxTransportPDU returns the transport PDU limit implied by CTL.
func (h *Header) MaxTransportPDU() int {
	if h.CTL {
		return MaxControlTransportPDU
	}
	return MaxAccessTransportPDU
}

// ctlTTL returns the CTL|TTL octet.
func (h *Header) ctlTTL() byte {
	b := byte(h.TTL) & 0x7F
	if h.CTL {
		b |= 0x80
	}
	return b
}

// putObfuscated writes CTL|TTL || SEQ || SRC into dst[0:6].
func (h *Header) putObfuscated(dst []byte) {
	dst[0] = h.ctlTTL()
	dst[1] = byte(h.SEQ >> 16)
	dst[2] = byte(h.SEQ >> 8)
	dst[3] = byte(h.SEQ)
	binary.BigEndian.PutUint16(dst[4:6], uint16(h.SRC))
}

// parseObfuscated reads CTL|TTL || SEQ || SRC from the deobfuscated block.
func (h *Header) parseObfuscated(src []byte) {
	h.CTL = src[0]&0x80 != 0
	h.TTL = mesh.TTL(src[0] & 0x7F)
	h.SEQ = mesh.SequenceNumber(src[1])<<16 | mesh.SequenceNumber(src[2])<<8 | mesh.SequenceNumber(src[3])
	h.SRC = mesh.Address(binary.BigEndian.Uint16(src[4:6]))
}

// PDU is a decoded network PDU.
type PDU struct {
	Header
	TransportPDU []byte
}

// Validate checks the fields an encoder must never emit.
func (p *PDU) Validate() error {
	if p.TTL > mesh.MaxTTL {
		return ErrInvalidTTL
	}
	if !p.SEQ.Valid() {
		return ErrInvalidSequence
	}
	if !p.SRC.IsUnicast() {
		return ErrInvalidSource
	}
	if !p.DST.IsValidDestination() {
		return ErrInvalidDestination
	}
	if n := len(p.TransportPDU); n < 1 || n > p.MaxTransportPDU() {
		return ErrTransportPDUSize
	}
	return nil
}

// Size returns the encoded frame length.
func (p *PDU) Size() int {
	return HeaderSize + 2 + len(p.TransportPDU) + p.NetMICSize()
}

// PeekNID returns the IVI bit and NID of a raw frame without decrypting it.
func PeekNID(frame []byte) (ivi, nid uint8, ok bool) {
	if len(frame) < 1 {
		return 0, 0, false
	}
	return frame[0] >> 7, frame[0] & 0x7F, true
}
