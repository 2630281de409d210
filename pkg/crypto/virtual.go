package crypto

import (
	"encoding/binary"

	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/google/uuid"
)

// VirtualAddress hashes a Label UUID into a virtual address
// (Mesh Profile 3.4.2.3): 0x8000 | (AES-CMAC(s1("vtad"), Label) mod 2^14).
func VirtualAddress(label uuid.UUID) mesh.Address {
	out, _ := CMAC(S1([]byte("vtad")), label[:])
	hash := binary.BigEndian.Uint16(out[14:16]) & 0x3FFF
	return mesh.Address(0x8000 | hash)
}

// NewLabel returns a random Label UUID together with its virtual address.
func NewLabel() (uuid.UUID, mesh.Address) {
	label := uuid.New()
	return label, VirtualAddress(label)
}
