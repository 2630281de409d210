// Package upper implements upper transport access PDU security
// (Mesh Profile Section 3.6.4): AES-CCM with the application or device
// nonce, the optional virtual address Label UUID as associated data, and
// the key tables used to pick the AppKey or DevKey of a message.
package upper

import (
	"errors"
	"fmt"

	"github.com/backkem/btmesh/pkg/crypto"
	"github.com/backkem/btmesh/pkg/lower"
	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/google/uuid"
)

var (
	ErrPayloadTooLong  = errors.New("upper: access payload too long")
	ErrEmptyPayload    = errors.New("upper: empty access payload")
	ErrMissingLabel    = errors.New("upper: virtual destination requires a label")
	ErrLabelMismatch   = errors.New("upper: label does not hash to destination")
	ErrUnknownAppKey   = errors.New("upper: unknown AppKey index")
	ErrNoDevKey        = errors.New("upper: no DevKey for destination")
	ErrInvalidKeyIndex = errors.New("upper: key index exceeds 12 bits")
)

// Params are the values bound into the upper transport nonce.
type Params struct {
	// SZMIC selects a 64-bit TransMIC. Only segmented messages may set it.
	SZMIC bool

	// Seq is the sequence number of the first segment (SeqAuth).
	Seq mesh.SequenceNumber

	Src     mesh.Address
	Dst     mesh.Address
	IVIndex mesh.IVIndex

	// Label is the Label UUID of a virtual Dst.
	Label *uuid.UUID
}

// MICSize returns the TransMIC size for szmic.
func MICSize(szmic bool) int {
	if szmic {
		return crypto.MICSize64
	}
	return crypto.MICSize32
}

// MaxPayload returns the largest access payload that can be carried with
// the given TransMIC size.
func MaxPayload(szmic bool) int {
	return lower.MaxUpperAccessPDU - MICSize(szmic)
}

func (p *Params) nonce(device bool) []byte {
	if device {
		return crypto.DeviceNonce(p.SZMIC, p.Seq, p.Src, p.Dst, p.IVIndex)
	}
	return crypto.ApplicationNonce(p.SZMIC, p.Seq, p.Src, p.Dst, p.IVIndex)
}

func (p *Params) aad() ([]byte, error) {
	if !p.Dst.IsVirtual() {
		return nil, nil
	}
	if p.Label == nil {
		return nil, ErrMissingLabel
	}
	if crypto.VirtualAddress(*p.Label) != p.Dst {
		return nil, ErrLabelMismatch
	}
	return p.Label[:], nil
}

// Encrypt seals an access payload into an upper transport access PDU
// (ciphertext followed by the TransMIC). device selects the device nonce.
func Encrypt(key mesh.Key, device bool, p Params, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(payload) > MaxPayload(p.SZMIC) {
		return nil, ErrPayloadTooLong
	}
	aad, err := p.aad()
	if err != nil {
		return nil, err
	}
	return crypto.CCMEncrypt(key[:], p.nonce(device), payload, aad, MICSize(p.SZMIC))
}

// Decrypt opens an upper transport access PDU. A MIC mismatch is
// reported as mesh.ErrAuthenticationFailure.
func Decrypt(key mesh.Key, device bool, p Params, pdu []byte) ([]byte, error) {
	if len(pdu) <= MICSize(p.SZMIC) {
		return nil, fmt.Errorf("%w: upper transport PDU too short", mesh.ErrMalformedPDU)
	}
	aad, err := p.aad()
	if err != nil {
		return nil, err
	}
	out, err := crypto.CCMDecrypt(key[:], p.nonce(device), pdu, aad, MICSize(p.SZMIC))
	if err != nil {
		if errors.Is(err, crypto.ErrAuthFailed) {
			return nil, mesh.ErrAuthenticationFailure
		}
		return nil, err
	}
	return out, nil
}
