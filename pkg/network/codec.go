package network

import (
	"encoding/binary"
	"fmt"

	"github.com/backkem/btmesh/pkg/crypto"
	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/pion/logging"
)

// Decoded is an authenticated inbound network PDU.
type Decoded struct {
	PDU

	// IVIndex is the IV Index the frame authenticated under.
	IVIndex mesh.IVIndex

	// Subnet is the subnet whose key authenticated the frame.
	Subnet *Subnet

	// Keys is the exact key set that authenticated the frame.
	Keys *crypto.NetworkKeys
}

// CodecConfig configures a Codec.
type CodecConfig struct {
	// Keyring supplies candidate keys for inbound frames. Required.
	Keyring *Keyring

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Codec encodes and decodes network PDUs.
type Codec struct {
	keyring *Keyring
	log     logging.LeveledLogger
}

// NewCodec creates a codec over a keyring.
func NewCodec(config CodecConfig) *Codec {
	c := &Codec{keyring: config.Keyring}
	if c.keyring == nil {
		c.keyring = NewKeyring()
	}
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("mesh-network")
	}
	return c
}

// Keyring returns the codec's keyring.
func (c *Codec) Keyring() *Keyring { return c.keyring }

// Encode encrypts and obfuscates pdu under keys and iv. The IVI and NID
// fields of the header are filled from iv and keys.
func Encode(pdu *PDU, keys *crypto.NetworkKeys, iv mesh.IVIndex) ([]byte, error) {
	if err := pdu.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", mesh.ErrMalformedPDU, err)
	}
	return seal(pdu, keys, iv)
}

// seal performs the encryption and obfuscation steps of Encode.
func seal(pdu *PDU, keys *crypto.NetworkKeys, iv mesh.IVIndex) ([]byte, error) {
	pdu.IVI = iv.IVI()
	pdu.NID = keys.NID

	plaintext := make([]byte, 2+len(pdu.TransportPDU))
	binary.BigEndian.PutUint16(plaintext[0:2], uint16(pdu.DST))
	copy(plaintext[2:], pdu.TransportPDU)

	nonce := crypto.NetworkNonce(pdu.CTL, pdu.TTL, pdu.SEQ, pdu.SRC, iv)
	sealed, err := crypto.CCMEncrypt(keys.EncryptionKey[:], nonce, plaintext, nil, pdu.NetMICSize())
	if err != nil {
		return nil, err
	}

	out := make([]byte, HeaderSize+len(sealed))
	out[0] = pdu.IVI<<7 | pdu.NID&0x7F
	pdu.putObfuscated(out[1:HeaderSize])
	copy(out[HeaderSize:], sealed)

	if err := crypto.Obfuscate(keys.PrivacyKey, iv, out[HeaderSize:HeaderSize+crypto.PrivacyRandomSize], out[1:HeaderSize]); err != nil {
		return nil, err
	}
	return out, nil
}

// Encode encrypts pdu with the transmit keys of the subnet at index.
func (c *Codec) Encode(pdu *PDU, index mesh.NetKeyIndex, iv mesh.IVIndex) ([]byte, error) {
	sub, ok := c.keyring.Subnet(index)
	if !ok {
		return nil, ErrNoSubnet
	}
	return Encode(pdu, sub.TxKeys(), iv)
}

// Decode authenticates frame against every key sharing its NID and every
// candidate IV Index whose low bit matches IVI.
//
// Errors wrap mesh.ErrMalformedPDU (bad length, or invalid fields after
// authentication), mesh.ErrNoMatchingKey (no key with this NID, or no
// candidate IV Index) and mesh.ErrAuthenticationFailure (a key matched the
// NID but no MIC verified).
func (c *Codec) Decode(frame []byte, ivCandidates []mesh.IVIndex) (*Decoded, error) {
	if len(frame) < MinPDUSize || len(frame) > MaxPDUSize {
		return nil, fmt.Errorf("%w: frame length %d", mesh.ErrMalformedPDU, len(frame))
	}

	ivi, nid, _ := PeekNID(frame)
	creds := c.keyring.Candidates(nid)
	if len(creds) == 0 {
		return nil, fmt.Errorf("%w: nid %#02x", mesh.ErrNoMatchingKey, nid)
	}

	ivs := make([]mesh.IVIndex, 0, 2)
	for _, iv := range ivCandidates {
		if iv.IVI() == ivi {
			ivs = append(ivs, iv)
		}
	}
	if len(ivs) == 0 {
		return nil, fmt.Errorf("%w: no IV index with IVI %d", mesh.ErrNoMatchingKey, ivi)
	}

	privacyRandom := frame[HeaderSize : HeaderSize+crypto.PrivacyRandomSize]
	for _, cred := range creds {
		for _, iv := range ivs {
			d, ok := open(frame, privacyRandom, cred, iv)
			if !ok {
				continue
			}
			d.IVI, d.NID = ivi, nid
			if err := d.validateInbound(); err != nil {
				return nil, fmt.Errorf("%w: %w", mesh.ErrMalformedPDU, err)
			}
			return d, nil
		}
	}

	if c.log != nil {
		c.log.Tracef("no key authenticated frame with nid %#02x (%d candidates)", nid, len(creds))
	}
	return nil, mesh.ErrAuthenticationFailure
}

// open tries one key set and IV Index.
func open(frame, privacyRandom []byte, cred Credential, iv mesh.IVIndex) (*Decoded, bool) {
	var clear [crypto.ObfuscatedSize]byte
	copy(clear[:], frame[1:HeaderSize])
	if err := crypto.Deobfuscate(cred.Keys.PrivacyKey, iv, privacyRandom, clear[:]); err != nil {
		return nil, false
	}

	d := &Decoded{IVIndex: iv, Subnet: cred.Subnet, Keys: cred.Keys}
	d.parseObfuscated(clear[:])

	mic := d.NetMICSize()
	if len(frame)-HeaderSize < 2+1+mic {
		return nil, false
	}

	nonce := crypto.NetworkNonce(d.CTL, d.TTL, d.SEQ, d.SRC, iv)
	plaintext, err := crypto.CCMDecrypt(cred.Keys.EncryptionKey[:], nonce, frame[HeaderSize:], nil, mic)
	if err != nil {
		return nil, false
	}

	d.DST = mesh.Address(binary.BigEndian.Uint16(plaintext[0:2]))
	d.TransportPDU = plaintext[2:]
	return d, true
}

func (d *Decoded) validateInbound() error {
	if !d.SRC.IsUnicast() {
		return ErrInvalidSource
	}
	if !d.DST.IsValidDestination() {
		return ErrInvalidDestination
	}
	if len(d.TransportPDU) > d.MaxTransportPDU() {
		return ErrTransportPDUSize
	}
	return nil
}
