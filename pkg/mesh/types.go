package mesh

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// KeySize is the size of every Mesh key in bytes.
const KeySize = 16

// Key is a 128-bit NetKey, AppKey or DevKey.
type Key [KeySize]byte

// ParseKey decodes a 32 character hex string into a Key.
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return k, fmt.Errorf("mesh: parse key: %w", err)
	}
	if len(b) != KeySize {
		return k, ErrInvalidKeyLength
	}
	copy(k[:], b)
	return k, nil
}

// String returns the key as lowercase hex.
func (k Key) String() string { return hex.EncodeToString(k[:]) }

// IsZero reports whether the key is all zeros.
func (k Key) IsZero() bool { return k == Key{} }

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// NetKeyIndex is the 12-bit global index of a NetKey.
type NetKeyIndex uint16

// AppKeyIndex is the 12-bit global index of an AppKey.
type AppKeyIndex uint16

// MaxKeyIndex is the largest 12-bit key index.
const MaxKeyIndex = 0x0FFF

// SequenceNumber is a 24-bit per-element message sequence number.
type SequenceNumber uint32

// Sequence number limits.
const (
	SequenceBits               = 24
	MaxSequence SequenceNumber = 1<<SequenceBits - 1
)

// Valid reports whether s fits in 24 bits.
func (s SequenceNumber) Valid() bool { return s <= MaxSequence }

// IVIndex is the 32-bit network-wide IV Index.
type IVIndex uint32

// IVI returns the least significant bit carried in every network PDU.
func (i IVIndex) IVI() uint8 { return uint8(i & 1) }

// TTL is a 7-bit time-to-live.
type TTL uint8

// TTL limits (Mesh Profile 3.4.3).
const (
	MaxTTL     TTL = 0x7F
	DefaultTTL TTL = 5
)

// SeqAuth is the 56-bit value (IV Index << 24 | first SEQ) that identifies
// one upper transport PDU across all of its segments.
type SeqAuth uint64

// NewSeqAuth combines an IV Index and a sequence number.
func NewSeqAuth(iv IVIndex, seq SequenceNumber) SeqAuth {
	return SeqAuth(uint64(iv)<<SequenceBits | uint64(seq&MaxSequence))
}

// IVIndex returns the IV Index part.
func (s SeqAuth) IVIndex() IVIndex { return IVIndex(s >> SequenceBits) }

// Sequence returns the sequence number of the first segment.
func (s SeqAuth) Sequence() SequenceNumber { return SequenceNumber(s) & MaxSequence }

// SeqZero returns the 13 least significant bits of the sequence number.
func (s SeqAuth) SeqZero() uint16 { return uint16(s) & SeqZeroMask }

// SeqZeroMask masks the 13-bit SeqZero field.
const SeqZeroMask = 0x1FFF
