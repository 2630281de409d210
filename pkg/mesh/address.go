// Package mesh holds the data model shared by every layer of the Bluetooth
// Mesh network stack: addresses, key and counter scalars, and the error
// taxonomy returned by the network and lower transport engine.
//
// See Mesh Profile Specification 1.0, Section 3.4.2 (Addresses).
package mesh

import "fmt"

// Address is a 16-bit Mesh address.
type Address uint16

// Address ranges (Mesh Profile 3.4.2).
const (
	// UnassignedAddress is an element address that has not been configured.
	UnassignedAddress Address = 0x0000

	// MaxUnicastAddress is the largest unicast address.
	MaxUnicastAddress Address = 0x7FFF

	// virtualBase is the first virtual address.
	virtualBase Address = 0x8000

	// groupBase is the first group address.
	groupBase Address = 0xC000

	// fixedGroupBase is the first fixed group address.
	fixedGroupBase Address = 0xFF00
)

// Fixed group addresses.
const (
	AllProxies Address = 0xFFFC
	AllFriends Address = 0xFFFD
	AllRelays  Address = 0xFFFE
	AllNodes   Address = 0xFFFF
)

// AddressType classifies an Address.
type AddressType uint8

const (
	AddressTypeUnassigned AddressType = iota
	AddressTypeUnicast
	AddressTypeVirtual
	AddressTypeGroup
)

// String returns a human-readable name for the address type.
func (t AddressType) String() string {
	switch t {
	case AddressTypeUnassigned:
		return "Unassigned"
	case AddressTypeUnicast:
		return "Unicast"
	case AddressTypeVirtual:
		return "Virtual"
	case AddressTypeGroup:
		return "Group"
	default:
		return "Unknown"
	}
}

// Type returns the class of the address.
func (a Address) Type() AddressType {
	switch {
	case a == UnassignedAddress:
		return AddressTypeUnassigned
	case a <= MaxUnicastAddress:
		return AddressTypeUnicast
	case a < groupBase:
		return AddressTypeVirtual
	default:
		return AddressTypeGroup
	}
}

// IsUnicast reports whether a is a unicast element address.
func (a Address) IsUnicast() bool { return a.Type() == AddressTypeUnicast }

// IsVirtual reports whether a is a virtual address.
func (a Address) IsVirtual() bool { return a.Type() == AddressTypeVirtual }

// IsGroup reports whether a is a group address, fixed or dynamic.
func (a Address) IsGroup() bool { return a.Type() == AddressTypeGroup }

// IsFixedGroup reports whether a is in the reserved fixed group range.
func (a Address) IsFixedGroup() bool { return a >= fixedGroupBase }

// IsUnassigned reports whether a is the unassigned address.
func (a Address) IsUnassigned() bool { return a == UnassignedAddress }

// IsValidDestination reports whether a may appear as a network PDU destination.
func (a Address) IsValidDestination() bool { return a != UnassignedAddress }

// String formats the address as four hex digits.
func (a Address) String() string {
	return fmt.Sprintf("%04x", uint16(a))
}

// UnicastRange is a contiguous block of element addresses owned by one node.
type UnicastRange struct {
	Primary Address
	Count   uint8
}

// Contains reports whether addr is one of the range's element addresses.
func (r UnicastRange) Contains(addr Address) bool {
	if r.Count == 0 || !addr.IsUnicast() {
		return false
	}
	return addr >= r.Primary && uint32(addr) < uint32(r.Primary)+uint32(r.Count)
}

// Valid reports whether every address in the range is unicast.
func (r UnicastRange) Valid() bool {
	if r.Count == 0 || !r.Primary.IsUnicast() {
		return false
	}
	return uint32(r.Primary)+uint32(r.Count)-1 <= uint32(MaxUnicastAddress)
}

// Element returns the address of the element at idx.
func (r UnicastRange) Element(idx uint8) Address {
	return r.Primary + Address(idx)
}
