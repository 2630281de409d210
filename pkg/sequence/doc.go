// Package sequence manages the counters that make Bluetooth Mesh frames
// unique and fresh: per-element 24-bit sequence numbers, the per-source
// replay cache, and the network-wide IV Index with its update procedure.
//
// See Mesh Profile Specification 1.0, Sections 3.8.8 (Replay protection)
// and 3.10.5 (IV Update procedure).
package sequence

import "errors"

var (
	ErrInvalidIVTransition = errors.New("sequence: invalid IV index transition")
	ErrIVUpdateInProgress  = errors.New("sequence: IV update already in progress")
	ErrNoIVUpdate          = errors.New("sequence: no IV update in progress")
	ErrUnknownElement      = errors.New("sequence: unknown element address")
)
