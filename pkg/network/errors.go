package network

import "errors"

// Network layer errors. Inbound failures wrap the mesh taxonomy so callers
// can classify them with errors.Is.
var (
	ErrInvalidTTL         = errors.New("network: TTL exceeds 127")
	ErrInvalidSequence    = errors.New("network: sequence exceeds 24 bits")
	ErrInvalidSource      = errors.New("network: source must be unicast")
	ErrInvalidDestination = errors.New("network: destination is unassigned")
	ErrTransportPDUSize   = errors.New("network: transport PDU size out of range")
	ErrNoSubnet           = errors.New("network: unknown NetKey index")
)
