// Package devicestate holds what a mesh node must remember between runs:
// its addresses, keys, subscriptions, IV Index, sequence numbers and replay
// watermarks. State files are YAML.
package devicestate

import (
	"errors"
	"fmt"
	"sort"

	"github.com/backkem/btmesh/pkg/crypto"
	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/backkem/btmesh/pkg/sequence"
	"github.com/backkem/btmesh/pkg/stack"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidState  = errors.New("devicestate: invalid state")
	ErrDuplicateKey  = errors.New("devicestate: key index already present")
	ErrUnknownNetKey = errors.New("devicestate: AppKey bound to unknown NetKey")
)

// NetKey is a stored network key.
type NetKey struct {
	Index mesh.NetKeyIndex `yaml:"index"`
	Key   mesh.Key         `yaml:"key"`

	// Updated is the new key of an unfinished key refresh.
	Updated *mesh.Key `yaml:"updated,omitempty"`
}

// AppKey is a stored application key.
type AppKey struct {
	Index    mesh.AppKeyIndex `yaml:"index"`
	NetIndex mesh.NetKeyIndex `yaml:"net_index"`
	Key      mesh.Key         `yaml:"key"`
}

// State is the persistent state of one node.
type State struct {
	Primary      mesh.Address `yaml:"primary"`
	ElementCount uint8        `yaml:"element_count"`
	DefaultTTL   mesh.TTL     `yaml:"default_ttl"`
	Relay        bool         `yaml:"relay"`

	IVIndex    mesh.IVIndex `yaml:"iv_index"`
	IVUpdating bool         `yaml:"iv_updating,omitempty"`

	DevKey  mesh.Key `yaml:"dev_key"`
	NetKeys []NetKey `yaml:"net_keys,omitempty"`
	AppKeys []AppKey `yaml:"app_keys,omitempty"`

	Subscriptions []mesh.Address `yaml:"subscriptions,omitempty"`
	Labels        []uuid.UUID    `yaml:"labels,omitempty"`

	// Sequence is the next sequence number of each element.
	Sequence map[mesh.Address]mesh.SequenceNumber `yaml:"sequence,omitempty"`

	// Replay is the replay protection watermark of each known source.
	Replay map[mesh.Address]sequence.ReplayEntry `yaml:"replay,omitempty"`
}

// New returns the state of an unprovisioned-looking node with a fresh
// random DevKey and no network keys.
func New(primary mesh.Address, elements uint8) (*State, error) {
	s := &State{
		Primary:      primary,
		ElementCount: elements,
		DefaultTTL:   stack.DefaultTTL,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	devKey, err := crypto.NewKey()
	if err != nil {
		return nil, err
	}
	s.DevKey = devKey
	return s, nil
}

// Elements returns the node's element range.
func (s *State) Elements() mesh.UnicastRange {
	return mesh.UnicastRange{Primary: s.Primary, Count: s.ElementCount}
}

// Validate checks the state for consistency.
func (s *State) Validate() error {
	if !s.Elements().Valid() {
		return fmt.Errorf("%w: elements %v+%d", ErrInvalidState, s.Primary, s.ElementCount)
	}
	if s.DefaultTTL == 1 || s.DefaultTTL > mesh.MaxTTL {
		return fmt.Errorf("%w: default TTL %d", ErrInvalidState, s.DefaultTTL)
	}

	nets := make(map[mesh.NetKeyIndex]bool, len(s.NetKeys))
	for _, k := range s.NetKeys {
		if k.Index > mesh.MaxKeyIndex || nets[k.Index] {
			return fmt.Errorf("%w: NetKey index %#x", ErrInvalidState, k.Index)
		}
		nets[k.Index] = true
	}
	apps := make(map[mesh.AppKeyIndex]bool, len(s.AppKeys))
	for _, k := range s.AppKeys {
		if k.Index > mesh.MaxKeyIndex || apps[k.Index] {
			return fmt.Errorf("%w: AppKey index %#x", ErrInvalidState, k.Index)
		}
		if !nets[k.NetIndex] {
			return fmt.Errorf("%w: AppKey %#x", ErrUnknownNetKey, k.Index)
		}
		apps[k.Index] = true
	}
	for _, addr := range s.Subscriptions {
		if !addr.IsGroup() && !addr.IsVirtual() {
			return fmt.Errorf("%w: subscription %v", ErrInvalidState, addr)
		}
	}
	for src, seq := range s.Sequence {
		if !s.Elements().Contains(src) || !seq.Valid() {
			return fmt.Errorf("%w: sequence of %v", ErrInvalidState, src)
		}
	}
	return nil
}

// AddNetKey adds a network key.
func (s *State) AddNetKey(index mesh.NetKeyIndex, key mesh.Key) error {
	for _, k := range s.NetKeys {
		if k.Index == index {
			return ErrDuplicateKey
		}
	}
	s.NetKeys = append(s.NetKeys, NetKey{Index: index, Key: key})
	sort.Slice(s.NetKeys, func(i, j int) bool { return s.NetKeys[i].Index < s.NetKeys[j].Index })
	return nil
}

// AddAppKey adds an application key bound to the NetKey at netIndex.
func (s *State) AddAppKey(index mesh.AppKeyIndex, netIndex mesh.NetKeyIndex, key mesh.Key) error {
	found := false
	for _, k := range s.NetKeys {
		found = found || k.Index == netIndex
	}
	if !found {
		return ErrUnknownNetKey
	}
	for _, k := range s.AppKeys {
		if k.Index == index {
			return ErrDuplicateKey
		}
	}
	s.AppKeys = append(s.AppKeys, AppKey{Index: index, NetIndex: netIndex, Key: key})
	sort.Slice(s.AppKeys, func(i, j int) bool { return s.AppKeys[i].Index < s.AppKeys[j].Index })
	return nil
}

// Subscribe adds a group address, or registers label and subscribes to
// its virtual address when label is non-nil.
func (s *State) Subscribe(addr mesh.Address, label *uuid.UUID) mesh.Address {
	if label != nil {
		addr = crypto.VirtualAddress(*label)
		if !containsLabel(s.Labels, *label) {
			s.Labels = append(s.Labels, *label)
		}
	}
	for _, a := range s.Subscriptions {
		if a == addr {
			return addr
		}
	}
	s.Subscriptions = append(s.Subscriptions, addr)
	return addr
}

func containsLabel(labels []uuid.UUID, label uuid.UUID) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

// Config returns a node configuration restoring this state. Callbacks,
// bearer, tracer and logging are left for the caller.
func (s *State) Config() stack.Config {
	return stack.Config{
		Elements:   s.Elements(),
		IVIndex:    s.IVIndex,
		IVUpdating: s.IVUpdating,
		DefaultTTL: s.DefaultTTL,
		Relay:      s.Relay,
		Sequence:   s.Sequence,
		Replay:     s.Replay,
	}
}

// Apply installs keys, labels and subscriptions on n.
func (s *State) Apply(n *stack.Node) error {
	for _, k := range s.NetKeys {
		if err := n.InstallNetKey(k.Index, k.Key); err != nil {
			return fmt.Errorf("NetKey %#x: %w", k.Index, err)
		}
		if k.Updated != nil {
			if err := n.UpdateNetKey(k.Index, *k.Updated); err != nil {
				return fmt.Errorf("NetKey %#x refresh: %w", k.Index, err)
			}
		}
	}
	for _, k := range s.AppKeys {
		if err := n.InstallAppKey(k.Index, k.NetIndex, k.Key); err != nil {
			return fmt.Errorf("AppKey %#x: %w", k.Index, err)
		}
	}
	if !s.DevKey.IsZero() {
		n.SetDevKey(s.DevKey)
	}
	for _, l := range s.Labels {
		n.AddLabel(l)
	}
	for _, addr := range s.Subscriptions {
		if err := n.Subscribe(addr); err != nil {
			return fmt.Errorf("subscription %v: %w", addr, err)
		}
	}
	return nil
}

// Update records the runtime state of a node.
func (s *State) Update(snap stack.Snapshot) {
	s.IVIndex = snap.IVIndex
	s.IVUpdating = snap.IVUpdating
	s.Sequence = snap.Sequence
	s.Replay = snap.Replay
}

// Marshal encodes the state as YAML.
func (s *State) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}

// Parse decodes and validates a YAML state.
func Parse(data []byte) (*State, error) {
	var s State
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
