package sequence

import (
	"sync"

	"github.com/backkem/btmesh/pkg/mesh"
)

const replayShards = 16

// ReplayEntry is the freshness watermark of one source.
type ReplayEntry struct {
	IVIndex  mesh.IVIndex        `yaml:"iv_index" cbor:"1,keyasint"`
	Sequence mesh.SequenceNumber `yaml:"sequence" cbor:"2,keyasint"`
}

func (e ReplayEntry) less(iv mesh.IVIndex, seq mesh.SequenceNumber) bool {
	if iv != e.IVIndex {
		return e.IVIndex < iv
	}
	return e.Sequence < seq
}

type replayShard struct {
	entries map[mesh.Address]ReplayEntry
	mu      sync.Mutex
}

// ReplayCache rejects frames whose (IV Index, SEQ) is not strictly greater
// than the last accepted pair from the same source. The first frame from
// an unknown source is accepted and sets its watermark.
//
// Sources are sharded so the check-and-update of one source never blocks
// another shard.
type ReplayCache struct {
	shards [replayShards]replayShard
}

// NewReplayCache creates an empty replay cache.
func NewReplayCache() *ReplayCache {
	r := &ReplayCache{}
	for i := range r.shards {
		r.shards[i].entries = make(map[mesh.Address]ReplayEntry)
	}
	return r
}

func (r *ReplayCache) shard(src mesh.Address) *replayShard {
	return &r.shards[uint16(src)%replayShards]
}

// Admit checks and records (iv, seq) for src atomically. It returns
// mesh.ErrReplay when the pair is not fresh.
func (r *ReplayCache) Admit(src mesh.Address, seq mesh.SequenceNumber, iv mesh.IVIndex) error {
	s := r.shard(src)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[src]; ok && !e.less(iv, seq) {
		return mesh.ErrReplay
	}
	s.entries[src] = ReplayEntry{IVIndex: iv, Sequence: seq}
	return nil
}

// Check reports whether (iv, seq) would be admitted without recording it.
func (r *ReplayCache) Check(src mesh.Address, seq mesh.SequenceNumber, iv mesh.IVIndex) bool {
	s := r.shard(src)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[src]
	return !ok || e.less(iv, seq)
}

// Get returns the watermark of src.
func (r *ReplayCache) Get(src mesh.Address) (ReplayEntry, bool) {
	s := r.shard(src)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[src]
	return e, ok
}

// Remove forgets src.
func (r *ReplayCache) Remove(src mesh.Address) {
	s := r.shard(src)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, src)
}

// Len returns the number of tracked sources.
func (r *ReplayCache) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Snapshot copies every watermark, for persistence.
func (r *ReplayCache) Snapshot() map[mesh.Address]ReplayEntry {
	out := make(map[mesh.Address]ReplayEntry)
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for src, e := range s.entries {
			out[src] = e
		}
		s.mu.Unlock()
	}
	return out
}

// Restore loads watermarks, keeping the greater of the stored and loaded
// value for each source.
func (r *ReplayCache) Restore(entries map[mesh.Address]ReplayEntry) {
	for src, e := range entries {
		s := r.shard(src)
		s.mu.Lock()
		if cur, ok := s.entries[src]; !ok || cur.less(e.IVIndex, e.Sequence) {
			s.entries[src] = e
		}
		s.mu.Unlock()
	}
}
