package bearer

import (
	"math/rand"
	"sync"
	"time"
)

// NetworkCondition configures radio behavior simulation.
// Use this to test the stack under loss, duplication and reordering.
type NetworkCondition struct {
	// DropRate is the probability of dropping a frame (0.0 - 1.0).
	DropRate float64

	// DuplicateRate is the probability of delivering a frame twice (0.0 - 1.0).
	DuplicateRate float64

	// DelayMin is the minimum delay added to each delivery.
	DelayMin time.Duration

	// DelayMax is the maximum delay added to each delivery.
	// Actual delay is uniformly distributed between DelayMin and DelayMax,
	// which also reorders frames.
	DelayMax time.Duration
}

// dice is a random source shared by concurrent senders.
type dice struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newDice(seed int64) *dice {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &dice{rng: rand.New(rand.NewSource(seed))}
}

// copies returns how many times a frame is delivered under cond.
func (d *dice) copies(cond NetworkCondition) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cond.DropRate > 0 && d.rng.Float64() < cond.DropRate {
		return 0
	}
	if cond.DuplicateRate > 0 && d.rng.Float64() < cond.DuplicateRate {
		return 2
	}
	return 1
}

func (d *dice) delay(cond NetworkCondition) time.Duration {
	if cond.DelayMax <= 0 {
		return 0
	}
	delay := cond.DelayMin
	if cond.DelayMax > cond.DelayMin {
		d.mu.Lock()
		delay += time.Duration(d.rng.Int63n(int64(cond.DelayMax - cond.DelayMin)))
		d.mu.Unlock()
	}
	return delay
}
