package sequence

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/pion/logging"
)

// IVPhase is the state of the IV Update procedure.
type IVPhase uint8

const (
	// IVNormal accepts and transmits with the current IV Index only.
	IVNormal IVPhase = iota

	// IVUpdateInProgress transmits with the new IV Index and accepts both
	// the previous and the new one.
	IVUpdateInProgress
)

// String returns a human-readable name for the phase.
func (p IVPhase) String() string {
	switch p {
	case IVNormal:
		return "Normal"
	case IVUpdateInProgress:
		return "UpdateInProgress"
	default:
		return "Unknown"
	}
}

// Defaults for IVConfig.
const (
	// DefaultMaxRecoveryGap is the largest forward jump accepted by IV
	// Index recovery (Mesh Profile 3.10.6).
	DefaultMaxRecoveryGap = 42
)

// IVSnapshot is an immutable view of the IV state.
type IVSnapshot struct {
	// Index is the IV Index used to transmit. During an update it is the
	// new index.
	Index mesh.IVIndex

	Phase IVPhase

	// Since is when the current phase was entered.
	Since time.Time
}

// TxIndex returns the IV Index for outbound frames.
func (s IVSnapshot) TxIndex() mesh.IVIndex { return s.Index }

// RxCandidates returns the IV Indexes an inbound frame may authenticate
// under. The network codec selects among them by the IVI bit.
func (s IVSnapshot) RxCandidates() []mesh.IVIndex {
	if s.Phase == IVUpdateInProgress && s.Index > 0 {
		return []mesh.IVIndex{s.Index - 1, s.Index}
	}
	return []mesh.IVIndex{s.Index}
}

// Accepts reports whether iv is valid for inbound frames.
func (s IVSnapshot) Accepts(iv mesh.IVIndex) bool {
	for _, c := range s.RxCandidates() {
		if c == iv {
			return true
		}
	}
	return false
}

// IVConfig configures an IVState.
type IVConfig struct {
	// Initial is the IV Index at startup.
	Initial mesh.IVIndex

	// Updating starts the state machine in IVUpdateInProgress.
	Updating bool

	// UpdateDuration completes an update automatically after this long.
	// Zero disables the timer.
	UpdateDuration time.Duration

	// MinUpdateMessages completes an update once this many inbound
	// messages were accepted under the new index. Zero disables it.
	MinUpdateMessages int

	// MaxRecoveryGap bounds IV Index recovery. Default: 42.
	MaxRecoveryGap uint32

	// OnChange is invoked after every transition, outside any lock.
	OnChange func(prev, next IVSnapshot)

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// IVState is the IV Index state machine. Reads are lock-free snapshots;
// transitions are serialised.
type IVState struct {
	config IVConfig
	now    func() time.Time
	log    logging.LeveledLogger

	current atomic.Pointer[IVSnapshot]

	mu         sync.Mutex
	timer      *time.Timer
	generation uint64
	accepted   int
}

// NewIVState creates the IV state machine.
func NewIVState(config IVConfig) *IVState {
	if config.MaxRecoveryGap == 0 {
		config.MaxRecoveryGap = DefaultMaxRecoveryGap
	}

	s := &IVState{config: config, now: time.Now}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("mesh-iv")
	}

	snap := &IVSnapshot{Index: config.Initial, Phase: IVNormal, Since: s.now()}
	if config.Updating {
		snap.Phase = IVUpdateInProgress
	}
	s.current.Store(snap)

	if config.Updating {
		s.mu.Lock()
		s.armLocked()
		s.mu.Unlock()
	}
	return s
}

// Snapshot returns the current IV state.
func (s *IVState) Snapshot() IVSnapshot {
	return *s.current.Load()
}

// BeginUpdate enters IVUpdateInProgress with newIndex, which must be the
// current index plus one. It is triggered by a beacon or by local
// sequence exhaustion.
func (s *IVState) BeginUpdate(newIndex mesh.IVIndex) error {
	s.mu.Lock()
	cur := s.Snapshot()
	if cur.Phase == IVUpdateInProgress {
		s.mu.Unlock()
		return ErrIVUpdateInProgress
	}
	if newIndex != cur.Index+1 {
		s.mu.Unlock()
		return ErrInvalidIVTransition
	}

	next := IVSnapshot{Index: newIndex, Phase: IVUpdateInProgress, Since: s.now()}
	s.storeLocked(next)
	s.armLocked()
	s.mu.Unlock()

	if s.log != nil {
		s.log.Infof("IV update started: %d -> %d", cur.Index, newIndex)
	}
	s.notify(cur, next)
	return nil
}

// Complete returns to IVNormal, dropping acceptance of the old index.
func (s *IVState) Complete() error {
	return s.complete(0, false)
}

// complete performs the transition, optionally only if the state is still
// at generation gen.
func (s *IVState) complete(gen uint64, checkGen bool) error {
	s.mu.Lock()
	if checkGen && gen != s.generation {
		s.mu.Unlock()
		return nil
	}
	cur := s.Snapshot()
	if cur.Phase != IVUpdateInProgress {
		s.mu.Unlock()
		return ErrNoIVUpdate
	}

	next := IVSnapshot{Index: cur.Index, Phase: IVNormal, Since: s.now()}
	s.storeLocked(next)
	s.mu.Unlock()

	if s.log != nil {
		s.log.Infof("IV update complete at %d", next.Index)
	}
	s.notify(cur, next)
	return nil
}

// NoteAccepted records one inbound message authenticated under iv and
// completes a pending update once MinUpdateMessages is reached.
func (s *IVState) NoteAccepted(iv mesh.IVIndex) {
	if s.config.MinUpdateMessages <= 0 {
		return
	}

	s.mu.Lock()
	cur := s.Snapshot()
	if cur.Phase != IVUpdateInProgress || iv != cur.Index {
		s.mu.Unlock()
		return
	}
	s.accepted++
	done := s.accepted >= s.config.MinUpdateMessages
	gen := s.generation
	s.mu.Unlock()

	if done {
		_ = s.complete(gen, true)
	}
}

// Observe processes an IV Index advertised by a Secure Network beacon.
// It starts or completes an update, or performs IV Index recovery when the
// advertised index is ahead by at most MaxRecoveryGap. It reports whether
// the state changed.
func (s *IVState) Observe(index mesh.IVIndex, updating bool) (bool, error) {
	cur := s.Snapshot()

	switch {
	case index == cur.Index && !updating && cur.Phase == IVUpdateInProgress:
		return true, s.Complete()

	case index == cur.Index+1 && updating && cur.Phase == IVNormal:
		return true, s.BeginUpdate(index)

	case index > cur.Index && uint32(index-cur.Index) <= s.config.MaxRecoveryGap:
		return true, s.recover(index, updating)

	case index > cur.Index:
		return false, ErrInvalidIVTransition

	default:
		return false, nil
	}
}

// recover jumps directly to index.
func (s *IVState) recover(index mesh.IVIndex, updating bool) error {
	s.mu.Lock()
	cur := s.Snapshot()
	if index <= cur.Index {
		s.mu.Unlock()
		return ErrInvalidIVTransition
	}

	next := IVSnapshot{Index: index, Phase: IVNormal, Since: s.now()}
	if updating {
		next.Phase = IVUpdateInProgress
	}
	s.storeLocked(next)
	if updating {
		s.armLocked()
	}
	s.mu.Unlock()

	if s.log != nil {
		s.log.Warnf("IV index recovery: %d -> %d", cur.Index, index)
	}
	s.notify(cur, next)
	return nil
}

// Close stops the completion timer.
func (s *IVState) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// storeLocked publishes next and invalidates any pending timer.
func (s *IVState) storeLocked(next IVSnapshot) {
	s.stopLocked()
	s.generation++
	s.accepted = 0
	s.current.Store(&next)
}

// armLocked starts the completion timer for the current generation.
func (s *IVState) armLocked() {
	if s.config.UpdateDuration <= 0 {
		return
	}
	gen := s.generation
	s.timer = time.AfterFunc(s.config.UpdateDuration, func() {
		_ = s.complete(gen, true)
	})
}

func (s *IVState) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *IVState) notify(prev, next IVSnapshot) {
	if s.config.OnChange != nil {
		s.config.OnChange(prev, next)
	}
}
