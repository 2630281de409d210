package trace

import (
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Tracer receives node events. Implementations must be thread-safe and
// must not block; the node emits from its worker and from timer callbacks.
type Tracer interface {
	Emit(event Event)
}

// Noop discards all events. It is safe for concurrent use and usable as a
// zero value.
type Noop struct{}

// Emit discards the event.
func (Noop) Emit(Event) {}

// Multi fans events out to several tracers.
type Multi []Tracer

// Emit sends event to every tracer.
func (m Multi) Emit(event Event) {
	for _, t := range m {
		t.Emit(event)
	}
}

// Memory keeps events in memory. Tests use it to assert on what a node did.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory creates an empty in-memory tracer.
func NewMemory() *Memory {
	return &Memory{}
}

// Emit appends event.
func (m *Memory) Emit(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Filter returns the recorded events of kind k.
func (m *Memory) Filter(k Kind) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Event
	for _, e := range m.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// Count returns the number of recorded events of kind k.
func (m *Memory) Count(k Kind) int {
	return len(m.Filter(k))
}

// Reset discards every recorded event.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}

// Writer encodes events as a CBOR sequence to an io.Writer.
type Writer struct {
	mu      sync.Mutex
	closer  io.Closer
	encoder *cbor.Encoder
	closed  bool
	failed  error
}

// NewWriter creates a tracer writing to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{encoder: NewEncoder(w)}
}

// NewFile creates a tracer appending to the file at path. The file is
// created with permissions 0644 if it doesn't exist.
func NewFile(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &Writer{encoder: NewEncoder(f), closer: f}, nil
}

// Emit writes event. Encoding errors never reach the node; the first one
// is kept and reported by Err.
func (w *Writer) Emit(event Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if err := w.encoder.Encode(event); err != nil && w.failed == nil {
		w.failed = err
	}
}

// Err returns the first encoding error.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

// Close closes the underlying file, if any. Later events are ignored.
// It is safe to call Close multiple times.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

// Compile-time interface satisfaction checks.
var (
	_ Tracer = Noop{}
	_ Tracer = Multi(nil)
	_ Tracer = (*Memory)(nil)
	_ Tracer = (*Writer)(nil)
)
