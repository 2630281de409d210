package trace

import (
	"errors"
	"io"
	"os"

	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/fxamacker/cbor/v2"
)

// Filter selects events. Zero fields match everything.
type Filter struct {
	Kind *Kind
	Node mesh.Address
	Src  mesh.Address
}

func (f *Filter) matches(e Event) bool {
	if f.Kind != nil && e.Kind != *f.Kind {
		return false
	}
	if f.Node != mesh.UnassignedAddress && e.Node != f.Node {
		return false
	}
	if f.Src != mesh.UnassignedAddress && e.Src != f.Src {
		return false
	}
	return true
}

// Reader streams events from a CBOR trace.
type Reader struct {
	closer  io.Closer
	decoder *cbor.Decoder
	filter  Filter
}

// NewReader reads every event from r.
func NewReader(r io.Reader, filter Filter) *Reader {
	return &Reader{decoder: NewDecoder(r), filter: filter}
}

// Open reads events from the trace file at path.
func Open(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{decoder: NewDecoder(f), closer: f, filter: filter}, nil
}

// Next returns the next matching event, or io.EOF at the end.
func (r *Reader) Next() (Event, error) {
	for {
		var e Event
		if err := r.decoder.Decode(&e); err != nil {
			return Event{}, err
		}
		if r.filter.matches(e) {
			return e, nil
		}
	}
}

// All returns every remaining matching event.
func (r *Reader) All() ([]Event, error) {
	var out []Event
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}

// Close closes the underlying file, if any.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
