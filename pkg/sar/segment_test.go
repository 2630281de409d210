package sar

import (
	"bytes"
	"errors"
	"testing"

	"github.com/backkem/btmesh/pkg/lower"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSegmentSizes(t *testing.T) {
	tests := []struct {
		name     string
		header   Header
		length   int
		wantSegs []int
	}{
		{"unsegmented access max", Header{AKF: true}, 15, []int{15}},
		{"unsegmented access min", Header{AKF: true}, 5, []int{5}},
		{"20 byte payload", Header{AKF: true}, 24, []int{12, 12}},
		{"40 byte payload", Header{AKF: true}, 44, []int{12, 12, 12, 8}},
		{"szmic forces segmentation", Header{AKF: true, SZMIC: true}, 12, []int{12}},
		{"unsegmented control", Header{CTL: true, Opcode: lower.OpHeartbeat}, 11, []int{11}},
		{"segmented control", Header{CTL: true, Opcode: lower.OpHeartbeat}, 12, []int{8, 4}},
		{"max access", Header{}, lower.MaxUpperAccessPDU, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upper := bytes.Repeat([]byte{0xab}, tt.length)
			segs, err := Segment(tt.header, 0x3129ab, upper)
			if err != nil {
				t.Fatalf("Segment failed: %v", err)
			}
			if n := Segments(tt.header, tt.length); n != len(segs) {
				t.Errorf("Segments = %d, Segment produced %d", n, len(segs))
			}
			if tt.wantSegs != nil && len(segs) != len(tt.wantSegs) {
				t.Fatalf("got %d segments, want %d", len(segs), len(tt.wantSegs))
			}

			var joined []byte
			for i, s := range segs {
				if tt.wantSegs != nil && len(s.Payload) != tt.wantSegs[i] {
					t.Errorf("segment %d size = %d, want %d", i, len(s.Payload), tt.wantSegs[i])
				}
				if len(segs) > 1 {
					if !s.Segmented || s.SeqZero != 0x09ab || int(s.SegO) != i || int(s.SegN) != len(segs)-1 {
						t.Errorf("segment %d header = %+v", i, s)
					}
				} else if s.Segmented != tt.header.SZMIC {
					t.Errorf("Segmented = %v", s.Segmented)
				}
				if _, err := s.Encode(); err != nil {
					t.Errorf("segment %d does not encode: %v", i, err)
				}
				joined = append(joined, s.Payload...)
			}
			if !bytes.Equal(joined, upper) {
				t.Error("segments do not reassemble to the input")
			}
		})
	}
}

func TestSegmentErrors(t *testing.T) {
	if _, err := Segment(Header{}, 0, make([]byte, lower.MaxUpperAccessPDU+1)); err != ErrTooManySegments {
		t.Errorf("oversize error = %v, want ErrTooManySegments", err)
	}
	if _, err := Segment(Header{}, 0, make([]byte, 3)); !errors.Is(err, lower.ErrPayloadSize) {
		t.Errorf("undersize access error = %v, want ErrPayloadSize", err)
	}
	if _, err := Segment(Header{AID: 0x40}, 0, make([]byte, 8)); err != lower.ErrInvalidAID {
		t.Errorf("AID error = %v, want ErrInvalidAID", err)
	}
}

func TestParamsDefaults(t *testing.T) {
	p := DefaultParams()
	if got := p.AckDelay(4); got.Milliseconds() != 350 {
		t.Errorf("AckDelay(4) = %v, want 350ms", got)
	}
	if got := p.RetransmitInterval(4); got.Milliseconds() != 400 {
		t.Errorf("RetransmitInterval(4) = %v, want 400ms", got)
	}
	if p.IncompleteTimeout.Seconds() != 10 || p.Retries != DefaultRetries {
		t.Errorf("defaults = %+v", p)
	}
}
