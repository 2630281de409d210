package stack

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/backkem/btmesh/pkg/lower"
	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/backkem/btmesh/pkg/network"
	"github.com/backkem/btmesh/pkg/sar"
	"github.com/backkem/btmesh/pkg/sequence"
	"github.com/backkem/btmesh/pkg/trace"
	"github.com/backkem/btmesh/pkg/upper"
)

// Send encrypts and transmits an access message. Unsegmented messages
// return once the frame is on the bearer. Segmented messages to a unicast
// destination block until every segment is acknowledged, the retry budget
// is spent or ctx is done; to a group or virtual destination each segment
// is repeated a fixed number of times without acknowledgment.
func (n *Node) Send(ctx context.Context, req SendRequest) error {
	if n.State() == NodeStateStopped {
		return ErrStopped
	}

	src := req.Src
	if src.IsUnassigned() {
		src = n.config.Elements.Primary
	}
	if !n.config.Elements.Contains(src) {
		return ErrInvalidSource
	}
	if !req.Dst.IsValidDestination() {
		return ErrInvalidDestination
	}

	ttl := req.TTL
	if ttl == UseDefaultTTL {
		ttl = n.config.DefaultTTL
	}
	if ttl == 1 || ttl > mesh.MaxTTL {
		return ErrInvalidTTL
	}

	label := req.Label
	if label == nil && req.Dst.IsVirtual() {
		labels := n.keys.Labels(req.Dst)
		if len(labels) != 1 {
			return upper.ErrMissingLabel
		}
		label = &labels[0]
	}

	if n.counters.MinRemaining() < n.config.IVUpdateThreshold {
		n.maybeStartIVUpdate()
	}

	iv, seq, err := n.nextSeq(src)
	if err != nil {
		return err
	}

	sealed, err := n.keys.Seal(
		upper.KeySelector{AppKeyIndex: req.AppKeyIndex, UseDevKey: req.UseDevKey},
		upper.Params{
			SZMIC:   req.SZMIC,
			Seq:     seq,
			Src:     src,
			Dst:     req.Dst,
			IVIndex: iv,
			Label:   label,
		},
		req.Payload,
	)
	if err != nil {
		return err
	}
	netIndex := sealed.NetKeyIndex
	if req.UseDevKey {
		netIndex = req.NetKeyIndex
	}

	segs, err := sar.Segment(sar.Header{
		AKF:   sealed.AKF,
		AID:   sealed.AID,
		SZMIC: req.SZMIC,
	}, seq, sealed.PDU)
	if err != nil {
		return err
	}

	if !segs[0].Segmented {
		return n.sendLower(segs[0], ttl, seq, src, req.Dst, netIndex, iv)
	}

	var reserved atomic.Bool
	reserved.Store(true)
	err = n.tx.Send(ctx, sar.Transfer{
		Src:      src,
		Dst:      req.Dst,
		TTL:      ttl,
		Segments: segs,
		Send: func(p *lower.PDU) error {
			s := seq
			if !reserved.CompareAndSwap(true, false) {
				cur, next, err := n.nextSeq(src)
				if err != nil {
					return err
				}
				if cur != iv {
					return ErrIVIndexChanged
				}
				s = next
			}
			return n.sendLower(p, ttl, s, src, req.Dst, netIndex, iv)
		},
	})
	if err != nil {
		n.drop(fmt.Errorf("send to %v SeqZero %#x: %w", req.Dst, segs[0].SeqZero, err))
	}
	return err
}

// nextSeq allocates a sequence number for src together with the IV Index
// it must be sent under.
func (n *Node) nextSeq(src mesh.Address) (mesh.IVIndex, mesh.SequenceNumber, error) {
	n.txMu.Lock()
	defer n.txMu.Unlock()
	iv := n.syncSeqLocked()
	seq, err := n.counters.Next(src)
	return iv, seq, err
}

// syncSeqLocked restarts sequence numbering the first time a new transmit
// IV Index is seen and returns that index. The caller holds txMu.
func (n *Node) syncSeqLocked() mesh.IVIndex {
	iv := n.iv.Snapshot().TxIndex()
	if iv != n.seqIV {
		n.counters.ResetAll()
		n.seqIV = iv
	}
	return iv
}

func (n *Node) maybeStartIVUpdate() {
	snap := n.iv.Snapshot()
	if snap.Phase == sequence.IVUpdateInProgress {
		return
	}
	if err := n.iv.BeginUpdate(snap.Index + 1); err != nil && n.log != nil {
		n.log.Warnf("sequence numbers running low, IV Update refused: %v", err)
	}
}

// sendLower wraps one lower transport PDU in a network PDU and transmits it.
func (n *Node) sendLower(p *lower.PDU, ttl mesh.TTL, seq mesh.SequenceNumber, src, dst mesh.Address, netIndex mesh.NetKeyIndex, iv mesh.IVIndex) error {
	tp, err := p.Encode()
	if err != nil {
		return err
	}
	pdu := &network.PDU{
		Header: network.Header{
			CTL: p.CTL,
			TTL: ttl,
			SEQ: seq,
			SRC: src,
			DST: dst,
		},
		TransportPDU: tp,
	}
	frame, err := n.codec.Encode(pdu, netIndex, iv)
	if err != nil {
		return err
	}
	if err := n.transmit(frame); err != nil {
		return err
	}

	n.sent.Add(1)
	kind := trace.KindSend
	if p.CTL && p.Opcode == lower.OpSegmentAck && !p.Segmented {
		kind = trace.KindAck
	}
	n.emit(trace.Event{
		Kind:    kind,
		Src:     src,
		Dst:     dst,
		Seq:     seq,
		TTL:     ttl,
		IVIndex: iv,
		CTL:     p.CTL,
		Size:    len(frame),
	})
	return nil
}

func (n *Node) transmit(frame []byte) error {
	b, err := n.currentBearer()
	if err != nil {
		return err
	}
	return b.Send(frame)
}

// sendAck transmits a Segment Acknowledgment requested by the reassembler.
func (n *Node) sendAck(a sar.Ack) {
	ttl := n.config.DefaultTTL
	if a.ZeroTTL {
		ttl = 0
	}
	iv, seq, err := n.nextSeq(a.Src)
	if err != nil {
		n.drop(fmt.Errorf("ack to %v: %w", a.Dst, err))
		return
	}
	if err := n.sendLower(a.Ack.PDU(), ttl, seq, a.Src, a.Dst, a.NetKeyIndex, iv); err != nil && n.log != nil {
		n.log.Warnf("ack to %v SeqZero %#x: %v", a.Dst, a.Ack.SeqZero, err)
	}
}
