package stack

import (
	"fmt"

	"github.com/backkem/btmesh/pkg/bearer"
	"github.com/backkem/btmesh/pkg/lower"
	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/backkem/btmesh/pkg/network"
	"github.com/backkem/btmesh/pkg/sar"
	"github.com/backkem/btmesh/pkg/trace"
	"github.com/backkem/btmesh/pkg/upper"
)

// Process runs one received frame through the inbound pipeline:
//
//	network decode -> replay cache -> message cache -> relay
//	  -> lower transport -> reassembly -> upper transport -> OnDelivery
//
// It returns why the frame was dropped, or nil when it was consumed. Every
// drop is also logged and traced; none is fatal to the node.
func (n *Node) Process(f bearer.Frame) error {
	n.received.Add(1)
	err := n.process(f)
	if err != nil {
		n.drop(err)
	}
	return err
}

func (n *Node) process(f bearer.Frame) error {
	snap := n.iv.Snapshot()
	d, err := n.codec.Decode(f.Data, snap.RxCandidates())
	if err != nil {
		return err
	}
	if n.config.Elements.Contains(d.SRC) {
		return ErrOwnSource
	}
	if err := n.replay.Admit(d.SRC, d.SEQ, d.IVIndex); err != nil {
		return fmt.Errorf("%v seq %d iv %d: %w", d.SRC, d.SEQ, d.IVIndex, err)
	}
	n.iv.NoteAccepted(d.IVIndex)

	if err := n.relay.Admit(&d.Header); err != nil {
		return err
	}

	n.emit(trace.Event{
		Kind:    trace.KindReceive,
		Src:     d.SRC,
		Dst:     d.DST,
		Seq:     d.SEQ,
		TTL:     d.TTL,
		IVIndex: d.IVIndex,
		CTL:     d.CTL,
		Size:    len(f.Data),
	})

	local := n.config.Elements.Contains(d.DST)
	relayed := false
	if !f.DontRelay {
		relayed = n.forward(d, local)
	}

	if !local && !n.subscribed(d.DST) {
		if relayed {
			return nil
		}
		return mesh.ErrNotForUs
	}

	p, err := lower.Decode(d.CTL, d.TransportPDU)
	if err != nil {
		return err
	}
	if p.CTL && !p.Segmented && p.Opcode == lower.OpSegmentAck {
		return n.handleAck(d, p)
	}

	if !p.Segmented {
		return n.handleUpper(f, d, &sar.Message{
			Header: sar.Header{
				CTL:    p.CTL,
				AKF:    p.AKF,
				AID:    p.AID,
				Opcode: p.Opcode,
			},
			Src:         d.SRC,
			Dst:         d.DST,
			NetKeyIndex: d.Subnet.Index,
			SeqAuth:     mesh.NewSeqAuth(d.IVIndex, d.SEQ),
			TTL:         d.TTL,
			Payload:     p.Payload,
		}, false)
	}

	msg, err := n.reasm.Feed(sar.Incoming{
		Src:         d.SRC,
		Dst:         d.DST,
		NetKeyIndex: d.Subnet.Index,
		IVIndex:     d.IVIndex,
		Seq:         d.SEQ,
		TTL:         d.TTL,
		PDU:         p,
	})
	if err != nil || msg == nil {
		return err
	}
	return n.handleUpper(f, d, msg, true)
}

// forward relays d when the relay decision allows it.
func (n *Node) forward(d *network.Decoded, local bool) bool {
	out, ok := n.relay.Forward(&d.PDU, local)
	if !ok {
		return false
	}
	frame, err := network.Encode(out, d.Keys, d.IVIndex)
	if err == nil {
		err = n.transmit(frame)
	}
	if err != nil {
		if n.log != nil {
			n.log.Warnf("relay %v seq %d: %v", d.SRC, d.SEQ, err)
		}
		return false
	}
	n.emit(trace.Event{
		Kind:    trace.KindRelay,
		Src:     out.SRC,
		Dst:     out.DST,
		Seq:     out.SEQ,
		TTL:     out.TTL,
		IVIndex: d.IVIndex,
		CTL:     out.CTL,
		Size:    len(frame),
	})
	return true
}

// subscribed reports whether messages to a group or virtual dst are
// delivered locally.
func (n *Node) subscribed(dst mesh.Address) bool {
	switch dst {
	case mesh.AllNodes:
		return true
	case mesh.AllRelays:
		return n.relay.Enabled()
	}
	n.subsMu.RLock()
	defer n.subsMu.RUnlock()
	_, ok := n.subs[dst]
	return ok
}

func (n *Node) handleAck(d *network.Decoded, p *lower.PDU) error {
	if !n.config.Elements.Contains(d.DST) {
		return mesh.ErrNotForUs
	}
	ack, err := lower.ParseSegmentAck(p)
	if err != nil {
		return err
	}
	if !n.tx.HandleAck(d.SRC, ack) && n.log != nil {
		n.log.Tracef("unmatched ack from %v for SeqZero %#x", d.SRC, ack.SeqZero)
	}
	return nil
}

// handleUpper delivers a complete upper transport PDU.
func (n *Node) handleUpper(f bearer.Frame, d *network.Decoded, msg *sar.Message, segmented bool) error {
	if msg.CTL {
		if n.config.OnControl != nil {
			n.config.OnControl(ControlMessage{
				Src:         msg.Src,
				Dst:         msg.Dst,
				TTL:         msg.TTL,
				NetKeyIndex: msg.NetKeyIndex,
				Opcode:      msg.Opcode,
				Payload:     msg.Payload,
			})
		}
		return nil
	}

	params := upper.Params{
		SZMIC:   msg.SZMIC,
		Seq:     msg.SeqAuth.Sequence(),
		Src:     msg.Src,
		Dst:     msg.Dst,
		IVIndex: msg.SeqAuth.IVIndex(),
	}
	opened, err := n.keys.Open(msg.AKF, msg.AID, msg.NetKeyIndex, params, msg.Payload)
	if err != nil {
		return fmt.Errorf("upper transport from %v: %w", msg.Src, err)
	}

	del := Delivery{
		Src:         msg.Src,
		Dst:         msg.Dst,
		TTL:         msg.TTL,
		NetKeyIndex: msg.NetKeyIndex,
		DevKey:      !msg.AKF,
		Label:       opened.Label,
		SeqAuth:     msg.SeqAuth,
		Segmented:   segmented,
		RSSI:        f.RSSI,
		Payload:     opened.Payload,
	}
	if opened.AppKey != nil {
		del.AppKeyIndex = opened.AppKey.Index
	}

	n.delivered.Add(1)
	n.emit(trace.Event{
		Kind:    trace.KindDeliver,
		Src:     msg.Src,
		Dst:     msg.Dst,
		Seq:     msg.SeqAuth.Sequence(),
		TTL:     msg.TTL,
		IVIndex: msg.SeqAuth.IVIndex(),
		Size:    len(opened.Payload),
	})
	if n.log != nil {
		n.log.Debugf("deliver %d bytes %v -> %v", len(opened.Payload), msg.Src, msg.Dst)
	}
	if n.config.OnDelivery != nil {
		n.config.OnDelivery(del)
	}
	return nil
}

// onReassemblyTimeout reports a discarded inbound session.
func (n *Node) onReassemblyTimeout(key sar.SessionKey, err error) {
	n.drop(fmt.Errorf("%v SeqZero %#x: %w", key.Src, key.SeqZero, err))
}
