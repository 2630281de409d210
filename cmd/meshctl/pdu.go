package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/backkem/btmesh/pkg/crypto"
	"github.com/backkem/btmesh/pkg/lower"
	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/backkem/btmesh/pkg/network"
	"github.com/backkem/btmesh/pkg/upper"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// pduKeys are the key flags shared by pdu decode and encode.
type pduKeys struct {
	netKey string
	appKey string
	devKey string
	iv     string
	label  string
}

func (k *pduKeys) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&k.netKey, "net-key", "", "NetKey in hex (required)")
	cmd.Flags().StringVar(&k.appKey, "app-key", "", "AppKey in hex")
	cmd.Flags().StringVar(&k.devKey, "dev-key", "", "DevKey in hex")
	cmd.Flags().StringVar(&k.iv, "iv", "0", "IV Index")
	cmd.Flags().StringVar(&k.label, "label", "", "Label UUID of a virtual destination")
	_ = cmd.MarkFlagRequired("net-key")
}

// upperKey returns the access key and whether it is a DevKey.
func (k *pduKeys) upperKey() (key mesh.Key, device bool, ok bool, err error) {
	switch {
	case k.appKey != "" && k.devKey != "":
		return key, false, false, errors.New("give only one of --app-key and --dev-key")
	case k.appKey != "":
		key, err = mesh.ParseKey(k.appKey)
		return key, false, err == nil, err
	case k.devKey != "":
		key, err = mesh.ParseKey(k.devKey)
		return key, true, err == nil, err
	}
	return key, false, false, nil
}

func (k *pduKeys) parseLabel() (*uuid.UUID, error) {
	if k.label == "" {
		return nil, nil
	}
	l, err := uuid.Parse(k.label)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func newPDUCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "pdu",
		Short:   "Encode and decode network PDUs",
		GroupID: "tools",
	}
	cmd.AddCommand(newPDUDecodeCmd(), newPDUEncodeCmd())
	return cmd
}

func newPDUDecodeCmd() *cobra.Command {
	var keys pduKeys
	cmd := &cobra.Command{
		Use:   "decode HEX",
		Short: "Decrypt a network PDU and print its layers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			frame, err := hex.DecodeString(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			netKey, err := mesh.ParseKey(keys.netKey)
			if err != nil {
				return fmt.Errorf("net key: %w", err)
			}
			iv, err := parseIVIndex(keys.iv)
			if err != nil {
				return err
			}

			keyring := network.NewKeyring()
			if _, err := keyring.Install(0, netKey); err != nil {
				return err
			}
			candidates := []mesh.IVIndex{iv}
			if iv > 0 {
				candidates = append(candidates, iv-1)
			}
			d, err := network.NewCodec(network.CodecConfig{Keyring: keyring}).Decode(frame, candidates)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "network: ivi=%d nid=%#02x ctl=%t ttl=%d seq=%#06x src=%v dst=%v iv=%#x\n",
				d.IVI, d.NID, d.CTL, d.TTL, uint32(d.SEQ), d.SRC, d.DST, uint32(d.IVIndex))
			fmt.Fprintf(w, "transport: %s\n", hex.EncodeToString(d.TransportPDU))

			p, err := lower.Decode(d.CTL, d.TransportPDU)
			if err != nil {
				return err
			}
			printLower(w, p)

			if d.CTL || p.Segmented {
				return nil
			}
			key, device, ok, err := keys.upperKey()
			if err != nil || !ok {
				return err
			}
			if device == p.AKF {
				return fmt.Errorf("AKF=%t does not match the key given", p.AKF)
			}
			if !device {
				aid, err := crypto.DeriveAID(key)
				if err != nil {
					return err
				}
				if aid != p.AID {
					return fmt.Errorf("AppKey AID %#02x does not match PDU AID %#02x", aid, p.AID)
				}
			}
			label, err := keys.parseLabel()
			if err != nil {
				return err
			}
			payload, err := upper.Decrypt(key, device, upper.Params{
				Seq:     d.SEQ,
				Src:     d.SRC,
				Dst:     d.DST,
				IVIndex: d.IVIndex,
				Label:   label,
			}, p.Payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "access: %s\n", hex.EncodeToString(payload))
			return nil
		},
	}
	keys.register(cmd)
	return cmd
}

func printLower(w io.Writer, p *lower.PDU) {
	switch {
	case p.CTL && p.Opcode == lower.OpSegmentAck && !p.Segmented:
		ack, err := lower.ParseSegmentAck(p)
		if err != nil {
			fmt.Fprintf(w, "lower: SegmentAck (invalid: %v)\n", err)
			return
		}
		fmt.Fprintf(w, "lower: SegmentAck obo=%t seqzero=%#04x blockack=%#08x\n", ack.OBO, ack.SeqZero, ack.BlockAck)
	case p.CTL:
		fmt.Fprintf(w, "lower: control opcode=%v seg=%t", p.Opcode, p.Segmented)
		printSegment(w, p)
		fmt.Fprintf(w, " params=%s\n", hex.EncodeToString(p.Payload))
	default:
		fmt.Fprintf(w, "lower: access akf=%t aid=%#02x seg=%t", p.AKF, p.AID, p.Segmented)
		printSegment(w, p)
		fmt.Fprintf(w, " upper=%s\n", hex.EncodeToString(p.Payload))
	}
}

func printSegment(w io.Writer, p *lower.PDU) {
	if p.Segmented {
		fmt.Fprintf(w, " szmic=%t seqzero=%#04x sego=%d segn=%d", p.SZMIC, p.SeqZero, p.SegO, p.SegN)
	}
}

func newPDUEncodeCmd() *cobra.Command {
	var (
		keys pduKeys
		src  string
		dst  string
		seq  uint32
		ttl  uint8
	)
	cmd := &cobra.Command{
		Use:   "encode PAYLOAD",
		Short: "Encrypt an unsegmented access message into a network PDU",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := hex.DecodeString(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("payload: %w", err)
			}
			netKey, err := mesh.ParseKey(keys.netKey)
			if err != nil {
				return fmt.Errorf("net key: %w", err)
			}
			iv, err := parseIVIndex(keys.iv)
			if err != nil {
				return err
			}
			srcAddr, err := parseAddress(src)
			if err != nil {
				return err
			}
			dstAddr, err := parseAddress(dst)
			if err != nil {
				return err
			}
			label, err := keys.parseLabel()
			if err != nil {
				return err
			}
			key, device, ok, err := keys.upperKey()
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("an --app-key or --dev-key is required")
			}

			sealed, err := upper.Encrypt(key, device, upper.Params{
				Seq:     mesh.SequenceNumber(seq),
				Src:     srcAddr,
				Dst:     dstAddr,
				IVIndex: iv,
				Label:   label,
			}, payload)
			if err != nil {
				return err
			}
			lp := &lower.PDU{AKF: !device, Payload: sealed}
			if !device {
				if lp.AID, err = crypto.DeriveAID(key); err != nil {
					return err
				}
			}
			transport, err := lp.Encode()
			if err != nil {
				return err
			}

			netKeys, err := crypto.DeriveNetworkKeys(netKey)
			if err != nil {
				return err
			}
			frame, err := network.Encode(&network.PDU{
				Header: network.Header{
					TTL: mesh.TTL(ttl),
					SEQ: mesh.SequenceNumber(seq),
					SRC: srcAddr,
					DST: dstAddr,
				},
				TransportPDU: transport,
			}, netKeys, iv)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(frame))
			return nil
		},
	}
	keys.register(cmd)
	cmd.Flags().StringVar(&src, "src", "0x0001", "source element address")
	cmd.Flags().StringVar(&dst, "dst", "0xffff", "destination address")
	cmd.Flags().Uint32Var(&seq, "seq", 0, "sequence number")
	cmd.Flags().Uint8Var(&ttl, "ttl", 5, "TTL")
	return cmd
}
