package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/backkem/btmesh/pkg/trace"
	"github.com/spf13/cobra"
)

func newTraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "trace",
		Short:   "Inspect event traces",
		GroupID: "tools",
	}
	cmd.AddCommand(newTraceDumpCmd())
	return cmd
}

func newTraceDumpCmd() *cobra.Command {
	var (
		kind string
		node string
		src  string
	)
	cmd := &cobra.Command{
		Use:   "dump FILE",
		Short: "Print the events of a CBOR trace file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter trace.Filter
			if kind != "" {
				k, err := trace.ParseKind(kind)
				if err != nil {
					return err
				}
				filter.Kind = &k
			}
			if node != "" {
				addr, err := parseAddress(node)
				if err != nil {
					return err
				}
				filter.Node = addr
			}
			if src != "" {
				addr, err := parseAddress(src)
				if err != nil {
					return err
				}
				filter.Src = addr
			}

			r, err := trace.Open(args[0], filter)
			if err != nil {
				return err
			}
			defer r.Close()

			out := cmd.OutOrStdout()
			for {
				e, err := r.Next()
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				printEvent(out, e)
			}
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "only events of this kind (receive, drop, deliver, send, relay, ack, iv_update)")
	cmd.Flags().StringVar(&node, "node", "", "only events of this node")
	cmd.Flags().StringVar(&src, "src", "", "only events with this source")
	return cmd
}

func printEvent(w io.Writer, e trace.Event) {
	fmt.Fprintf(w, "%s %v %-8v", e.Timestamp.Format("15:04:05.000000"), e.Node, e.Kind)
	switch e.Kind {
	case trace.KindIVUpdate:
		fmt.Fprintf(w, " iv=%#x updating=%t\n", uint32(e.IVIndex), e.IVUpdating)
		return
	case trace.KindDrop:
		fmt.Fprintf(w, " %v: %s", e.Reason, e.Error)
		if e.Src == 0 && e.Dst == 0 {
			fmt.Fprintln(w)
			return
		}
	}
	fmt.Fprintf(w, " %v->%v seq=%#06x ttl=%d ctl=%t size=%d\n",
		e.Src, e.Dst, uint32(e.Seq), e.TTL, e.CTL, e.Size)
}
