package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/backkem/btmesh/pkg/bearer"
	"github.com/backkem/btmesh/pkg/crypto"
	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/backkem/btmesh/pkg/stack"
	"github.com/backkem/btmesh/pkg/trace"
	"github.com/pion/logging"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// simGroup is the group address the last node subscribes to with --group.
const simGroup mesh.Address = 0xC001

type simOptions struct {
	bearer      string
	nodes       int
	count       int
	size        int
	ttl         uint8
	group       bool
	concurrency int
	drop        float64
	duplicate   float64
	delayMin    time.Duration
	delayMax    time.Duration
	seed        int64
	timeout     time.Duration
	tracePath   string
}

func newSimCmd(opts *options) *cobra.Command {
	var so simOptions
	cmd := &cobra.Command{
		Use:     "sim",
		Short:   "Simulate a line of relaying nodes on an in-memory radio",
		GroupID: "node",
		Long: "Simulate --nodes nodes in a line where each node only hears its neighbors\n" +
			"and every inner node relays. The first node sends --count messages to the\n" +
			"last one and the per-node counters are printed.\n\n" +
			"--bearer pipe connects exactly two nodes over a point-to-point pipe instead\n" +
			"of the shared radio; delays do not apply there.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSim(cmd.Context(), so, opts.loggerFactory(cmd.ErrOrStderr()), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&so.bearer, "bearer", "medium", "bearer between nodes: medium or pipe")
	f.IntVarP(&so.nodes, "nodes", "n", 3, "number of nodes in the line")
	f.IntVarP(&so.count, "count", "c", 10, "number of messages to send")
	f.IntVar(&so.size, "size", 8, "access payload size in bytes")
	f.Uint8VarP(&so.ttl, "ttl", "t", 0, "message TTL (0 picks one that reaches the last node)")
	f.BoolVar(&so.group, "group", false, "send to a group address instead of the last node's unicast address")
	f.IntVar(&so.concurrency, "concurrency", 4, "messages in flight at once")
	f.Float64Var(&so.drop, "drop", 0, "frame drop probability")
	f.Float64Var(&so.duplicate, "duplicate", 0, "frame duplication probability")
	f.DurationVar(&so.delayMin, "delay-min", 0, "minimum radio delay")
	f.DurationVar(&so.delayMax, "delay-max", 0, "maximum radio delay")
	f.Int64Var(&so.seed, "seed", 1, "random seed of the radio (0 seeds from the clock)")
	f.DurationVar(&so.timeout, "timeout", 10*time.Second, "how long to wait for deliveries")
	f.StringVar(&so.tracePath, "trace", "", "write a CBOR event trace to this file")
	return cmd
}

func runSim(ctx context.Context, so simOptions, lf logging.LoggerFactory, out io.Writer) error {
	if so.nodes < 2 || so.nodes > int(mesh.MaxTTL) {
		return fmt.Errorf("nodes must be between 2 and %d", mesh.MaxTTL)
	}
	if so.count < 1 || so.size < 1 || so.concurrency < 1 {
		return errors.New("count, size and concurrency must be positive")
	}
	switch so.bearer {
	case "medium":
	case "pipe":
		if so.nodes != 2 {
			return errors.New("the pipe bearer connects exactly 2 nodes")
		}
	default:
		return fmt.Errorf("unknown bearer %q", so.bearer)
	}
	ttl := mesh.TTL(so.ttl)
	if ttl == 0 {
		ttl = mesh.TTL(max(so.nodes, 2))
	}

	netKey, err := crypto.NewKey()
	if err != nil {
		return err
	}
	appKey, err := crypto.NewKey()
	if err != nil {
		return err
	}

	mem := trace.NewMemory()
	var tracer trace.Tracer = mem
	if so.tracePath != "" {
		w, err := trace.NewFile(so.tracePath)
		if err != nil {
			return err
		}
		defer w.Close()
		tracer = trace.Multi{mem, w}
	}

	cond := bearer.NetworkCondition{
		DropRate:      so.drop,
		DuplicateRate: so.duplicate,
		DelayMin:      so.delayMin,
		DelayMax:      so.delayMax,
	}

	var delivered atomic.Int64
	nodes := make([]*stack.Node, so.nodes)
	for i := range nodes {
		addr := mesh.Address(i + 1)
		cfg := stack.Config{
			Elements:      mesh.UnicastRange{Primary: addr, Count: 1},
			Relay:         i > 0 && i < so.nodes-1,
			Tracer:        tracer,
			LoggerFactory: lf,
		}
		if i == so.nodes-1 {
			cfg.OnDelivery = func(stack.Delivery) { delivered.Add(1) }
		}
		node, err := stack.New(cfg)
		if err != nil {
			return err
		}
		defer node.Stop()

		if err := node.InstallNetKey(0, netKey); err != nil {
			return err
		}
		if err := node.InstallAppKey(0, 0, appKey); err != nil {
			return err
		}
		if i == so.nodes-1 && so.group {
			if err := node.Subscribe(simGroup); err != nil {
				return err
			}
		}
		nodes[i] = node
	}

	var medium *bearer.Medium
	if so.bearer == "pipe" {
		pipe, err := bearer.NewPipeWithConfig(bearer.PipeConfig{
			AutoProcess:   true,
			Seed:          so.seed,
			LoggerFactory: lf,
		}, nodes[0].Deliver, nodes[1].Deliver)
		if err != nil {
			return err
		}
		defer pipe.Close()
		pipe.SetCondition(cond)
		nodes[0].SetBearer(pipe.End(0))
		nodes[1].SetBearer(pipe.End(1))
	} else {
		medium = bearer.NewMedium(bearer.MediumConfig{
			Condition:     cond,
			Seed:          so.seed,
			LoggerFactory: lf,
		})
		defer medium.Close()

		ports := make([]*bearer.Port, len(nodes))
		for i, node := range nodes {
			port, err := medium.Attach(fmt.Sprintf("node-%v", node.Elements().Primary), node.Deliver)
			if err != nil {
				return err
			}
			node.SetBearer(port)
			ports[i] = port
		}
		for i := 0; i+1 < len(ports); i++ {
			medium.Link(ports[i], ports[i+1])
		}
	}
	for _, node := range nodes {
		if err := node.Start(ctx); err != nil {
			return err
		}
	}

	dst := mesh.Address(so.nodes)
	if so.group {
		dst = simGroup
	}

	start := time.Now()
	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(so.concurrency)
	for i := 0; i < so.count; i++ {
		payload := make([]byte, so.size)
		for j := range payload {
			payload[j] = byte(i + j)
		}
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(gctx, so.timeout)
			defer cancel()
			if err := nodes[0].Send(sendCtx, stack.SendRequest{Dst: dst, TTL: ttl, Payload: payload}); err != nil {
				failed.Add(1)
			}
			// Only an interrupted simulation stops the remaining sends.
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	deadline := time.Now().Add(so.timeout)
	for delivered.Load() < int64(so.count) && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	fmt.Fprintf(out, "delivered %d/%d to %v in %v (failed sends %d)\n",
		delivered.Load(), so.count, dst, time.Since(start).Round(time.Millisecond), failed.Load())
	printSimStats(out, nodes, medium, mem)
	return nil
}

func printSimStats(out io.Writer, nodes []*stack.Node, medium *bearer.Medium, mem *trace.Memory) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tRECEIVED\tDELIVERED\tDROPPED\tRELAYED\tSENT")
	for _, n := range nodes {
		s := n.Stats()
		fmt.Fprintf(tw, "%v\t%d\t%d\t%d\t%d\t%d\n",
			n.Elements().Primary, s.Received, s.Delivered, s.Dropped, s.Relayed, s.Sent)
	}
	tw.Flush()
	if medium != nil {
		ms := medium.Stats()
		fmt.Fprintf(out, "medium: sent %d delivered %d dropped %d\n", ms.Sent, ms.Delivered, ms.Dropped)
	}

	reasons := make(map[mesh.DropReason]int)
	for _, e := range mem.Filter(trace.KindDrop) {
		reasons[e.Reason]++
	}
	if len(reasons) == 0 {
		return
	}
	keys := make([]mesh.DropReason, 0, len(reasons))
	for r := range reasons {
		keys = append(keys, r)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	fmt.Fprint(out, "drops:")
	for _, r := range keys {
		fmt.Fprintf(out, " %v=%d", r, reasons[r])
	}
	fmt.Fprintln(out)
}
