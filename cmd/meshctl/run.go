package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/backkem/btmesh/pkg/bearer"
	"github.com/backkem/btmesh/pkg/devicestate"
	"github.com/backkem/btmesh/pkg/stack"
	"github.com/backkem/btmesh/pkg/trace"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCmd(opts *options) *cobra.Command {
	var (
		listen    string
		peers     []string
		sends     []string
		tracePath string
		saveEvery time.Duration
	)
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run a node from the state file over a UDP bearer",
		GroupID: "node",
		Long: "Run a node from the state file. Frames are exchanged as UDP datagrams with\n" +
			"the --peer addresses. Each --send DST=HEX sends one access message with\n" +
			"AppKey 0 once the node is up. The node state is saved periodically and\n" +
			"on exit.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			requests, err := parseSends(sends)
			if err != nil {
				return err
			}
			peerAddrs := make([]net.Addr, 0, len(peers))
			for _, p := range peers {
				addr, err := net.ResolveUDPAddr("udp", p)
				if err != nil {
					return fmt.Errorf("peer %q: %w", p, err)
				}
				peerAddrs = append(peerAddrs, addr)
			}

			store := devicestate.NewFileStore(opts.statePath)
			st, err := store.Load()
			if err != nil {
				return err
			}

			lf := opts.loggerFactory(cmd.ErrOrStderr())
			log := lf.NewLogger("meshctl")
			out := cmd.OutOrStdout()

			cfg := st.Config()
			cfg.LoggerFactory = lf
			cfg.OnDelivery = func(d stack.Delivery) {
				fmt.Fprintf(out, "%v -> %v ttl=%d: %s\n", d.Src, d.Dst, d.TTL, hex.EncodeToString(d.Payload))
			}
			cfg.OnControl = func(c stack.ControlMessage) {
				fmt.Fprintf(out, "%v -> %v control %v: %s\n", c.Src, c.Dst, c.Opcode, hex.EncodeToString(c.Payload))
			}
			if tracePath != "" {
				w, err := trace.NewFile(tracePath)
				if err != nil {
					return err
				}
				defer w.Close()
				cfg.Tracer = w
			}

			node, err := stack.New(cfg)
			if err != nil {
				return err
			}
			if err := st.Apply(node); err != nil {
				return abort(node, err)
			}

			pb, err := bearer.NewPacketBearer(bearer.PacketConfig{
				ListenAddr:    listen,
				Peers:         peerAddrs,
				Handler:       node.Deliver,
				LoggerFactory: lf,
			})
			if err != nil {
				return abort(node, err)
			}
			node.SetBearer(pb)
			if err := pb.Start(); err != nil {
				return abort(node, err)
			}
			log.Infof("node %v listening on %v", st.Primary, pb.LocalAddr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := node.Start(ctx); err != nil {
				return abort(node, err)
			}

			save := func() error {
				st.Update(node.Snapshot())
				return store.Save(st)
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				for _, req := range requests {
					if err := node.Send(gctx, req); err != nil {
						log.Warnf("send to %v: %v", req.Dst, err)
					}
				}
				return nil
			})
			if saveEvery > 0 {
				g.Go(func() error {
					ticker := time.NewTicker(saveEvery)
					defer ticker.Stop()
					for {
						select {
						case <-gctx.Done():
							return nil
						case <-ticker.C:
							if err := save(); err != nil {
								return fmt.Errorf("save state: %w", err)
							}
						}
					}
				})
			}
			// Run until interrupted.
			g.Go(func() error {
				<-gctx.Done()
				return nil
			})

			runErr := g.Wait()
			stopErr := node.Stop()
			saveErr := save()
			if saveErr != nil {
				saveErr = fmt.Errorf("save state: %w", saveErr)
			}

			s := node.Stats()
			log.Infof("stopped: received %d delivered %d dropped %d relayed %d sent %d",
				s.Received, s.Delivered, s.Dropped, s.Relayed, s.Sent)
			return errors.Join(runErr, stopErr, saveErr)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "127.0.0.1:7100", "UDP address to listen on")
	cmd.Flags().StringSliceVarP(&peers, "peer", "p", nil, "UDP address of a neighbor (repeatable)")
	cmd.Flags().StringArrayVar(&sends, "send", nil, "send DST=HEX with AppKey 0 after start (repeatable)")
	cmd.Flags().StringVar(&tracePath, "trace", "", "write a CBOR event trace to this file")
	cmd.Flags().DurationVar(&saveEvery, "save-interval", time.Minute, "how often to save the node state (0 disables)")
	return cmd
}

// abort stops a node that failed to come up and reports both errors.
func abort(node *stack.Node, err error) error {
	return errors.Join(err, node.Stop())
}

// parseSends parses DST=HEX send arguments.
func parseSends(args []string) ([]stack.SendRequest, error) {
	reqs := make([]stack.SendRequest, 0, len(args))
	for _, arg := range args {
		dst, payload, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("send %q: want DST=HEX", arg)
		}
		addr, err := parseAddress(dst)
		if err != nil {
			return nil, err
		}
		data, err := hex.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("send %q: %w", arg, err)
		}
		reqs = append(reqs, stack.SendRequest{Dst: addr, TTL: stack.UseDefaultTTL, Payload: data})
	}
	return reqs, nil
}
