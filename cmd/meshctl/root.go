package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/pion/logging"
	"github.com/spf13/cobra"
)

// options are the flags shared by every command.
type options struct {
	statePath string
	verbose   int
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "meshctl",
		Short:        "Bluetooth Mesh network and lower transport toolkit",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.statePath, "state", "s", "device_state.yaml", "device state file")
	cmd.PersistentFlags().CountVarP(&opts.verbose, "verbose", "v", "increase log verbosity (-v, -vv, -vvv)")

	cmd.AddGroup(
		&cobra.Group{ID: "node", Title: "Node Commands"},
		&cobra.Group{ID: "tools", Title: "Tools"},
	)
	cmd.AddCommand(
		newStateCmd(opts),
		newRunCmd(opts),
		newSimCmd(opts),
		newCryptoCmd(),
		newPDUCmd(),
		newTraceCmd(),
	)
	return cmd
}

// loggerFactory returns a pion logger factory writing to w at the level
// selected by -v.
func (o *options) loggerFactory(w io.Writer) logging.LoggerFactory {
	f := logging.NewDefaultLoggerFactory()
	f.Writer = w
	switch o.verbose {
	case 0:
		f.DefaultLogLevel = logging.LogLevelWarn
	case 1:
		f.DefaultLogLevel = logging.LogLevelInfo
	case 2:
		f.DefaultLogLevel = logging.LogLevelDebug
	default:
		f.DefaultLogLevel = logging.LogLevelTrace
	}
	return f
}

// parseAddress accepts decimal or 0x-prefixed hex.
func parseAddress(s string) (mesh.Address, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return mesh.Address(v), nil
}

// parseIVIndex accepts decimal or 0x-prefixed hex.
func parseIVIndex(s string) (mesh.IVIndex, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid IV index %q", s)
	}
	return mesh.IVIndex(v), nil
}
