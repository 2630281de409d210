package main

import (
	"errors"
	"fmt"

	"github.com/backkem/btmesh/pkg/crypto"
	"github.com/backkem/btmesh/pkg/devicestate"
	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/backkem/btmesh/pkg/stack"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newStateCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "state",
		Short:   "Create and edit device state files",
		GroupID: "node",
	}
	cmd.AddCommand(
		newStateNewCmd(opts),
		newStateShowCmd(opts),
		newStateSubscribeCmd(opts),
		newStateAddKeyCmd(opts),
	)
	return cmd
}

func newStateNewCmd(opts *options) *cobra.Command {
	var (
		count   uint8
		address string
		ttl     uint8
		relay   bool
		netKey  string
		appKey  string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a state file with one NetKey and one AppKey",
		Long: "Create a state file for a node with --count elements starting at --address.\n" +
			"Keys not given on the command line are generated.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store := devicestate.NewFileStore(opts.statePath)
			if !force {
				if _, err := store.Load(); !errors.Is(err, devicestate.ErrNotFound) {
					return fmt.Errorf("%s exists, use --force to replace it", opts.statePath)
				}
			}

			primary, err := parseAddress(address)
			if err != nil {
				return err
			}
			s, err := devicestate.New(primary, count)
			if err != nil {
				return err
			}
			s.DefaultTTL = mesh.TTL(ttl)
			s.Relay = relay

			nk, err := keyOrRandom(netKey)
			if err != nil {
				return fmt.Errorf("net key: %w", err)
			}
			ak, err := keyOrRandom(appKey)
			if err != nil {
				return fmt.Errorf("app key: %w", err)
			}
			if err := s.AddNetKey(0, nk); err != nil {
				return err
			}
			if err := s.AddAppKey(0, 0, ak); err != nil {
				return err
			}
			if err := store.Save(s); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s: elements %v+%d\n", opts.statePath, s.Primary, s.ElementCount)
			return nil
		},
	}
	cmd.Flags().Uint8VarP(&count, "count", "c", 1, "number of elements")
	cmd.Flags().StringVarP(&address, "address", "a", "0x0001", "primary element address")
	cmd.Flags().Uint8VarP(&ttl, "ttl", "t", uint8(stack.DefaultTTL), "default TTL")
	cmd.Flags().BoolVar(&relay, "relay", false, "enable the relay feature")
	cmd.Flags().StringVar(&netKey, "net-key", "", "NetKey 0 in hex (random if empty)")
	cmd.Flags().StringVar(&appKey, "app-key", "", "AppKey 0 in hex (random if empty)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "replace an existing state file")
	return cmd
}

func newStateShowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the state file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := devicestate.NewFileStore(opts.statePath).Load()
			if err != nil {
				return err
			}
			data, err := s.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newStateSubscribeCmd(opts *options) *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "subscribe [GROUP]",
		Short: "Subscribe to a group address or, with --label, a virtual address",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := devicestate.NewFileStore(opts.statePath)
			s, err := store.Load()
			if err != nil {
				return err
			}

			var addr mesh.Address
			switch {
			case label != "" && len(args) == 0:
				l, err := uuid.Parse(label)
				if err != nil {
					return fmt.Errorf("label: %w", err)
				}
				addr = s.Subscribe(0, &l)
			case label == "" && len(args) == 1:
				if addr, err = parseAddress(args[0]); err != nil {
					return err
				}
				s.Subscribe(addr, nil)
			default:
				return errors.New("give either a group address or --label")
			}

			if err := store.Save(s); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "subscribed to %v\n", addr)
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "Label UUID of a virtual address")
	return cmd
}

func newStateAddKeyCmd(opts *options) *cobra.Command {
	var (
		index    uint16
		netIndex uint16
		app      bool
	)
	cmd := &cobra.Command{
		Use:   "add-key [KEY]",
		Short: "Add a NetKey, or an AppKey with --app",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := devicestate.NewFileStore(opts.statePath)
			s, err := store.Load()
			if err != nil {
				return err
			}
			var hexKey string
			if len(args) == 1 {
				hexKey = args[0]
			}
			key, err := keyOrRandom(hexKey)
			if err != nil {
				return err
			}

			if app {
				err = s.AddAppKey(mesh.AppKeyIndex(index), mesh.NetKeyIndex(netIndex), key)
			} else {
				err = s.AddNetKey(mesh.NetKeyIndex(index), key)
			}
			if err != nil {
				return err
			}
			if err := store.Save(s); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added key %#x: %v\n", index, key)
			return nil
		},
	}
	cmd.Flags().Uint16VarP(&index, "index", "i", 0, "key index")
	cmd.Flags().Uint16Var(&netIndex, "net-index", 0, "bound NetKey index of an AppKey")
	cmd.Flags().BoolVar(&app, "app", false, "add an AppKey")
	return cmd
}

// keyOrRandom parses s, or generates a key when s is empty.
func keyOrRandom(s string) (mesh.Key, error) {
	if s == "" {
		return crypto.NewKey()
	}
	return mesh.ParseKey(s)
}
