package main

import (
	"encoding/hex"
	"fmt"

	"github.com/backkem/btmesh/pkg/crypto"
	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newCryptoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "crypto",
		Short:   "Derive mesh keys and addresses",
		GroupID: "tools",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "netkey KEY",
			Short: "Print the credentials derived from a NetKey",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				key, err := mesh.ParseKey(args[0])
				if err != nil {
					return err
				}
				keys, err := crypto.DeriveNetworkKeys(key)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "NID:            %#02x\n", keys.NID)
				fmt.Fprintf(w, "EncryptionKey:  %v\n", keys.EncryptionKey)
				fmt.Fprintf(w, "PrivacyKey:     %v\n", keys.PrivacyKey)
				fmt.Fprintf(w, "NetworkID:      %s\n", hex.EncodeToString(keys.NetworkID[:]))
				fmt.Fprintf(w, "IdentityKey:    %v\n", keys.IdentityKey)
				fmt.Fprintf(w, "BeaconKey:      %v\n", keys.BeaconKey)
				return nil
			},
		},
		&cobra.Command{
			Use:   "appkey KEY",
			Short: "Print the AID of an AppKey",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				key, err := mesh.ParseKey(args[0])
				if err != nil {
					return err
				}
				aid, err := crypto.DeriveAID(key)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "AID: %#02x\n", aid)
				return nil
			},
		},
		&cobra.Command{
			Use:   "virtual [LABEL]",
			Short: "Print the virtual address of a Label UUID, or of a new random label",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var (
					label uuid.UUID
					addr  mesh.Address
				)
				if len(args) == 0 {
					label, addr = crypto.NewLabel()
				} else {
					l, err := uuid.Parse(args[0])
					if err != nil {
						return err
					}
					label, addr = l, crypto.VirtualAddress(l)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %v\n", label, addr)
				return nil
			},
		},
		&cobra.Command{
			Use:   "key",
			Short: "Generate a random 128-bit key",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				key, err := crypto.NewKey()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
				return nil
			},
		},
	)
	return cmd
}
