// Command meshctl manages and runs Bluetooth Mesh nodes.
//
// It creates and edits device state files, derives keys and addresses,
// decodes captured network PDUs, runs a node over UDP, simulates
// multi-hop networks in memory and dumps event traces.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
