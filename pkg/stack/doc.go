// Package stack ties the network, lower transport and upper transport
// layers into a mesh Node with an idiomatic Go API.
//
// # Creating a Node
//
//	node, err := stack.New(stack.Config{
//	    Elements:   mesh.UnicastRange{Primary: 0x0001, Count: 2},
//	    Relay:      true,
//	    OnDelivery: func(d stack.Delivery) { fmt.Printf("%v: %x\n", d.Src, d.Payload) },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	node.InstallNetKey(0, netKey)
//	node.InstallAppKey(0, 0, appKey)
//
// # Attaching a Bearer
//
// Frames heard on a bearer are handed to Deliver, and the node transmits
// through the bearer set with SetBearer:
//
//	port, _ := medium.Attach("node-1", node.Deliver)
//	node.SetBearer(port)
//	node.Start(ctx)
//
// # Sending
//
//	err := node.Send(ctx, stack.SendRequest{
//	    Dst:     0x0010,
//	    TTL:     stack.UseDefaultTTL,
//	    Payload: []byte{0x82, 0x02, 0x01},
//	})
//
// Payloads that do not fit one network PDU are segmented; Send to a
// unicast destination then returns once the receiver acknowledged every
// segment.
//
// # Persistence
//
// Snapshot returns the sequence numbers, replay watermarks and IV Index a
// node must restore on restart through Config.Sequence, Config.Replay and
// Config.IVIndex.
package stack
