// Package node is the beacon node runtime.
//
// A Node owns a bus.Transport, a cooperative scheduler and the typed
// bindings created on it:
//
//	n, err := node.New(node.Config{NodeID: 42, Transport: port})
//	pub, err := node.Advertise[string](n, 100, dsdl.StringCodec{})
//	sub, err := node.Subscribe[string](n, 100, dsdl.StringCodec{}, node.Queue[string](8))
//	err = n.Start(ctx)
//	defer n.Shutdown(context.Background())
//
// Each scheduling step fires the periodic jobs that are due (the heartbeat
// among them) and then drains a bounded batch of inbound frames, decoding
// each one for every Subscription bound to its subject. Tick performs exactly
// one step, which lets tests drive the node with a mock clock.
package node
