// Package bus defines the wire-level contract shared by every beacon node:
// subject and node identifiers, transfer priorities, the Frame that moves
// across a medium, and the Transport interface that media implement.
//
// # Overview
//
// A node never talks to a medium directly. Publishers hand frames to a
// Transport and the node's scheduler pulls inbound frames back out of it.
// The Transport is the only resource shared between components, so every
// implementation must be safe for concurrent use.
//
// # Subjects
//
// Subjects are numeric channel identifiers in the range 0..8191. The top of
// the range (7168..8191) is reserved for fixed, protocol-defined subjects
// such as the heartbeat (7509). Application code picks its own subjects from
// the lower range.
//
// # Envelope
//
// Media that carry raw bytes (Redis Pub/Sub, libp2p gossipsub) wrap each
// frame in a fixed 24-byte header:
//
//	magic      uint32  0x42434E31
//	version    uint8
//	priority   uint8
//	source     uint16
//	subject    uint16
//	reserved   uint16
//	transfer   uint64
//	length     uint32
//
// followed by the payload. All header fields are big-endian. Envelopes that
// fail to decode are dropped by the transport and never reach subscribers.
//
// # Naming
//
// Channel and topic names are namespaced so several independent buses can
// share one Redis server or one libp2p swarm:
//
//	Redis channel:   cyphal:{namespace}:subject:{id}
//	gossipsub topic: /cyphal/{namespace}/subject/{id}
package bus
