package bus

import (
	"fmt"
	"strings"
	"time"
)

// SubjectID identifies a logical publish/subscribe channel.
type SubjectID uint16

const (
	// MaxSubjectID is the highest valid subject identifier.
	MaxSubjectID SubjectID = 8191

	// FirstFixedSubject is the start of the range reserved for
	// protocol-defined subjects. Application code must not bind these with
	// arbitrary schemas.
	FirstFixedSubject SubjectID = 7168

	// HeartbeatSubject carries uavcan.node.Heartbeat.1.0.
	HeartbeatSubject SubjectID = 7509
)

// Valid reports whether s is inside the subject range.
func (s SubjectID) Valid() bool {
	return s <= MaxSubjectID
}

// Fixed reports whether s belongs to the reserved fixed range.
func (s SubjectID) Fixed() bool {
	return s >= FirstFixedSubject && s <= MaxSubjectID
}

// NodeID is the address of a node on the bus.
type NodeID uint16

// AnonymousNode is used by nodes that have no address. Anonymous nodes may
// listen but must not publish.
const AnonymousNode NodeID = 0xFFFF

// Anonymous reports whether the node has no address.
func (n NodeID) Anonymous() bool {
	return n == AnonymousNode
}

func (n NodeID) String() string {
	if n.Anonymous() {
		return "anonymous"
	}
	return fmt.Sprintf("%d", uint16(n))
}

// Priority is the transfer priority. Lower values are more urgent.
type Priority uint8

const (
	PriorityExceptional Priority = iota
	PriorityImmediate
	PriorityFast
	PriorityHigh
	PriorityNominal
	PriorityLow
	PrioritySlow
	PriorityOptional
)

var priorityNames = [...]string{
	"exceptional",
	"immediate",
	"fast",
	"high",
	"nominal",
	"low",
	"slow",
	"optional",
}

// Valid reports whether p is one of the eight defined levels.
func (p Priority) Valid() bool {
	return int(p) < len(priorityNames)
}

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
	return priorityNames[p]
}

// ParsePriority maps a priority name (case-insensitive) to its level.
func ParsePriority(name string) (Priority, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range priorityNames {
		if n == name {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q (valid: %s)", name, strings.Join(priorityNames[:], ", "))
}

// Frame is one transfer as seen by the node: an opaque payload addressed to a
// subject, plus the metadata the medium carries alongside it.
type Frame struct {
	Subject    SubjectID
	Priority   Priority
	Source     NodeID
	TransferID uint64
	Payload    []byte

	// Timestamp is set by the receiving transport. It is not carried on the wire.
	Timestamp time.Time
}

// Clone returns a copy of f that does not share the payload buffer.
func (f Frame) Clone() Frame {
	out := f
	out.Payload = append([]byte(nil), f.Payload...)
	return out
}
