package bus

import "context"

// Transport moves frames between a node and a shared broadcast medium.
//
// Implementations must be safe for concurrent use. Delivery is best-effort:
// frames may be lost, but a frame that is returned from Receive is never
// corrupted. No ordering is guaranteed across subjects; frames on one subject
// are returned in the order the medium delivered them.
type Transport interface {
	// Send hands one frame to the medium. The context deadline bounds how long
	// Send may suspend when the outgoing path is saturated. Failures are
	// reported as *TransportError.
	Send(ctx context.Context, f Frame) error

	// Receive returns the next inbound frame. A frame that is already buffered
	// is returned even if ctx is done; otherwise Receive blocks until a frame
	// arrives or ctx ends, in which case it returns ctx.Err().
	Receive(ctx context.Context) (Frame, error)

	// Listen declares interest in a subject. Frames on subjects nobody listens
	// to may never be returned by Receive. Listening twice is a no-op.
	Listen(ctx context.Context, subject SubjectID) error

	// Ignore withdraws interest in a subject. Ignoring an unknown subject is a
	// no-op.
	Ignore(subject SubjectID) error

	// Close releases the medium. Subsequent calls fail with ErrTransportClosed.
	Close() error
}
