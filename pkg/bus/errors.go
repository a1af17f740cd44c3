package bus

import (
	"errors"
	"fmt"
)

var (
	ErrTransportClosed = errors.New("bus: transport closed")
	ErrMediumDown      = errors.New("bus: medium down")
	ErrQueueFull       = errors.New("bus: outgoing queue full")

	ErrBadMagic           = errors.New("bus: invalid envelope magic")
	ErrUnsupportedVersion = errors.New("bus: unsupported envelope version")
	ErrShortEnvelope      = errors.New("bus: truncated envelope")
	ErrPayloadTooLarge    = errors.New("bus: payload too large")
	ErrLengthMismatch     = errors.New("bus: payload length mismatch")
)

// TransportError reports a send or receive failure at the medium. It is
// recoverable: callers log it and carry on.
type TransportError struct {
	Op      string
	Subject SubjectID
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bus: %s subject %d: %v", e.Op, e.Subject, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// SendError wraps err as a TransportError for a send on subject.
// A nil err yields nil.
func SendError(subject SubjectID, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: "send", Subject: subject, Err: err}
}

// IsTransportError reports whether err came from the medium.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
