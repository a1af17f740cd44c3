package node

import "errors"

var (
	ErrNodeStopped      = errors.New("node: stopped")
	ErrNoTransport      = errors.New("node: no transport configured")
	ErrAlreadyRunning   = errors.New("node: already running")
	ErrInvalidSubject   = errors.New("node: invalid subject")
	ErrFixedSubject     = errors.New("node: subject is reserved for another schema")
	ErrAnonymousNode    = errors.New("node: anonymous nodes cannot publish")
	ErrDuplicateBinding = errors.New("node: subject already has a publisher")
	ErrWrongSink        = errors.New("node: sink is nil or already bound")
	ErrBindingClosed    = errors.New("node: binding closed")
	ErrInvalidPeriod    = errors.New("node: period must be positive")
	ErrLivenessDegraded = errors.New("node: liveness degraded")
)
