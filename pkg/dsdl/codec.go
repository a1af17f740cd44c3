// Package dsdl holds the fixed-layout codecs for the message types a beacon
// node exchanges. Each codec is bound to a versioned schema and guarantees
// that Decode(Encode(v)) == v for every value Encode accepts.
package dsdl

import (
	"errors"
	"fmt"

	"github.com/dyluth/beacon/pkg/bus"
)

// Schema identifies a versioned message type.
type Schema struct {
	Namespace string
	Name      string
	Major     uint8
	Minor     uint8

	// FixedSubject is the subject reserved for this type by the protocol,
	// or nil for types that have none.
	FixedSubject *bus.SubjectID
}

// String renders the schema as namespace.Name.major.minor.
func (s Schema) String() string {
	return fmt.Sprintf("%s.%s.%d.%d", s.Namespace, s.Name, s.Major, s.Minor)
}

// AllowsSubject reports whether a value of this schema may be bound to
// subject. Subjects in the fixed range are only allowed for the schema that
// owns them.
func (s Schema) AllowsSubject(subject bus.SubjectID) bool {
	if !subject.Fixed() {
		return true
	}
	return s.FixedSubject != nil && *s.FixedSubject == subject
}

// Codec converts between typed values and payload bytes.
type Codec[T any] interface {
	Schema() Schema
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
}

var (
	ErrValueOutOfRange = errors.New("dsdl: value out of range")
	ErrTruncated       = errors.New("dsdl: truncated payload")
	ErrTrailingBytes   = errors.New("dsdl: trailing bytes")
)

// EncodeError reports a value that does not conform to its schema.
type EncodeError struct {
	Schema Schema
	Field  string
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("dsdl: encode %s field %s: %v", e.Schema, e.Field, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// DecodeError reports a payload that cannot be decoded against its schema.
type DecodeError struct {
	Schema Schema
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("dsdl: decode %s: %v", e.Schema, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsEncodeError reports whether err is (or wraps) an *EncodeError.
func IsEncodeError(err error) bool {
	var ee *EncodeError
	return errors.As(err, &ee)
}

// IsDecodeError reports whether err is (or wraps) a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

func subjectPtr(s bus.SubjectID) *bus.SubjectID {
	return &s
}
