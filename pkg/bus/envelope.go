package bus

import (
	"encoding/binary"
	"fmt"
)

const (
	EnvelopeMagic     uint32 = 0x42434E31
	EnvelopeVersion   uint8  = 1
	EnvelopeHeaderLen        = 24
	MaxPayloadBytes          = 64 * 1024
)

// MarshalEnvelope encodes f with the fixed envelope header.
func MarshalEnvelope(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	if !f.Subject.Valid() {
		return nil, fmt.Errorf("bus: subject %d out of range", f.Subject)
	}
	if !f.Priority.Valid() {
		return nil, fmt.Errorf("bus: invalid priority %d", f.Priority)
	}

	buf := make([]byte, EnvelopeHeaderLen+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], EnvelopeMagic)
	buf[4] = EnvelopeVersion
	buf[5] = byte(f.Priority)
	binary.BigEndian.PutUint16(buf[6:8], uint16(f.Source))
	binary.BigEndian.PutUint16(buf[8:10], uint16(f.Subject))
	// buf[10:12] reserved
	binary.BigEndian.PutUint64(buf[12:20], f.TransferID)
	binary.BigEndian.PutUint32(buf[20:24], uint32(len(f.Payload)))
	copy(buf[EnvelopeHeaderLen:], f.Payload)
	return buf, nil
}

// UnmarshalEnvelope decodes a frame produced by MarshalEnvelope. The payload
// is copied out of b.
func UnmarshalEnvelope(b []byte) (Frame, error) {
	if len(b) < EnvelopeHeaderLen {
		return Frame{}, ErrShortEnvelope
	}
	if binary.BigEndian.Uint32(b[0:4]) != EnvelopeMagic {
		return Frame{}, ErrBadMagic
	}
	if b[4] != EnvelopeVersion {
		return Frame{}, ErrUnsupportedVersion
	}

	f := Frame{
		Priority:   Priority(b[5]),
		Source:     NodeID(binary.BigEndian.Uint16(b[6:8])),
		Subject:    SubjectID(binary.BigEndian.Uint16(b[8:10])),
		TransferID: binary.BigEndian.Uint64(b[12:20]),
	}
	if !f.Priority.Valid() {
		return Frame{}, fmt.Errorf("bus: invalid priority %d", f.Priority)
	}
	if !f.Subject.Valid() {
		return Frame{}, fmt.Errorf("bus: subject %d out of range", f.Subject)
	}

	n := binary.BigEndian.Uint32(b[20:24])
	if n > MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	if int(n) != len(b)-EnvelopeHeaderLen {
		return Frame{}, ErrLengthMismatch
	}
	f.Payload = append([]byte(nil), b[EnvelopeHeaderLen:]...)
	return f, nil
}
