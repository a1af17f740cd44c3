package bus

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	in := Frame{
		Subject:    100,
		Priority:   PriorityFast,
		Source:     42,
		TransferID: 1 << 40,
		Payload:    []byte("hello"),
	}

	raw, err := MarshalEnvelope(in)
	require.NoError(t, err)
	assert.Len(t, raw, EnvelopeHeaderLen+5)

	out, err := UnmarshalEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, in.Subject, out.Subject)
	assert.Equal(t, in.Priority, out.Priority)
	assert.Equal(t, in.Source, out.Source)
	assert.Equal(t, in.TransferID, out.TransferID)
	assert.Equal(t, in.Payload, out.Payload)
}

func TestEnvelopeEmptyPayload(t *testing.T) {
	raw, err := MarshalEnvelope(Frame{Subject: HeartbeatSubject, Priority: PriorityNominal, Source: AnonymousNode})
	require.NoError(t, err)

	out, err := UnmarshalEnvelope(raw)
	require.NoError(t, err)
	assert.Empty(t, out.Payload)
	assert.True(t, out.Source.Anonymous())
}

func TestUnmarshalEnvelopeRejectsMalformed(t *testing.T) {
	good, err := MarshalEnvelope(Frame{Subject: 1, Priority: PriorityNominal, Payload: []byte{1, 2, 3}})
	require.NoError(t, err)

	t.Run("short", func(t *testing.T) {
		_, err := UnmarshalEnvelope(good[:10])
		assert.True(t, errors.Is(err, ErrShortEnvelope))
	})

	t.Run("magic", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		bad[0] ^= 0xFF
		_, err := UnmarshalEnvelope(bad)
		assert.True(t, errors.Is(err, ErrBadMagic))
	})

	t.Run("version", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		bad[4] = 9
		_, err := UnmarshalEnvelope(bad)
		assert.True(t, errors.Is(err, ErrUnsupportedVersion))
	})

	t.Run("length", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		binary.BigEndian.PutUint32(bad[20:24], 7)
		_, err := UnmarshalEnvelope(bad)
		assert.True(t, errors.Is(err, ErrLengthMismatch))
	})

	t.Run("priority", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		bad[5] = 8
		_, err := UnmarshalEnvelope(bad)
		assert.Error(t, err)
	})

	t.Run("subject", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		binary.BigEndian.PutUint16(bad[8:10], uint16(MaxSubjectID)+1)
		_, err := UnmarshalEnvelope(bad)
		assert.Error(t, err)
	})
}

func TestMarshalEnvelopeRejectsOversizedPayload(t *testing.T) {
	_, err := MarshalEnvelope(Frame{Subject: 1, Payload: make([]byte, MaxPayloadBytes+1)})
	assert.True(t, errors.Is(err, ErrPayloadTooLarge))
}
