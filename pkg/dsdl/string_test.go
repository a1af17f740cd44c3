package dsdl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringRoundTrip(t *testing.T) {
	var c StringCodec
	for _, s := range []string{"", "Hello world!", "ünïcødé", strings.Repeat("x", MaxStringBytes)} {
		b, err := c.Encode(s)
		require.NoError(t, err)
		assert.Len(t, b, 2+len(s))

		out, err := c.Decode(b)
		require.NoError(t, err)
		assert.Equal(t, s, out)
	}
}

func TestStringLengthPrefixIsLittleEndian(t *testing.T) {
	b, err := StringCodec{}.Encode(strings.Repeat("a", 258-2))
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), b[0])
	assert.Equal(t, byte(0x01), b[1])

	b, err = StringCodec{}.Encode("hi")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x00, 'h', 'i'}, b)
}

func TestStringEncodeTooLong(t *testing.T) {
	_, err := StringCodec{}.Encode(strings.Repeat("x", MaxStringBytes+1))
	require.Error(t, err)
	assert.True(t, IsEncodeError(err))
	assert.ErrorIs(t, err, ErrValueOutOfRange)
}

func TestStringDecodeMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    error
	}{
		{"empty", nil, ErrTruncated},
		{"one byte", []byte{1}, ErrTruncated},
		{"length beyond payload", []byte{5, 0, 'a'}, ErrTruncated},
		{"length beyond capacity", []byte{0x01, 0x02}, ErrValueOutOfRange},
		{"trailing bytes", []byte{1, 0, 'a', 'b'}, ErrTrailingBytes},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := StringCodec{}.Decode(tt.payload)
			require.Error(t, err)
			assert.True(t, IsDecodeError(err))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLookupSchema(t *testing.T) {
	s, err := LookupSchema("string")
	require.NoError(t, err)
	assert.Equal(t, StringSchema.String(), s.String())

	s, err = LookupSchema("uavcan.node.Heartbeat.1.0")
	require.NoError(t, err)
	assert.Equal(t, "Heartbeat", s.Name)

	_, err = LookupSchema("uavcan.node.GetInfo.1.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "known:")
	assert.Equal(t, []string{"uavcan.node.Heartbeat.1.0", "uavcan.primitive.String.1.0"}, SchemaNames())
}
