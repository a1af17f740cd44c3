package dsdl

import "fmt"

// MaxStringBytes is the capacity of uavcan.primitive.String.1.0.
const MaxStringBytes = 256

// StringSchema is uavcan.primitive.String.1.0.
var StringSchema = Schema{
	Namespace: "uavcan.primitive",
	Name:      "String",
	Major:     1,
	Minor:     0,
}

// StringCodec encodes strings as a 16-bit little-endian length followed by
// the raw bytes.
type StringCodec struct{}

func (StringCodec) Schema() Schema { return StringSchema }

func (StringCodec) Encode(v string) ([]byte, error) {
	if len(v) > MaxStringBytes {
		return nil, &EncodeError{
			Schema: StringSchema,
			Field:  "value",
			Err:    fmt.Errorf("%d bytes exceeds %d: %w", len(v), MaxStringBytes, ErrValueOutOfRange),
		}
	}
	w := newBitWriter(2 + len(v))
	w.PutUint(uint64(len(v)), 16)
	w.PutBytes([]byte(v))
	return w.Bytes(), nil
}

func (StringCodec) Decode(b []byte) (string, error) {
	r := newBitReader(b)
	n, err := r.Uint(16)
	if err != nil {
		return "", &DecodeError{Schema: StringSchema, Err: err}
	}
	if n > MaxStringBytes {
		return "", &DecodeError{Schema: StringSchema, Err: fmt.Errorf("length %d: %w", n, ErrValueOutOfRange)}
	}
	raw, err := r.Bytes(int(n))
	if err != nil {
		return "", &DecodeError{Schema: StringSchema, Err: err}
	}
	if err := r.Done(); err != nil {
		return "", &DecodeError{Schema: StringSchema, Err: err}
	}
	return string(raw), nil
}
