package dsdl

// Bit-level serialization.
//
// Fields are packed least-significant bit first, little-endian, which is the
// on-wire convention for every type in this package. Composite fields are
// aligned to the next byte boundary with Align.

type bitWriter struct {
	buf []byte
	bit int
}

func newBitWriter(capacity int) *bitWriter {
	return &bitWriter{buf: make([]byte, 0, capacity)}
}

// PutUint writes the low n bits of v.
func (w *bitWriter) PutUint(v uint64, n int) {
	for i := 0; i < n; i++ {
		if w.bit%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		if v&(1<<uint(i)) != 0 {
			w.buf[w.bit/8] |= 1 << uint(w.bit%8)
		}
		w.bit++
	}
}

// PutBytes writes raw bytes. The writer must be byte-aligned.
func (w *bitWriter) PutBytes(b []byte) {
	w.Align()
	w.buf = append(w.buf, b...)
	w.bit += 8 * len(b)
}

// Align pads with zero bits up to the next byte boundary.
func (w *bitWriter) Align() {
	if r := w.bit % 8; r != 0 {
		w.bit += 8 - r
	}
}

func (w *bitWriter) Bytes() []byte {
	return w.buf
}

type bitReader struct {
	buf []byte
	bit int
}

func newBitReader(b []byte) *bitReader {
	return &bitReader{buf: b}
}

// Uint reads n bits. It fails with ErrTruncated if the buffer is exhausted.
func (r *bitReader) Uint(n int) (uint64, error) {
	if r.bit+n > 8*len(r.buf) {
		return 0, ErrTruncated
	}
	var v uint64
	for i := 0; i < n; i++ {
		if r.buf[r.bit/8]&(1<<uint(r.bit%8)) != 0 {
			v |= 1 << uint(i)
		}
		r.bit++
	}
	return v, nil
}

// Bytes reads n raw bytes from the next byte boundary.
func (r *bitReader) Bytes(n int) ([]byte, error) {
	r.Align()
	start := r.bit / 8
	if start+n > len(r.buf) {
		return nil, ErrTruncated
	}
	r.bit += 8 * n
	return append([]byte(nil), r.buf[start:start+n]...), nil
}

func (r *bitReader) Align() {
	if rem := r.bit % 8; rem != 0 {
		r.bit += 8 - rem
	}
}

// Done fails with ErrTrailingBytes if unread whole bytes remain.
func (r *bitReader) Done() error {
	r.Align()
	if r.bit/8 != len(r.buf) {
		return ErrTrailingBytes
	}
	return nil
}
