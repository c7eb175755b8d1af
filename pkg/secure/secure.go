// Package secure provides an immutable, bounds-checked container for key
// material and other secrets. A Bytes value copies its input on construction
// and copies on every read, so no caller can alias or mutate the underlying
// buffer. The String representation never exposes content.
package secure

import (
	"bytes"
	"fmt"
)

// OutOfRangeError reports an index outside a Bytes value's bounds.
type OutOfRangeError struct {
	Index  int
	Length int
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("secure: index %d out of range for %d bytes", e.Index, e.Length)
}

// Bytes is an immutable byte sequence. The zero value is an empty sequence.
type Bytes struct {
	data []byte
}

// New copies data into a fresh Bytes value. The caller's slice is never
// retained, so later mutation of data does not affect the result.
func New(data []byte) Bytes {
	if len(data) == 0 {
		return Bytes{}
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return Bytes{data: buf}
}

// Zeroed returns a Bytes value of length n with every byte set to zero.
func Zeroed(n int) Bytes {
	if n <= 0 {
		return Bytes{}
	}
	return Bytes{data: make([]byte, n)}
}

// Len returns the number of bytes held.
func (b Bytes) Len() int {
	return len(b.data)
}

// IsEmpty reports whether the value holds no bytes.
func (b Bytes) IsEmpty() bool {
	return len(b.data) == 0
}

// Byte returns the byte at index i, or an OutOfRangeError when i is negative
// or beyond the last byte. Access never panics.
func (b Bytes) Byte(i int) (byte, error) {
	if i < 0 || i >= len(b.data) {
		return 0, &OutOfRangeError{Index: i, Length: len(b.data)}
	}
	return b.data[i], nil
}

// Slice returns a copy of the bytes in [from, to), or an OutOfRangeError when
// the range does not fit inside the value.
func (b Bytes) Slice(from, to int) (Bytes, error) {
	if from < 0 || from > len(b.data) {
		return Bytes{}, &OutOfRangeError{Index: from, Length: len(b.data)}
	}
	if to < from || to > len(b.data) {
		return Bytes{}, &OutOfRangeError{Index: to, Length: len(b.data)}
	}
	return New(b.data[from:to]), nil
}

// Bytes returns a defensive copy of the contents.
func (b Bytes) Bytes() []byte {
	if len(b.data) == 0 {
		return nil
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Append returns a new value holding b followed by other. Neither input is
// modified.
func (b Bytes) Append(other Bytes) Bytes {
	if other.IsEmpty() {
		return New(b.data)
	}
	buf := make([]byte, 0, len(b.data)+len(other.data))
	buf = append(buf, b.data...)
	buf = append(buf, other.data...)
	return Bytes{data: buf}
}

// Equal reports byte-wise equality.
func (b Bytes) Equal(other Bytes) bool {
	return bytes.Equal(b.data, other.data)
}

// String describes the value without revealing its contents.
func (b Bytes) String() string {
	return fmt.Sprintf("secure.Bytes(%d bytes)", len(b.data))
}

// Wipe overwrites the internal buffer with zeros. It is a best-effort
// zeroisation hook for callers that want to release key material eagerly;
// the value reads as all-zero afterwards.
func (b Bytes) Wipe() {
	for i := range b.data {
		b.data[i] = 0
	}
}
