package secure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNew_CopiesInput(t *testing.T) {
	src := []byte{1, 2, 3}
	b := New(src)

	src[0] = 99

	got, err := b.Byte(0)
	require.NoError(t, err)
	assert.Equal(t, byte(1), got, "mutating the source slice must not affect the value")
}

func TestBytes_DefensiveCopy(t *testing.T) {
	b := New([]byte{1, 2, 3})

	out := b.Bytes()
	out[1] = 42

	got, err := b.Byte(1)
	require.NoError(t, err)
	assert.Equal(t, byte(2), got)
}

func TestByte_OutOfRange(t *testing.T) {
	b := New([]byte{1, 2, 3})

	for _, idx := range []int{-1, 3, 100} {
		_, err := b.Byte(idx)
		var oor *OutOfRangeError
		require.ErrorAs(t, err, &oor, "index %d", idx)
		assert.Equal(t, idx, oor.Index)
		assert.Equal(t, 3, oor.Length)
	}
}

func TestSlice(t *testing.T) {
	b := New([]byte{1, 2, 3, 4})

	mid, err := b.Slice(1, 3)
	require.NoError(t, err)
	assert.True(t, mid.Equal(New([]byte{2, 3})))

	empty, err := b.Slice(4, 4)
	require.NoError(t, err)
	assert.True(t, empty.IsEmpty())

	_, err = b.Slice(2, 5)
	assert.Error(t, err)
	_, err = b.Slice(3, 1)
	assert.Error(t, err)
}

func TestEqual(t *testing.T) {
	assert.True(t, New([]byte{1, 2}).Equal(New([]byte{1, 2})))
	assert.False(t, New([]byte{1, 2}).Equal(New([]byte{1, 3})))
	assert.False(t, New([]byte{1, 2}).Equal(New([]byte{1, 2, 3})))
	assert.True(t, Bytes{}.Equal(New(nil)))
}

func TestAppend(t *testing.T) {
	a := New([]byte{1})
	b := New([]byte{2, 3})

	joined := a.Append(b)
	assert.True(t, joined.Equal(New([]byte{1, 2, 3})))
	// Inputs unchanged.
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 2, b.Len())
}

func TestString_RedactsContent(t *testing.T) {
	b := New([]byte("hunter2"))
	assert.NotContains(t, b.String(), "hunter2")
	assert.Contains(t, b.String(), "7 bytes")
}

func TestWipe(t *testing.T) {
	b := New([]byte{1, 2, 3})
	b.Wipe()
	assert.True(t, b.Equal(Zeroed(3)))
}

func TestBoundsProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "data")
		b := New(data)

		// Every in-range index reads back the original byte.
		for i, want := range data {
			got, err := b.Byte(i)
			if err != nil {
				t.Fatalf("Byte(%d): %v", i, err)
			}
			if got != want {
				t.Fatalf("Byte(%d) = %d, want %d", i, got, want)
			}
		}

		// Indexing at length or beyond always fails.
		offset := rapid.IntRange(0, 16).Draw(t, "offset")
		if _, err := b.Byte(len(data) + offset); err == nil {
			t.Fatalf("Byte(%d) on %d bytes succeeded", len(data)+offset, len(data))
		}
	})
}
