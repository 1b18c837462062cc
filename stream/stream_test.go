package stream

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadAnySplit(t *testing.T) {
	w, r := New()
	w.Write([]byte("hello"), nil)
	w.Write([]byte(", world"), nil)

	var got bytes.Buffer
	for {
		chunk, _ := r.Read(3)
		if len(chunk) == 0 {
			break
		}
		got.Write(chunk)
	}
	assert.Equal(t, "hello, world", got.String())
}

func TestPeekNonDestructive(t *testing.T) {
	w, r := New()
	w.Write([]byte("abcdef"), nil)

	peeked, _ := r.Peek(3, 0)
	assert.Equal(t, []byte("abc"), peeked)

	peeked2, _ := r.Peek(3, 3)
	assert.Equal(t, []byte("def"), peeked2)

	full, _ := r.Read(6)
	assert.Equal(t, []byte("abcdef"), full)
}

func TestHeaderAtBoundary(t *testing.T) {
	w, r := New()
	w.Write([]byte("AAA"), "first")
	w.Write([]byte("BBB"), "second")

	chunk1, hdr1 := r.Read(3)
	require.Equal(t, []byte("AAA"), chunk1)
	assert.Equal(t, "first", hdr1)

	chunk2, hdr2 := r.Read(3)
	require.Equal(t, []byte("BBB"), chunk2)
	assert.Equal(t, "second", hdr2)
}

func TestBlockModeAccumulates(t *testing.T) {
	w, r := New()
	w.Block(true)
	w.Write([]byte("a"), "hdr")
	w.Write([]byte("b"), nil)
	w.Write([]byte("c"), nil)
	w.Block(false)

	data, hdr := r.Read(3)
	assert.Equal(t, []byte("abc"), data)
	assert.Equal(t, "hdr", hdr)
}

func TestReaderReadyEdgeTriggered(t *testing.T) {
	w, r := New()
	r.NotifyReaderReadyToRead()

	ready := r.ReaderReady()
	w.Write([]byte("x"), nil)

	select {
	case <-ready:
	default:
		t.Fatal("expected ReaderReady to fire after empty->non-empty write")
	}
}

func TestCancelIsNoOp(t *testing.T) {
	w, r := New()
	w.Write([]byte("x"), nil)
	w.Cancel()

	data, _ := r.Read(1)
	assert.Empty(t, data)

	w.Write([]byte("y"), nil)
	data2, _ := r.Read(1)
	assert.Empty(t, data2)
}
