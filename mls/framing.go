package mls

import (
	"encoding/binary"

	"github.com/haleiwa/rtcstack/stream"
)

// maxFramePayload bounds how many decoded application bytes are encrypted
// into a single frame per stepSend pass.
const maxFramePayload = 16 * 1024

// lengthPrefixHeaderSize is the size of the u32 length prefix written
// ahead of every keying bundle and every encrypted frame on the wire
// stream, so a reader sharing one byte-oriented pipe (a stream.New pipe has no
// built-in message boundaries beyond per-Write entries, which Peek/Read do
// not expose by length) can tell where one ends and the next begins.
const lengthPrefixHeaderSize = 4

func writeLengthPrefixed(w *stream.Writer, payload []byte) {
	buf := make([]byte, lengthPrefixHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:lengthPrefixHeaderSize], uint32(len(payload)))
	copy(buf[lengthPrefixHeaderSize:], payload)
	w.Write(buf, nil)
}

// peekLengthPrefixed returns the next complete length-prefixed message
// without consuming it, or ok=false if it hasn't fully arrived yet.
func peekLengthPrefixed(r *stream.Reader) (payload []byte, ok bool) {
	header, _ := r.Peek(lengthPrefixHeaderSize, 0)
	if len(header) < lengthPrefixHeaderSize {
		return nil, false
	}
	n := binary.BigEndian.Uint32(header)
	full, _ := r.Peek(lengthPrefixHeaderSize+int(n), 0)
	if len(full) < lengthPrefixHeaderSize+int(n) {
		return nil, false
	}
	return full[lengthPrefixHeaderSize:], true
}

// consumeLengthPrefixed discards the message peekLengthPrefixed just
// returned.
func consumeLengthPrefixed(r *stream.Reader) {
	header, _ := r.Peek(lengthPrefixHeaderSize, 0)
	if len(header) < lengthPrefixHeaderSize {
		return
	}
	n := binary.BigEndian.Uint32(header)
	r.Read(lengthPrefixHeaderSize + int(n))
}
