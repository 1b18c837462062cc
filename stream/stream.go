// Package stream implements the transport stream: an in-process framed byte
// pipe shared by a writer/reader pair, with edge-triggered ready-to-read and
// ready-to-write notifications (spec §4.3).
package stream

import "sync"

type entry struct {
	bytes  []byte
	cursor int
	header interface{}
}

func (e *entry) remaining() int { return len(e.bytes) - e.cursor }

// pipe is the shared FIFO state behind a Writer/Reader pair.
type pipe struct {
	mu sync.Mutex

	entries []*entry

	// block-mode accumulation buffer; nil when not in block mode.
	blocking   bool
	blockBytes []byte
	blockHdr   interface{}
	blockHdrSet bool

	cancelled bool

	readerReadyToRead bool // reader has signalled it wants to be woken

	writerReadyCh chan struct{} // closed-and-replaced on "not ready -> ready" edge
	readerReadyCh chan struct{}
}

// New creates a connected Writer/Reader pair sharing one FIFO.
func New() (*Writer, *Reader) {
	p := &pipe{
		writerReadyCh: make(chan struct{}),
		readerReadyCh: make(chan struct{}),
	}
	return &Writer{p: p}, &Reader{p: p}
}

func (p *pipe) totalUnreadLocked() int {
	n := 0
	for _, e := range p.entries {
		n += e.remaining()
	}
	return n
}

// fireWriterReadyLocked closes the current WriterReady channel and arms a
// fresh one. "Ready" means there is room to accept more writes, which in
// this unbounded pipe is always true, so the write side never goes through
// a "not ready -> ready" edge and nothing in this package calls this.
func (p *pipe) fireWriterReadyLocked() {
	close(p.writerReadyCh)
	p.writerReadyCh = make(chan struct{})
}

func (p *pipe) fireReaderReadyLocked() {
	if !p.readerReadyToRead {
		return
	}
	p.readerReadyToRead = false
	close(p.readerReadyCh)
	p.readerReadyCh = make(chan struct{})
}

// Writer is the write side of a transport stream.
type Writer struct {
	p *pipe
}

// Write appends bytes as one buffered entry, with an optional header
// attached to its first byte's delivery boundary. If block mode is active,
// the bytes are instead accumulated into the pending block frame.
func (w *Writer) Write(b []byte, header interface{}) {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()

	if w.p.cancelled {
		return
	}

	cp := make([]byte, len(b))
	copy(cp, b)

	if w.p.blocking {
		w.p.blockBytes = append(w.p.blockBytes, cp...)
		if !w.p.blockHdrSet && header != nil {
			w.p.blockHdr = header
			w.p.blockHdrSet = true
		}
		return
	}

	wasEmpty := w.p.totalUnreadLocked() == 0
	w.p.entries = append(w.p.entries, &entry{bytes: cp, header: header})
	if wasEmpty {
		w.p.fireReaderReadyLocked()
	}
}

// Block enables or disables block-mode accumulation. Disabling it
// (block(false)) finalises the accumulated bytes as a single entry, exactly
// as if they had been written in one Write call.
func (w *Writer) Block(enable bool) {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()

	if w.p.cancelled {
		return
	}

	if enable {
		w.p.blocking = true
		w.p.blockBytes = nil
		w.p.blockHdr = nil
		w.p.blockHdrSet = false
		return
	}

	if !w.p.blocking {
		return
	}
	w.p.blocking = false
	if len(w.p.blockBytes) == 0 && !w.p.blockHdrSet {
		return
	}
	wasEmpty := w.p.totalUnreadLocked() == 0
	w.p.entries = append(w.p.entries, &entry{bytes: w.p.blockBytes, header: w.p.blockHdr})
	w.p.blockBytes = nil
	w.p.blockHdr = nil
	w.p.blockHdrSet = false
	if wasEmpty {
		w.p.fireReaderReadyLocked()
	}
}

// NotifyReaderReadyToRead arms the edge-triggered ReaderReady signal: the
// next write that moves the queue from empty to non-empty fires it once.
func (w *Writer) NotifyReaderReadyToRead() {
	// Writers and readers share the same pipe; exposed on Writer because the
	// teacher's convention (and spec §4.3) has the reader announce readiness
	// so the writer side can decide when to fire. Implemented on the pipe
	// directly so either half can call it.
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	w.p.readerReadyToRead = true
	if w.p.totalUnreadLocked() > 0 {
		w.p.fireReaderReadyLocked()
	}
}

// WriterReady returns a channel that is closed once after each
// "not ready -> ready" transition of the write side. The pipe is unbounded,
// so the write side is always ready and the channel is never closed.
func (w *Writer) WriterReady() <-chan struct{} {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	return w.p.writerReadyCh
}

// Cancel drains the pipe and makes subsequent reads/writes no-ops.
func (w *Writer) Cancel() {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	w.p.cancelled = true
	w.p.entries = nil
	w.p.blockBytes = nil
}

// Reader is the read side of a transport stream.
type Reader struct {
	p *pipe
}

// NotifyReaderReadyToRead arms the edge-triggered ReaderReady signal.
func (r *Reader) NotifyReaderReadyToRead() {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	r.p.readerReadyToRead = true
	if r.p.totalUnreadLocked() > 0 {
		r.p.fireReaderReadyLocked()
	}
}

// ReaderReady returns a channel that is closed once after each write that
// moves the queue from empty to non-empty, provided the reader has
// previously called NotifyReaderReadyToRead.
func (r *Reader) ReaderReady() <-chan struct{} {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	return r.p.readerReadyCh
}

// Read removes up to n bytes from the front of the queue, returning them
// along with the header attached at the boundary where the first returned
// byte was delivered (nil if no entry boundary was crossed exactly at byte
// 0, i.e. there is no "current" header to report for a continuation read).
func (r *Reader) Read(n int) (data []byte, header interface{}) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	return r.readLocked(n, true)
}

// Peek is the non-destructive form of Read: it does not consume bytes, and
// offset skips that many bytes from the front before reading.
func (r *Reader) Peek(n int, offset int) (data []byte, header interface{}) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	// Build a scratch view skipping `offset` bytes, without mutating state.
	remaining := offset
	var headerSet bool
	var hdr interface{}
	out := make([]byte, 0, n)
	for _, e := range r.p.entries {
		start := e.cursor
		if remaining > 0 {
			if remaining >= e.remaining() {
				remaining -= e.remaining()
				continue
			}
			start += remaining
			remaining = 0
		}
		if !headerSet {
			if start == 0 {
				hdr = e.header
			}
			headerSet = true
		}
		avail := e.bytes[start:]
		take := len(avail)
		if take > n-len(out) {
			take = n - len(out)
		}
		out = append(out, avail[:take]...)
		if len(out) >= n {
			break
		}
	}
	return out, hdr
}

func (r *Reader) readLocked(n int, consume bool) (data []byte, header interface{}) {
	if r.p.cancelled {
		return nil, nil
	}

	out := make([]byte, 0, n)
	var headerSet bool
	var hdr interface{}

	for len(out) < n && len(r.p.entries) > 0 {
		e := r.p.entries[0]
		if !headerSet {
			if e.cursor == 0 {
				hdr = e.header
			}
			headerSet = true
		}
		avail := e.bytes[e.cursor:]
		take := len(avail)
		if take > n-len(out) {
			take = n - len(out)
		}
		out = append(out, avail[:take]...)
		if consume {
			e.cursor += take
			if e.remaining() == 0 {
				r.p.entries = r.p.entries[1:]
			}
		}
	}

	return out, hdr
}

// Len returns the total number of unread bytes currently buffered.
func (r *Reader) Len() int {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	return r.p.totalUnreadLocked()
}

// Cancel drains the pipe and makes subsequent reads/writes no-ops.
func (r *Reader) Cancel() {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	r.p.cancelled = true
	r.p.entries = nil
	r.p.blockBytes = nil
}
