// SPDX-License-Identifier: GPL-2.0-or-later

// Package writerseeker is an in-memory file used to test the recorder.
package writerseeker

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ErrNoSpace the write would grow the buffer past Limit.
var ErrNoSpace = errors.New("no space left")

// ErrClosed write or seek after Close.
var ErrClosed = errors.New("closed")

// WriterSeeker is an in-memory io.WriteSeeker implementation.
type WriterSeeker struct {
	// Limit is the maximum size of the buffer, zero means unlimited.
	Limit int

	buf    bytes.Buffer
	pos    int
	closed bool
	mu     sync.Mutex
}

// Write writes to the buffer of this WriterSeeker instance.
func (ws *WriterSeeker) Write(p []byte) (n int, err error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.closed {
		return 0, ErrClosed
	}
	if ws.Limit != 0 && ws.pos+len(p) > ws.Limit {
		return 0, ErrNoSpace
	}

	// If the offset is past the end of the buffer, grow the buffer with null bytes.
	if extra := ws.pos - ws.buf.Len(); extra > 0 {
		if _, err := ws.buf.Write(make([]byte, extra)); err != nil {
			return n, err
		}
	}

	// If the offset isn't at the end of the buffer, write as much as we can.
	if ws.pos < ws.buf.Len() {
		n = copy(ws.buf.Bytes()[ws.pos:], p)
		p = p[n:]
	}

	// If there are remaining bytes, append them to the buffer.
	if len(p) > 0 {
		var bn int
		bn, err = ws.buf.Write(p)
		n += bn
	}

	ws.pos += n
	return n, err
}

// ErrNegativeResultPos negative result pos.
var ErrNegativeResultPos = errors.New("negative result pos")

// Seek seeks in the buffer of this WriterSeeker instance.
func (ws *WriterSeeker) Seek(offset int64, whence int) (int64, error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.closed {
		return 0, ErrClosed
	}
	newPos, offs := 0, int(offset)
	switch whence {
	case io.SeekStart:
		newPos = offs
	case io.SeekCurrent:
		newPos = ws.pos + offs
	case io.SeekEnd:
		newPos = ws.buf.Len() + offs
	}
	if newPos < 0 {
		return 0, ErrNegativeResultPos
	}
	ws.pos = newPos
	return int64(newPos), nil
}

// Close marks the buffer closed, the contents stay readable.
func (ws *WriterSeeker) Close() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.closed = true
	return nil
}

// Closed reports whether Close was called.
func (ws *WriterSeeker) Closed() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.closed
}

// BytesReader returns a *bytes.Reader over a copy of the buffer.
func (ws *WriterSeeker) BytesReader() *bytes.Reader {
	return bytes.NewReader(ws.Bytes())
}

// Bytes returns a copy of the buffer.
func (ws *WriterSeeker) Bytes() []byte {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return append([]byte(nil), ws.buf.Bytes()...)
}
