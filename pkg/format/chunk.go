// SPDX-License-Identifier: GPL-2.0-or-later

package format

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ChunkID chunk type. Unknown IDs are valid and must be skipped.
type ChunkID uint32

// Chunk IDs.
const (
	ChunkDeviceInfo       ChunkID = 1
	ChunkStreamInfo       ChunkID = 2
	ChunkProperties       ChunkID = 3
	ChunkCapabilities     ChunkID = 4
	ChunkSoftwareVersion  ChunkID = 5
	ChunkMotionIntrinsics ChunkID = 6
	ChunkSampleInfo       ChunkID = 7
	ChunkFrameInfo        ChunkID = 8
	ChunkImageMetadata    ChunkID = 9
	ChunkSampleData       ChunkID = 10
)

// Known reports whether the id is one of the known chunk ids.
func (id ChunkID) Known() bool {
	return id >= ChunkDeviceInfo && id <= ChunkSampleData
}

func (id ChunkID) String() string {
	switch id {
	case ChunkDeviceInfo:
		return "device-info"
	case ChunkStreamInfo:
		return "stream-info"
	case ChunkProperties:
		return "properties"
	case ChunkCapabilities:
		return "capabilities"
	case ChunkSoftwareVersion:
		return "software-version"
	case ChunkMotionIntrinsics:
		return "motion-intrinsics"
	case ChunkSampleInfo:
		return "sample-info"
	case ChunkFrameInfo:
		return "frame-info"
	case ChunkImageMetadata:
		return "image-metadata"
	case ChunkSampleData:
		return "sample-data"
	}
	return fmt.Sprintf("unknown(%d)", uint32(id))
}

// ChunkHeaderSize marshaled chunk header size.
const ChunkHeaderSize = 8

// ChunkHeader chunk id and payload size.
type ChunkHeader struct {
	ID   ChunkID
	Size uint32
}

// ErrCorruptChunk chunk size or content is invalid.
var ErrCorruptChunk = errors.New("corrupt chunk")

// AppendChunk appends a marshaled chunk to buf.
func AppendChunk(buf []byte, id ChunkID, payload []byte) []byte {
	var header [ChunkHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(id))
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	buf = append(buf, header[:]...)
	return append(buf, payload...)
}

// ChunkSize returns the marshaled size of a chunk with payloadSize bytes.
func ChunkSize(payloadSize int) int {
	return ChunkHeaderSize + payloadSize
}

// ChunkReader reads chunks from a file. Not safe for concurrent use.
type ChunkReader struct {
	r    io.ReadSeeker
	pos  int64
	size int64
}

// NewChunkReader creates a chunk reader positioned at pos.
func NewChunkReader(r io.ReadSeeker, size int64, pos int64) (*ChunkReader, error) {
	c := &ChunkReader{r: r, size: size}
	if err := c.SeekTo(pos); err != nil {
		return nil, err
	}
	return c, nil
}

// Pos returns the current position.
func (c *ChunkReader) Pos() int64 {
	return c.pos
}

// Size returns the file size.
func (c *ChunkReader) Size() int64 {
	return c.size
}

// SeekTo moves to an absolute position.
func (c *ChunkReader) SeekTo(pos int64) error {
	if _, err := c.r.Seek(pos, io.SeekStart); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	c.pos = pos
	return nil
}

// Next reads the next chunk header. Returns io.EOF at the end of the file
// and ErrCorruptChunk if the chunk does not fit in the remaining bytes.
func (c *ChunkReader) Next() (ChunkHeader, error) {
	if c.pos >= c.size {
		return ChunkHeader{}, io.EOF
	}
	if c.size-c.pos < ChunkHeaderSize {
		return ChunkHeader{}, fmt.Errorf("%w: truncated header at %d", ErrCorruptChunk, c.pos)
	}

	var buf [ChunkHeaderSize]byte
	n, err := io.ReadFull(c.r, buf[:])
	c.pos += int64(n)
	if err != nil {
		return ChunkHeader{}, fmt.Errorf("read chunk header: %w", err)
	}

	h := ChunkHeader{
		ID:   ChunkID(binary.BigEndian.Uint32(buf[0:4])),
		Size: binary.BigEndian.Uint32(buf[4:8]),
	}
	if int64(h.Size) > c.size-c.pos {
		return h, fmt.Errorf("%w: %v at %d: size %d exceeds remaining %d bytes",
			ErrCorruptChunk, h.ID, c.pos-ChunkHeaderSize, h.Size, c.size-c.pos)
	}
	return h, nil
}

// Payload reads the payload of the chunk returned by Next.
func (c *ChunkReader) Payload(h ChunkHeader) ([]byte, error) {
	buf := make([]byte, h.Size)
	n, err := io.ReadFull(c.r, buf)
	c.pos += int64(n)
	if err != nil {
		return nil, fmt.Errorf("read %v payload: %w", h.ID, err)
	}
	return buf, nil
}

// Skip the payload of the chunk returned by Next.
func (c *ChunkReader) Skip(h ChunkHeader) error {
	return c.SeekTo(c.pos + int64(h.Size))
}

// ReadAt reads the chunk at pos.
func (c *ChunkReader) ReadAt(pos int64) (ChunkHeader, []byte, error) {
	if err := c.SeekTo(pos); err != nil {
		return ChunkHeader{}, nil, err
	}
	h, err := c.Next()
	if err != nil {
		return h, nil, err
	}
	payload, err := c.Payload(h)
	if err != nil {
		return h, nil, err
	}
	return h, payload, nil
}
