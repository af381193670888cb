// SPDX-License-Identifier: GPL-2.0-or-later

package format

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// CoordinateSystem of the recorded extrinsics.
type CoordinateSystem uint32

// Coordinate systems.
const (
	CoordinatesUnknown CoordinateSystem = 0
	CoordinatesOptical CoordinateSystem = 1 // X right, Y down, Z forward.
	CoordinatesOpenGL  CoordinateSystem = 2 // X right, Y up, Z backward.
)

// HeaderSize marshaled header size.
const HeaderSize = 36

// FirstFrameOffsetPos position of firstFrameOffset in the file.
const FirstFrameOffsetPos = 8

// Header file header.
type Header struct {
	Magic            uint32
	Version          uint32
	FirstFrameOffset uint32
	StreamCount      uint32
	CoordinateSystem CoordinateSystem
}

// Marshal header.
func (h Header) Marshal() []byte {
	out := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(out[0:4], h.Magic)
	binary.BigEndian.PutUint32(out[4:8], h.Version)
	binary.BigEndian.PutUint32(out[8:12], h.FirstFrameOffset)
	binary.BigEndian.PutUint32(out[12:16], h.StreamCount)
	binary.BigEndian.PutUint32(out[16:20], uint32(h.CoordinateSystem))
	// Reserved bytes are left zero.
	return out
}

// ErrShortHeader file is smaller than the header.
var ErrShortHeader = errors.New("short header")

// Unmarshal header from reader.
func (h *Header) Unmarshal(r io.Reader) error {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: %v", ErrShortHeader, err)
		}
		return err
	}
	h.Magic = binary.BigEndian.Uint32(buf[0:4])
	h.Version = binary.BigEndian.Uint32(buf[4:8])
	h.FirstFrameOffset = binary.BigEndian.Uint32(buf[8:12])
	h.StreamCount = binary.BigEndian.Uint32(buf[12:16])
	h.CoordinateSystem = CoordinateSystem(binary.BigEndian.Uint32(buf[16:20]))
	return nil
}

// NewHeader returns a native header.
func NewHeader(streamCount int, coords CoordinateSystem) Header {
	return Header{
		Magic:            VersionNative.Magic(),
		Version:          VersionNative.Number(),
		StreamCount:      uint32(streamCount),
		CoordinateSystem: coords,
	}
}
