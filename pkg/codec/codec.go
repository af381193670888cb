// SPDX-License-Identifier: GPL-2.0-or-later

// Package codec compresses and decompresses frame payloads.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"sensorrec/pkg/sample"

	"github.com/pierrec/lz4/v4"
)

// ErrCodec compression or decompression failure.
var ErrCodec = errors.New("codec error")

// Kind codec kind.
type Kind uint8

// Codec kinds.
const (
	KindNone = Kind(sample.CodecNone)
	KindLZ4  = Kind(sample.CodecLZ4)
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindLZ4:
		return "lz4"
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// MaxLevel highest compression level.
const MaxLevel = 100

// Codec is a compressor/decompressor pair. The zero value is the identity codec.
type Codec struct {
	Kind  Kind
	Level int // 0-100.
}

// None returns the identity codec.
func None() Codec {
	return Codec{Kind: KindNone}
}

// LZ4 returns a lz4 codec with the given level, clamped to 0-100.
func LZ4(level int) Codec {
	if level < 0 {
		level = 0
	}
	if level > MaxLevel {
		level = MaxLevel
	}
	return Codec{Kind: KindLZ4, Level: level}
}

// FromProfile returns the codec recorded in a stream profile.
func FromProfile(p sample.StreamProfile) (Codec, error) {
	switch Kind(p.Codec) {
	case KindNone:
		return None(), nil
	case KindLZ4:
		return LZ4(int(p.CodecLevel)), nil
	}
	return Codec{}, fmt.Errorf("%w: unknown codec %d", ErrCodec, p.Codec)
}

// Lz4 block layout.
//
// block {
//     flags  uint8 { isCompressed }
//     rawLen uint32
//     body   []byte
// }
const (
	blockHeaderSize = 5

	flagStored     = 0
	flagCompressed = 1
)

// Compress raw payload.
func (c Codec) Compress(raw []byte) ([]byte, error) {
	switch c.Kind {
	case KindNone:
		return raw, nil
	case KindLZ4:
		return c.compressLZ4(raw)
	}
	return nil, fmt.Errorf("%w: compress: unknown codec %v", ErrCodec, c.Kind)
}

// Decompress data, expectedSize is the raw size or negative if unknown.
func (c Codec) Decompress(data []byte, expectedSize int) ([]byte, error) {
	var raw []byte
	switch c.Kind {
	case KindNone:
		raw = data
	case KindLZ4:
		var err error
		raw, err = decompressLZ4(data, expectedSize)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: decompress: unknown codec %v", ErrCodec, c.Kind)
	}

	if expectedSize >= 0 && len(raw) != expectedSize {
		return nil, fmt.Errorf("%w: size mismatch: expected %d, got %d",
			ErrCodec, expectedSize, len(raw))
	}
	return raw, nil
}

var hcLevels = []lz4.CompressionLevel{
	lz4.Level1, lz4.Level2, lz4.Level3,
	lz4.Level4, lz4.Level5, lz4.Level6,
	lz4.Level7, lz4.Level8, lz4.Level9,
}

// Maps 0 to the fast compressor and 1-100 to the HC levels 1-9.
func lz4Level(level int) (lz4.CompressionLevel, bool) {
	if level <= 0 {
		return lz4.Fast, false
	}
	if level > MaxLevel {
		level = MaxLevel
	}
	i := (level - 1) * len(hcLevels) / MaxLevel
	return hcLevels[i], true
}

func (c Codec) compressLZ4(raw []byte) ([]byte, error) {
	out := make([]byte, blockHeaderSize+lz4.CompressBlockBound(len(raw)))
	binary.BigEndian.PutUint32(out[1:5], uint32(len(raw)))

	var n int
	var err error
	if level, hc := lz4Level(c.Level); hc {
		compressor := lz4.CompressorHC{Level: level}
		n, err = compressor.CompressBlock(raw, out[blockHeaderSize:])
	} else {
		var compressor lz4.Compressor
		n, err = compressor.CompressBlock(raw, out[blockHeaderSize:])
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lz4: %v", ErrCodec, err)
	}

	// Incompressible data is stored as is.
	if n == 0 || n >= len(raw) {
		out = out[:blockHeaderSize+len(raw)]
		out[0] = flagStored
		copy(out[blockHeaderSize:], raw)
		return out, nil
	}

	out[0] = flagCompressed
	return out[:blockHeaderSize+n], nil
}

// lz4 cannot expand a block by more than this ratio.
const maxLZ4Ratio = 255

// The raw length is checked before allocating.
func decompressLZ4(data []byte, expectedSize int) ([]byte, error) {
	if len(data) < blockHeaderSize {
		return nil, fmt.Errorf("%w: block too short: %d", ErrCodec, len(data))
	}
	flags := data[0]
	rawLen := int(binary.BigEndian.Uint32(data[1:5]))
	body := data[blockHeaderSize:]

	if expectedSize >= 0 && rawLen != expectedSize {
		return nil, fmt.Errorf("%w: size mismatch: expected %d, block header %d",
			ErrCodec, expectedSize, rawLen)
	}
	if rawLen > maxLZ4Ratio*len(body) {
		return nil, fmt.Errorf("%w: block header %d exceeds the %d byte body",
			ErrCodec, rawLen, len(body))
	}

	switch flags {
	case flagStored:
		if len(body) != rawLen {
			return nil, fmt.Errorf("%w: stored block size mismatch", ErrCodec)
		}
		raw := make([]byte, rawLen)
		copy(raw, body)
		return raw, nil

	case flagCompressed:
		raw := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(body, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrCodec, err)
		}
		if n != rawLen {
			return nil, fmt.Errorf("%w: lz4: expected %d bytes, got %d", ErrCodec, rawLen, n)
		}
		return raw, nil
	}
	return nil, fmt.Errorf("%w: unknown block flags: %d", ErrCodec, flags)
}
