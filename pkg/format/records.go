// SPDX-License-Identifier: GPL-2.0-or-later

package format

import (
	"fmt"
	"sort"
	"time"

	"sensorrec/pkg/sample"
)

// TimeUnit unit of the capture time in sample-info chunks.
type TimeUnit uint8

// Time units.
const (
	UnitNanosecond  TimeUnit = 0
	UnitMicrosecond TimeUnit = 1
	UnitMillisecond TimeUnit = 2
)

// Duration returns the length of one unit.
func (u TimeUnit) Duration() (time.Duration, error) {
	switch u {
	case UnitNanosecond:
		return time.Nanosecond, nil
	case UnitMicrosecond:
		return time.Microsecond, nil
	case UnitMillisecond:
		return time.Millisecond, nil
	}
	return 0, fmt.Errorf("%w: unknown time unit: %d", ErrCorruptChunk, u)
}

// Marshaled payload sizes.
const (
	SampleInfoSize    = 18
	FrameInfoSize     = 44
	MotionDataSize    = 29
	TimeStampDataSize = 20
)

// EncodeSampleInfo marshals a sample-info payload in nanoseconds.
func EncodeSampleInfo(info sample.Info) []byte {
	e := newEncoder()
	e.u8(uint8(info.Kind))
	e.u64(uint64(info.CaptureTime))
	e.u64(info.FileOffset)
	e.u8(uint8(UnitNanosecond))
	return e.bytes()
}

func decodeSampleInfo(payload []byte) (sample.Info, error) {
	if err := checkSize(ChunkSampleInfo, payload, SampleInfoSize); err != nil {
		return sample.Info{}, err
	}
	d := newDecoder(ChunkSampleInfo, payload)
	kind := sample.Kind(d.u8())
	captureTime := d.u64()
	offset := d.u64()
	unit := TimeUnit(d.u8())
	if err := d.err(); err != nil {
		return sample.Info{}, err
	}
	return newSampleInfo(kind, captureTime, offset, unit)
}

func newSampleInfo(kind sample.Kind, captureTime, offset uint64, unit TimeUnit) (sample.Info, error) {
	if !kind.Valid() {
		return sample.Info{}, fmt.Errorf("%w: unknown sample kind: %d", ErrCorruptChunk, kind)
	}
	d, err := unit.Duration()
	if err != nil {
		return sample.Info{}, err
	}
	return sample.Info{
		Kind:        kind,
		CaptureTime: time.Duration(captureTime) * d,
		FileOffset:  offset,
	}, nil
}

// EncodeFrameInfo marshals a frame-info payload.
func EncodeFrameInfo(f *sample.Frame) []byte {
	e := newEncoder()
	e.u32(f.StreamID)
	e.u32(f.Width)
	e.u32(f.Height)
	e.u32(uint32(f.Format))
	e.u32(f.Stride)
	e.u32(f.Framerate)
	e.f64(f.Timestamp)
	e.u64(f.FrameNumber)
	e.u32(f.IndexInStream)
	return e.bytes()
}

// DecodeFrameInfo unmarshals a frame-info payload.
func DecodeFrameInfo(payload []byte) (sample.Frame, error) {
	if err := checkSize(ChunkFrameInfo, payload, FrameInfoSize); err != nil {
		return sample.Frame{}, err
	}
	d := newDecoder(ChunkFrameInfo, payload)
	f := sample.Frame{
		StreamID:      d.u32(),
		Width:         d.u32(),
		Height:        d.u32(),
		Format:        sample.PixelFormat(d.u32()),
		Stride:        d.u32(),
		Framerate:     d.u32(),
		Timestamp:     d.f64(),
		FrameNumber:   d.u64(),
		IndexInStream: d.u32(),
	}
	return f, d.err()
}

// EncodeImageMetadata marshals image metadata sorted by key.
func EncodeImageMetadata(m map[uint32]int64) []byte {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	e := newEncoder()
	e.u32(uint32(len(keys)))
	for _, k := range keys {
		e.u32(k)
		e.i64(m[k])
	}
	return e.bytes()
}

// DecodeImageMetadata unmarshals image metadata.
func DecodeImageMetadata(payload []byte) (map[uint32]int64, error) {
	d := newDecoder(ChunkImageMetadata, payload)
	n := d.u32()
	if err := d.err(); err != nil {
		return nil, err
	}
	if err := checkSize(ChunkImageMetadata, payload, 4+int(n)*12); err != nil {
		return nil, err
	}

	m := make(map[uint32]int64, n)
	for i := uint32(0); i < n; i++ {
		k := d.u32()
		m[k] = d.i64()
	}
	return m, d.err()
}

// EncodeMotion marshals a motion sample-data payload.
func EncodeMotion(m *sample.Motion) []byte {
	e := newEncoder()
	e.u8(uint8(m.MotionType))
	e.f64(m.Timestamp)
	e.u64(m.FrameNumber)
	e.f32s(m.Axes[:])
	return e.bytes()
}

// DecodeMotion unmarshals a motion sample-data payload.
func DecodeMotion(payload []byte) (sample.Motion, error) {
	if err := checkSize(ChunkSampleData, payload, MotionDataSize); err != nil {
		return sample.Motion{}, err
	}
	d := newDecoder(ChunkSampleData, payload)
	m := sample.Motion{
		MotionType:  sample.MotionType(d.u8()),
		Timestamp:   d.f64(),
		FrameNumber: d.u64(),
	}
	d.f32s(m.Axes[:])
	return m, d.err()
}

// EncodeTimeStamp marshals a timestamp sample-data payload.
func EncodeTimeStamp(ts *sample.TimeStamp) []byte {
	e := newEncoder()
	e.u32(ts.SourceID)
	e.f64(ts.Timestamp)
	e.u64(ts.FrameNumber)
	return e.bytes()
}

// DecodeTimeStamp unmarshals a timestamp sample-data payload.
func DecodeTimeStamp(payload []byte) (sample.TimeStamp, error) {
	if err := checkSize(ChunkSampleData, payload, TimeStampDataSize); err != nil {
		return sample.TimeStamp{}, err
	}
	d := newDecoder(ChunkSampleData, payload)
	ts := sample.TimeStamp{
		SourceID:    d.u32(),
		Timestamp:   d.f64(),
		FrameNumber: d.u64(),
	}
	return ts, d.err()
}
