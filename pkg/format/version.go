// SPDX-License-Identifier: GPL-2.0-or-later

package format

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"sensorrec/pkg/sample"
)

// ErrUnsupportedFormat unknown magic.
var ErrUnsupportedFormat = errors.New("unsupported format")

// Version on-disk format variant, resolved once from the header magic.
// Every variant converts its own chunk schemas into the common types.
type Version uint8

// Versions.
const (
	VersionNative Version = iota + 1
	VersionLinuxV1
	VersionLinuxV2
	VersionWindows
)

type versionEntry struct {
	version Version
	magic   [4]byte
	number  uint32
	name    string
}

var versions = []versionEntry{
	{VersionNative, [4]byte{'S', 'R', 'C', '3'}, 3, "native"},
	{VersionLinuxV1, [4]byte{'S', 'R', 'C', '1'}, 1, "linux-v1"},
	{VersionLinuxV2, [4]byte{'S', 'R', 'C', '2'}, 2, "linux-v2"},
	{VersionWindows, [4]byte{'S', 'R', 'C', 'W'}, 1, "windows"},
}

func (v Version) entry() versionEntry {
	for _, e := range versions {
		if e.version == v {
			return e
		}
	}
	return versionEntry{name: "unknown"}
}

// VersionFromMagic returns the version with the given magic.
func VersionFromMagic(magic uint32) (Version, error) {
	for _, e := range versions {
		if binary.BigEndian.Uint32(e.magic[:]) == magic {
			return e.version, nil
		}
	}
	return 0, fmt.Errorf("%w: magic %#08x", ErrUnsupportedFormat, magic)
}

// Magic returns the header magic of the version.
func (v Version) Magic() uint32 {
	e := v.entry()
	return binary.BigEndian.Uint32(e.magic[:])
}

// Number returns the header version field of the version.
func (v Version) Number() uint32 {
	return v.entry().number
}

func (v Version) String() string {
	return v.entry().name
}

// DecodeSampleInfo converts a sample-info payload.
func (v Version) DecodeSampleInfo(payload []byte) (sample.Info, error) {
	if v == VersionLinuxV1 {
		return decodeSampleInfoV1(payload)
	}
	return decodeSampleInfo(payload)
}

// DecodeDeviceInfo converts a device-info payload.
func (v Version) DecodeDeviceInfo(payload []byte) (DeviceInfo, error) {
	if v == VersionLinuxV1 {
		return decodeDeviceInfoV1(payload)
	}
	return decodeDeviceInfoKV(payload)
}

// DecodeStreamInfo converts a stream-info payload.
func (v Version) DecodeStreamInfo(payload []byte) (sample.StreamProfile, error) {
	switch v {
	case VersionLinuxV1:
		return decodeStreamInfoV1(payload)
	case VersionLinuxV2:
		return decodeStreamInfoV2(payload)
	case VersionWindows:
		return decodeStreamInfoWindows(payload)
	}
	return decodeStreamInfoNative(payload)
}

// FrameCountPatchable reports whether the recorder back-patches frame counts.
func (v Version) FrameCountPatchable() bool {
	return v == VersionNative
}

// Linux v1.
//
// sampleInfo { kind uint8, captureTimeMS uint64, offset uint64 }
// deviceInfo { name [32]byte, serial [32]byte, firmware [32]byte }
// streamInfo { streamID, width, height, format, framerate, frameCount uint32 }
//
// Only uncompressed video streams, no calibration.
const (
	sampleInfoSizeV1  = 17
	deviceStringSize  = 32
	deviceInfoSizeV1  = 3 * deviceStringSize
	streamInfoSizeV1  = 6 * 4
	streamInfoSizeV2  = 4 + 1 + 4*4 + intrinsicsSize + 4
	streamInfoSizeWin = 6*4 + 9*4
)

func decodeSampleInfoV1(payload []byte) (sample.Info, error) {
	if err := checkSize(ChunkSampleInfo, payload, sampleInfoSizeV1); err != nil {
		return sample.Info{}, err
	}
	d := newDecoder(ChunkSampleInfo, payload)
	kind := sample.Kind(d.u8())
	captureTime := d.u64()
	offset := d.u64()
	if err := d.err(); err != nil {
		return sample.Info{}, err
	}
	return newSampleInfo(kind, captureTime, offset, UnitMillisecond)
}

func decodeDeviceInfoV1(payload []byte) (DeviceInfo, error) {
	if err := checkSize(ChunkDeviceInfo, payload, deviceInfoSizeV1); err != nil {
		return nil, err
	}
	field := func(i int) string {
		b := payload[i*deviceStringSize : (i+1)*deviceStringSize]
		if n := bytes.IndexByte(b, 0); n != -1 {
			b = b[:n]
		}
		return string(b)
	}
	return DeviceInfo{
		DeviceName:     field(0),
		DeviceSerial:   field(1),
		DeviceFirmware: field(2),
	}, nil
}

func decodeStreamInfoV1(payload []byte) (sample.StreamProfile, error) {
	if err := checkSize(ChunkStreamInfo, payload, streamInfoSizeV1); err != nil {
		return sample.StreamProfile{}, err
	}
	d := newDecoder(ChunkStreamInfo, payload)
	p := sample.StreamProfile{
		StreamID:   d.u32(),
		Kind:       sample.StreamVideo,
		Width:      d.u32(),
		Height:     d.u32(),
		Format:     sample.PixelFormat(d.u32()),
		Framerate:  d.u32(),
		FrameCount: d.u32(),
	}
	p.Extrinsics = sample.IdentityExtrinsics(p.StreamID)
	return p, d.err()
}

// Linux v2.
//
// streamInfo {
//     streamID  uint32
//     kind      uint8
//     width, height, format, framerate uint32
//     intrinsics [48]byte
//     frameCount uint32
// }
//
// Sample-info has the native layout, streams are never compressed.
func decodeStreamInfoV2(payload []byte) (sample.StreamProfile, error) {
	if err := checkSize(ChunkStreamInfo, payload, streamInfoSizeV2); err != nil {
		return sample.StreamProfile{}, err
	}
	d := newDecoder(ChunkStreamInfo, payload)
	p := sample.StreamProfile{
		StreamID:  d.u32(),
		Kind:      sample.StreamKind(d.u8()),
		Width:     d.u32(),
		Height:    d.u32(),
		Format:    sample.PixelFormat(d.u32()),
		Framerate: d.u32(),
	}
	p.Intrinsics = decodeIntrinsics(d)
	p.FrameCount = d.u32()
	p.Extrinsics = sample.IdentityExtrinsics(p.StreamID)
	return p, d.err()
}

// Windows, written by the cross-platform recorder.
//
// streamInfo { // Little endian.
//     streamID, framerate, width, height, format, frameCount uint32
//     fx, fy, ppx, ppy float32
//     coeffs [5]float32
// }
func decodeStreamInfoWindows(payload []byte) (sample.StreamProfile, error) {
	if err := checkSize(ChunkStreamInfo, payload, streamInfoSizeWin); err != nil {
		return sample.StreamProfile{}, err
	}
	pos := 0
	u32 := func() uint32 {
		v := binary.LittleEndian.Uint32(payload[pos : pos+4])
		pos += 4
		return v
	}
	f32 := func() float32 {
		return math.Float32frombits(u32())
	}

	p := sample.StreamProfile{
		StreamID:  u32(),
		Kind:      sample.StreamVideo,
		Framerate: u32(),
		Width:     u32(),
		Height:    u32(),
		Format:    sample.PixelFormat(u32()),
	}
	p.FrameCount = u32()
	p.Intrinsics = sample.Intrinsics{
		Width:  p.Width,
		Height: p.Height,
		FX:     f32(),
		FY:     f32(),
		PPX:    f32(),
		PPY:    f32(),
	}
	for i := range p.Intrinsics.Coeffs {
		p.Intrinsics.Coeffs[i] = f32()
	}
	p.Extrinsics = sample.IdentityExtrinsics(p.StreamID)
	return p, nil
}
