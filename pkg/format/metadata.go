// SPDX-License-Identifier: GPL-2.0-or-later

package format

import (
	"sort"

	"sensorrec/pkg/sample"
)

// DeviceInfo device identity as key value pairs.
type DeviceInfo map[string]string

// Well known device info keys.
const (
	DeviceName      = "name"
	DeviceSerial    = "serial"
	DeviceFirmware  = "firmware"
	DeviceSessionID = "session_id"
)

// SoftwareVersions software and build versions as key value pairs.
type SoftwareVersions map[string]string

// Metadata everything stored in the metadata region.
type Metadata struct {
	Device           DeviceInfo
	Software         SoftwareVersions
	Capabilities     []uint32
	MotionIntrinsics []sample.MotionIntrinsics
	Streams          []sample.StreamProfile
	Properties       map[string]float64
}

// Stream returns the profile of a stream.
func (m Metadata) Stream(id uint32) (sample.StreamProfile, bool) {
	for _, s := range m.Streams {
		if s.StreamID == id {
			return s, true
		}
	}
	return sample.StreamProfile{}, false
}

// EncodeDeviceInfo marshals a device-info payload.
func EncodeDeviceInfo(info DeviceInfo) []byte {
	e := newEncoder()
	e.strMap(info)
	return e.bytes()
}

func decodeDeviceInfoKV(payload []byte) (DeviceInfo, error) {
	d := newDecoder(ChunkDeviceInfo, payload)
	m := d.strMap()
	return DeviceInfo(m), d.err()
}

// EncodeSoftwareVersions marshals a software-version payload.
func EncodeSoftwareVersions(v SoftwareVersions) []byte {
	e := newEncoder()
	e.strMap(v)
	return e.bytes()
}

// DecodeSoftwareVersions unmarshals a software-version payload.
func DecodeSoftwareVersions(payload []byte) (SoftwareVersions, error) {
	d := newDecoder(ChunkSoftwareVersion, payload)
	m := d.strMap()
	return SoftwareVersions(m), d.err()
}

// EncodeCapabilities marshals a capabilities payload.
func EncodeCapabilities(caps []uint32) []byte {
	e := newEncoder()
	e.u16(uint16(len(caps)))
	for _, c := range caps {
		e.u32(c)
	}
	return e.bytes()
}

// DecodeCapabilities unmarshals a capabilities payload.
func DecodeCapabilities(payload []byte) ([]uint32, error) {
	d := newDecoder(ChunkCapabilities, payload)
	n := d.u16()
	if err := d.err(); err != nil {
		return nil, err
	}
	if err := checkSize(ChunkCapabilities, payload, 2+4*int(n)); err != nil {
		return nil, err
	}
	caps := make([]uint32, n)
	for i := range caps {
		caps[i] = d.u32()
	}
	return caps, d.err()
}

const motionIntrinsicsSize = 1 + 4*(12+3+3)

// EncodeMotionIntrinsics marshals a motion-intrinsics payload.
func EncodeMotionIntrinsics(intrinsics []sample.MotionIntrinsics) []byte {
	e := newEncoder()
	e.u8(uint8(len(intrinsics)))
	for _, in := range intrinsics {
		e.u8(uint8(in.MotionType))
		for _, row := range in.Data {
			e.f32s(row[:])
		}
		e.f32s(in.NoiseVariances[:])
		e.f32s(in.BiasVariances[:])
	}
	return e.bytes()
}

// DecodeMotionIntrinsics unmarshals a motion-intrinsics payload.
func DecodeMotionIntrinsics(payload []byte) ([]sample.MotionIntrinsics, error) {
	d := newDecoder(ChunkMotionIntrinsics, payload)
	n := d.u8()
	if err := d.err(); err != nil {
		return nil, err
	}
	if err := checkSize(ChunkMotionIntrinsics, payload, 1+int(n)*motionIntrinsicsSize); err != nil {
		return nil, err
	}
	out := make([]sample.MotionIntrinsics, n)
	for i := range out {
		out[i].MotionType = sample.MotionType(d.u8())
		for row := range out[i].Data {
			d.f32s(out[i].Data[row][:])
		}
		d.f32s(out[i].NoiseVariances[:])
		d.f32s(out[i].BiasVariances[:])
	}
	return out, d.err()
}

// EncodeProperties marshals a properties payload sorted by key.
func EncodeProperties(props map[string]float64) []byte {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	e := newEncoder()
	e.u16(uint16(len(keys)))
	for _, k := range keys {
		e.str(k)
		e.f64(props[k])
	}
	return e.bytes()
}

// DecodeProperties unmarshals a properties payload.
func DecodeProperties(payload []byte) (map[string]float64, error) {
	d := newDecoder(ChunkProperties, payload)
	n := d.u16()
	props := make(map[string]float64, n)
	for i := 0; i < int(n) && d.r.TryError == nil; i++ {
		k := d.str()
		props[k] = d.f64()
	}
	return props, d.err()
}

// Native stream-info payload.
//
// streamInfo {
//     streamID   uint32
//     kind       uint8
//     width      uint32
//     height     uint32
//     format     uint32
//     framerate  uint32
//     codec      uint8
//     codecLevel uint8
//     intrinsics [48]byte
//     extrinsics [52]byte
//     frameCount uint32
// }
const (
	intrinsicsSize = 4 + 4 + 4*4 + 4 + 5*4
	extrinsicsSize = 4 + 9*4 + 3*4

	// StreamInfoSize marshaled native stream-info size.
	StreamInfoSize = 4 + 1 + 4*4 + 1 + 1 + intrinsicsSize + extrinsicsSize + 4

	// StreamInfoFrameCountPos position of the frame count in the payload.
	StreamInfoFrameCountPos = StreamInfoSize - 4
)

// EncodeStreamInfo marshals a native stream-info payload.
func EncodeStreamInfo(p sample.StreamProfile) []byte {
	e := newEncoder()
	e.u32(p.StreamID)
	e.u8(uint8(p.Kind))
	e.u32(p.Width)
	e.u32(p.Height)
	e.u32(uint32(p.Format))
	e.u32(p.Framerate)
	e.u8(uint8(p.Codec))
	e.u8(p.CodecLevel)
	encodeIntrinsics(e, p.Intrinsics)
	e.u32(p.Extrinsics.ReferenceStream)
	e.f32s(p.Extrinsics.Rotation[:])
	e.f32s(p.Extrinsics.Translation[:])
	e.u32(p.FrameCount)
	return e.bytes()
}

func decodeStreamInfoNative(payload []byte) (sample.StreamProfile, error) {
	if err := checkSize(ChunkStreamInfo, payload, StreamInfoSize); err != nil {
		return sample.StreamProfile{}, err
	}
	d := newDecoder(ChunkStreamInfo, payload)
	p := sample.StreamProfile{
		StreamID:   d.u32(),
		Kind:       sample.StreamKind(d.u8()),
		Width:      d.u32(),
		Height:     d.u32(),
		Format:     sample.PixelFormat(d.u32()),
		Framerate:  d.u32(),
		Codec:      sample.CodecID(d.u8()),
		CodecLevel: d.u8(),
	}
	p.Intrinsics = decodeIntrinsics(d)
	p.Extrinsics.ReferenceStream = d.u32()
	d.f32s(p.Extrinsics.Rotation[:])
	d.f32s(p.Extrinsics.Translation[:])
	p.FrameCount = d.u32()
	return p, d.err()
}

func encodeIntrinsics(e *encoder, in sample.Intrinsics) {
	e.u32(in.Width)
	e.u32(in.Height)
	e.f32(in.PPX)
	e.f32(in.PPY)
	e.f32(in.FX)
	e.f32(in.FY)
	e.u32(uint32(in.Model))
	e.f32s(in.Coeffs[:])
}

func decodeIntrinsics(d *decoder) sample.Intrinsics {
	in := sample.Intrinsics{
		Width:  d.u32(),
		Height: d.u32(),
		PPX:    d.f32(),
		PPY:    d.f32(),
		FX:     d.f32(),
		FY:     d.f32(),
		Model:  sample.DistortionModel(d.u32()),
	}
	d.f32s(in.Coeffs[:])
	return in
}
