// SPDX-License-Identifier: GPL-2.0-or-later

package sample

// PixelFormat image pixel format.
type PixelFormat uint32

// Pixel formats.
const (
	FormatAny   PixelFormat = 0
	FormatZ16   PixelFormat = 1
	FormatYUYV  PixelFormat = 2
	FormatRGB8  PixelFormat = 3
	FormatBGR8  PixelFormat = 4
	FormatRGBA8 PixelFormat = 5
	FormatY8    PixelFormat = 6
	FormatY16   PixelFormat = 7
	FormatRAW8  PixelFormat = 8
)

// BytesPerPixel returns zero for unknown formats.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatY8, FormatRAW8:
		return 1
	case FormatZ16, FormatYUYV, FormatY16:
		return 2
	case FormatRGB8, FormatBGR8:
		return 3
	case FormatRGBA8:
		return 4
	}
	return 0
}

// StreamKind type of stream.
type StreamKind uint8

// Stream kinds.
const (
	StreamVideo  StreamKind = 1
	StreamMotion StreamKind = 2
)

// CodecID compression codec used by a stream.
type CodecID uint8

// Codecs.
const (
	CodecNone CodecID = 0
	CodecLZ4  CodecID = 1
)

// DistortionModel lens distortion model.
type DistortionModel uint32

// Intrinsics camera intrinsic calibration.
type Intrinsics struct {
	Width  uint32
	Height uint32
	PPX    float32
	PPY    float32
	FX     float32
	FY     float32
	Model  DistortionModel
	Coeffs [5]float32
}

// Extrinsics transform relative to a reference stream.
type Extrinsics struct {
	ReferenceStream uint32
	Rotation        [9]float32 // Column major.
	Translation     [3]float32 // Meters.
}

// IdentityExtrinsics returns a transform to the stream itself.
func IdentityExtrinsics(stream uint32) Extrinsics {
	return Extrinsics{
		ReferenceStream: stream,
		Rotation:        [9]float32{1, 0, 0, 0, 1, 0, 0, 0, 1},
	}
}

// StreamProfile static description of a recorded stream.
type StreamProfile struct {
	StreamID   uint32
	Kind       StreamKind
	Width      uint32
	Height     uint32
	Format     PixelFormat
	Framerate  uint32
	Codec      CodecID
	CodecLevel uint8

	Intrinsics Intrinsics
	Extrinsics Extrinsics

	// Patched by the recorder after every frame.
	FrameCount uint32
}

// FrameSize returns the size of an uncompressed frame, zero if unknown.
func (p StreamProfile) FrameSize() int {
	return int(p.Width) * int(p.Height) * p.Format.BytesPerPixel()
}

// MotionIntrinsics inertial sensor calibration.
type MotionIntrinsics struct {
	MotionType     MotionType
	Data           [3][4]float32
	NoiseVariances [3]float32
	BiasVariances  [3]float32
}
