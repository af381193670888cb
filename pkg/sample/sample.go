// SPDX-License-Identifier: GPL-2.0-or-later

// Package sample defines the in-memory representation of recorded samples.
package sample

import (
	"time"
)

// Kind sample type tag.
type Kind uint8

// Sample kinds.
const (
	KindFrame     Kind = 1
	KindMotion    Kind = 2
	KindTimeStamp Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindFrame:
		return "frame"
	case KindMotion:
		return "motion"
	case KindTimeStamp:
		return "timestamp"
	}
	return "unknown"
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindFrame || k == KindMotion || k == KindTimeStamp
}

// Info is carried by every sample.
type Info struct {
	Kind Kind

	// Session relative time the sample was captured at.
	CaptureTime time.Duration

	// Position of the sample data chunk in the file.
	FileOffset uint64
}

// Frame image frame.
type Frame struct {
	StreamID      uint32
	Width         uint32
	Height        uint32
	Format        PixelFormat
	Stride        uint32
	Framerate     uint32
	Timestamp     float64 // Device clock, milliseconds.
	FrameNumber   uint64
	IndexInStream uint32

	Metadata map[uint32]int64
	Payload  []byte
}

// MotionType inertial sensor type.
type MotionType uint8

// Motion types.
const (
	MotionAccel MotionType = 1
	MotionGyro  MotionType = 2
)

// Motion inertial reading.
type Motion struct {
	MotionType  MotionType
	Axes        [3]float32
	Timestamp   float64
	FrameNumber uint64
}

// TimeStamp timestamp event.
type TimeStamp struct {
	SourceID    uint32
	Timestamp   float64
	FrameNumber uint64
}

// Sample is one recorded unit. Exactly one of
// Frame, Motion or TimeStamp is set, selected by Info.Kind.
type Sample struct {
	Info Info

	Frame     *Frame
	Motion    *Motion
	TimeStamp *TimeStamp
}

// NewFrame returns a frame sample.
func NewFrame(captureTime time.Duration, frame Frame) *Sample {
	return &Sample{
		Info:  Info{Kind: KindFrame, CaptureTime: captureTime},
		Frame: &frame,
	}
}

// NewMotion returns a motion sample.
func NewMotion(captureTime time.Duration, motion Motion) *Sample {
	return &Sample{
		Info:   Info{Kind: KindMotion, CaptureTime: captureTime},
		Motion: &motion,
	}
}

// NewTimeStamp returns a timestamp sample.
func NewTimeStamp(captureTime time.Duration, ts TimeStamp) *Sample {
	return &Sample{
		Info:      Info{Kind: KindTimeStamp, CaptureTime: captureTime},
		TimeStamp: &ts,
	}
}

// IsFrame reports whether the sample is a frame.
func (s *Sample) IsFrame() bool {
	return s.Info.Kind == KindFrame && s.Frame != nil
}

// Timestamp returns the device timestamp of the sample.
func (s *Sample) Timestamp() float64 {
	switch {
	case s.Frame != nil:
		return s.Frame.Timestamp
	case s.Motion != nil:
		return s.Motion.Timestamp
	case s.TimeStamp != nil:
		return s.TimeStamp.Timestamp
	}
	return 0
}

// Size returns the number of payload bytes held by the sample.
func (s *Sample) Size() int {
	if s.Frame != nil {
		return len(s.Frame.Payload)
	}
	return 0
}

// Descriptor returns a copy of the sample without payload.
func (s *Sample) Descriptor() *Sample {
	d := &Sample{Info: s.Info}
	if s.Frame != nil {
		f := *s.Frame
		f.Payload = nil
		d.Frame = &f
	}
	if s.Motion != nil {
		m := *s.Motion
		d.Motion = &m
	}
	if s.TimeStamp != nil {
		ts := *s.TimeStamp
		d.TimeStamp = &ts
	}
	return d
}
