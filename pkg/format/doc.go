// SPDX-License-Identifier: GPL-2.0-or-later

// Package format reads and writes the capture container.
package format

// Capture container for multi-sensor sessions.
// Requirements.
//   1. A reader must be able to skip any chunk it does not understand.
//   2. Samples are appended as they arrive, a single file holds one session.
//   3. Every sample can be located without reading the whole file.
//
// All integers are big endian unless noted otherwise.
//
// file {
//   header [36]byte
//   chunks []chunk // Metadata chunks then sample chunks.
// }
//
// header {
//   magic            uint32 // Selects the format version.
//   version          uint32
//   firstFrameOffset uint32 // Position of the first sample-info chunk.
//   streamCount      uint32
//   coordinateSystem uint32
//   reserved         [4]uint32
// }
//
// chunk {
//   id   uint32
//   size uint32 // Exact size of payload.
//   payload [size]byte
// }
//
// Metadata region, written once:
//   device-info, software-version, capabilities,
//   motion-intrinsics, stream-info (one per stream), properties
//
// Sample region, repeated:
//   sample-info { kind uint8, captureTime uint64, offset uint64, unit uint8 }
//   frame-info  { streamID, width, height, format, stride, framerate uint32,
//                 timestamp float64, frameNumber uint64, indexInStream uint32 }
//   image-metadata { count uint32, []{ key uint32, value int64 } }
//   sample-data // Raw or compressed frame, or motion/timestamp record.
//
// Frames have all four chunks, motion and timestamp samples only have
// sample-info and sample-data. The offset in sample-info is the position
// of the sample-data chunk header.
//
// The last field of each native stream-info chunk is the frame count,
// the recorder rewrites it in place after every frame.
