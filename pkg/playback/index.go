// SPDX-License-Identifier: GPL-2.0-or-later

package playback

import (
	"errors"
	"fmt"
	"io"

	"sensorrec/pkg/format"
	"sensorrec/pkg/log"
	"sensorrec/pkg/sample"
)

// IndexNext indexes up to n more samples and returns the number added.
// Once the end of the file or a malformed sample is reached
// indexing is complete and further calls return zero.
func (r *Reader) IndexNext(n int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateCreated {
		return 0, ErrNotInitialized
	}
	if r.closed {
		return 0, ErrClosed
	}
	return r.indexNext(n)
}

// IndexComplete reports whether the whole file is indexed.
func (r *Reader) IndexComplete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexDone
}

// Descriptors returns the indexed samples without payload.
func (r *Reader) Descriptors() []*sample.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*sample.Sample, len(r.descriptors))
	for i, d := range r.descriptors {
		out[i] = d.Descriptor()
	}
	return out
}

// StreamFrameCount returns the number of indexed frames of a stream.
func (r *Reader) StreamFrameCount(stream uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streamIndex[stream])
}

// indexNext must be called with the lock held.
func (r *Reader) indexNext(n int) (int, error) {
	added := 0
	for added < n && !r.indexDone {
		d, next, err := r.readDescriptor(r.indexPos)
		switch {
		case errors.Is(err, io.EOF):
			r.indexDone = true
		case errors.Is(err, format.ErrCorruptChunk), errors.Is(err, io.ErrUnexpectedEOF):
			r.indexDone = true
			r.corrupt(fmt.Errorf("indexing stopped at %d: %w", r.indexPos, err))
		case err != nil:
			return added, err
		default:
			r.addDescriptor(d)
			r.indexPos = next
			added++
		}
		if r.indexDone {
			r.checkFrameCounts()
		}
	}
	r.metrics.Indexed(len(r.descriptors))
	return added, nil
}

// checkFrameCounts warns about streams whose recorded frame count
// differs from the indexed frames, a sign of an interrupted recording.
func (r *Reader) checkFrameCounts() {
	if !r.version.FrameCountPatchable() {
		return
	}
	for _, p := range r.meta.Streams {
		if p.Kind != sample.StreamVideo {
			continue
		}
		if n := len(r.streamIndex[p.StreamID]); int(p.FrameCount) != n {
			log.Warn(r.logger).Src("playback").Stream(p.StreamID).
				Msgf("%d frames recorded, %d indexed", p.FrameCount, n)
		}
	}
}

func (r *Reader) addDescriptor(d *sample.Sample) {
	i := len(r.descriptors)
	if d.IsFrame() {
		id := d.Frame.StreamID
		d.Frame.IndexInStream = uint32(len(r.streamIndex[id]))
		r.streamIndex[id] = append(r.streamIndex[id], i)
	}
	r.descriptors = append(r.descriptors, d)
}

// readDescriptor parses the sample starting at pos and returns
// the position after it. Returns io.EOF at the end of the file.
func (r *Reader) readDescriptor(pos int64) (*sample.Sample, int64, error) {
	c := r.index
	if err := c.SeekTo(pos); err != nil {
		return nil, 0, err
	}

	// Skip to the next sample.
	var h format.ChunkHeader
	for {
		var err error
		h, err = c.Next()
		if err != nil {
			return nil, 0, err
		}
		if h.ID == format.ChunkSampleInfo {
			break
		}
		if err := c.Skip(h); err != nil {
			return nil, 0, err
		}
	}

	payload, err := c.Payload(h)
	if err != nil {
		return nil, 0, err
	}
	info, err := r.version.DecodeSampleInfo(payload)
	if err != nil {
		return nil, 0, err
	}
	d := &sample.Sample{Info: info}

	var frame *sample.Frame
	var metadata map[uint32]int64
	for {
		chunkPos := c.Pos()
		h, err := c.Next()
		if errors.Is(err, io.EOF) {
			return nil, 0, fmt.Errorf("%w: %v without data", format.ErrCorruptChunk, info.Kind)
		}
		if err != nil {
			return nil, 0, err
		}

		switch h.ID {
		case format.ChunkFrameInfo:
			payload, err := c.Payload(h)
			if err != nil {
				return nil, 0, err
			}
			f, err := format.DecodeFrameInfo(payload)
			if err != nil {
				return nil, 0, err
			}
			frame = &f

		case format.ChunkImageMetadata:
			payload, err := c.Payload(h)
			if err != nil {
				return nil, 0, err
			}
			if metadata, err = format.DecodeImageMetadata(payload); err != nil {
				return nil, 0, err
			}

		case format.ChunkSampleData:
			if info.Kind == sample.KindFrame {
				if frame == nil {
					return nil, 0, fmt.Errorf("%w: frame without frame info", format.ErrCorruptChunk)
				}
				frame.Metadata = metadata
				d.Frame = frame
				// Payloads are loaded on delivery.
				if err := c.Skip(h); err != nil {
					return nil, 0, err
				}
			} else if err := r.decodeData(d, c, h); err != nil {
				return nil, 0, err
			}
			d.Info.FileOffset = uint64(chunkPos)
			return d, c.Pos(), nil

		case format.ChunkSampleInfo:
			return nil, 0, fmt.Errorf("%w: %v without data", format.ErrCorruptChunk, info.Kind)

		default:
			if err := c.Skip(h); err != nil {
				return nil, 0, err
			}
		}
	}
}

// decodeData reads motion and timestamp data into the descriptor.
func (r *Reader) decodeData(d *sample.Sample, c *format.ChunkReader, h format.ChunkHeader) error {
	payload, err := c.Payload(h)
	if err != nil {
		return err
	}
	if d.Info.Kind == sample.KindMotion {
		m, err := format.DecodeMotion(payload)
		if err != nil {
			return err
		}
		d.Motion = &m
		return nil
	}
	ts, err := format.DecodeTimeStamp(payload)
	if err != nil {
		return err
	}
	d.TimeStamp = &ts
	return nil
}
