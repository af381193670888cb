// SPDX-License-Identifier: GPL-2.0-or-later

package playback

import (
	"fmt"
	"math"

	"sensorrec/pkg/log"
	"sensorrec/pkg/sample"
)

// SetFrameByIndex seeks to the frame of stream with the given index
// in stream. The nearest frame of every other active stream is
// published as the current frames. Returns false if the frame does not exist.
func (r *Reader) SetFrameByIndex(index uint32, stream uint32) (bool, error) {
	return r.seekTo(func() (int, error) {
		for len(r.streamIndex[stream]) <= int(index) && !r.indexDone {
			if _, err := r.indexNext(indexBatch); err != nil {
				return -1, err
			}
		}
		frames := r.streamIndex[stream]
		if len(frames) <= int(index) {
			return -1, nil
		}
		return frames[index], nil
	})
}

// SetFrameByTimestamp seeks to the first frame of an active stream with
// a timestamp greater than or equal to ts. The nearest frame of every
// other active stream is published as the current frames.
// Returns false if no such frame exists.
func (r *Reader) SetFrameByTimestamp(ts float64) (bool, error) {
	return r.seekTo(func() (int, error) {
		for i := 0; ; i++ {
			for i >= len(r.descriptors) {
				if r.indexDone {
					return -1, nil
				}
				if _, err := r.indexNext(indexBatch); err != nil {
					return -1, err
				}
			}
			d := r.descriptors[i]
			if d.IsFrame() && r.isActive(d) && d.Frame.Timestamp >= ts {
				return i, nil
			}
		}
	})
}

// seekTo pauses playback, finds the anchor and reconciles the other
// streams to it. The previous pause state is restored afterwards.
func (r *Reader) seekTo(findAnchor func() (int, error)) (bool, error) {
	r.seekMu.Lock()
	defer r.seekMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateCreated {
		return false, ErrNotInitialized
	}
	if r.closed {
		return false, ErrClosed
	}

	wasPaused := r.paused
	r.paused = true
	r.notify()
	for r.busy {
		r.cond.Wait()
	}
	defer func() {
		r.paused = wasPaused
		if !wasPaused {
			r.resetTimeBase()
		}
		r.setState()
		r.notify()
	}()

	anchor, err := findAnchor()
	if err != nil {
		r.metrics.Seek("error")
		return false, err
	}
	if anchor == -1 {
		r.metrics.Seek("not_found")
		return false, nil
	}

	if err := r.reconcile(anchor); err != nil {
		r.metrics.Seek("error")
		return false, err
	}
	r.metrics.Seek("found")
	return true, nil
}

// reconcile loads the anchor frame and the timestamp nearest frame of every
// other active stream, publishes them and moves the cursor to the anchor.
func (r *Reader) reconcile(anchor int) error {
	a := r.descriptors[anchor]
	picks := map[uint32]int{a.Frame.StreamID: anchor}
	for _, id := range r.activeStreams() {
		if id == a.Frame.StreamID {
			continue
		}
		i, err := r.nearestFrame(id, anchor, a.Frame.Timestamp)
		if err != nil {
			return err
		}
		if i != -1 {
			picks[id] = i
		}
	}

	current := make(map[uint32]*sample.Sample, len(picks))
	for id, i := range picks {
		s, err := r.load(r.descriptors[i], r.seek)
		if err != nil {
			if i == anchor {
				return fmt.Errorf("load anchor: %w", err)
			}
			log.Warn(r.logger).Src("playback").Stream(id).Msgf("seek: %v", err)
			continue
		}
		current[id] = s
	}

	r.current = current
	r.queue = nil
	r.metrics.Prefetched(0)
	r.cursor = anchor
	r.baseSample = a.Info.CaptureTime

	if r.state == StateDone {
		r.done = make(chan struct{})
		r.state = StateInitialized
		if r.running && !r.stopping {
			r.state = StatePaused
		}
	}
	return nil
}

// nearestFrame returns the descriptor position of the frame of stream with
// the timestamp closest to ts, searching outwards from the anchor position.
// Ties are broken toward the earlier frame. Returns -1 if the stream has no frames.
func (r *Reader) nearestFrame(stream uint32, anchor int, ts float64) (int, error) {
	// Make sure the first frame after the anchor is indexed.
	for !r.indexDone {
		frames := r.streamIndex[stream]
		if len(frames) != 0 && frames[len(frames)-1] > anchor {
			break
		}
		if _, err := r.indexNext(indexBatch); err != nil {
			return -1, err
		}
	}

	frames := r.streamIndex[stream]
	// First frame after the anchor.
	next := len(frames)
	for i, pos := range frames {
		if pos > anchor {
			next = i
			break
		}
	}

	diff := func(i int) float64 {
		return math.Abs(r.descriptors[frames[i]].Frame.Timestamp - ts)
	}

	// Walk each direction while the frames get closer.
	back, backDiff := -1, math.Inf(1)
	for i := next - 1; i >= 0 && diff(i) < backDiff; i-- {
		back, backDiff = i, diff(i)
	}
	forward, forwardDiff := -1, math.Inf(1)
	for i := next; i < len(frames) && diff(i) < forwardDiff; i++ {
		forward, forwardDiff = i, diff(i)
	}

	best := back
	if forward != -1 && forwardDiff < backDiff {
		best = forward
	}
	if best == -1 {
		return -1, nil
	}
	return frames[best], nil
}
