// SPDX-License-Identifier: GPL-2.0-or-later

package playback

import (
	"time"

	"sensorrec/pkg/log"
	"sensorrec/pkg/metrics"
	"sensorrec/pkg/sample"
)

// SetRealtime switches between realtime pacing and delivering as fast as possible.
func (r *Reader) SetRealtime(realtime bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.realtime == realtime {
		return
	}
	r.realtime = realtime
	r.resetTimeBase()
	r.notify()
}

// SetActiveStreams limits playback and seeking to the given
// frame streams, an empty list enables every stream.
func (r *Reader) SetActiveStreams(streams []uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(streams) == 0 {
		r.active = nil
		return
	}
	r.active = make(map[uint32]struct{}, len(streams))
	for _, id := range streams {
		r.active[id] = struct{}{}
	}
}

// Start the playback goroutine.
func (r *Reader) Start() error {
	r.mu.Lock()
	switch {
	case r.state == StateCreated:
		r.mu.Unlock()
		return ErrNotInitialized
	case r.closed:
		r.mu.Unlock()
		return ErrClosed
	case r.running:
		r.mu.Unlock()
		return ErrAlreadyStarted
	}

	if _, err := r.indexNext(1); err != nil {
		r.mu.Unlock()
		return err
	}
	r.running = true
	r.resetTimeBase()
	r.setState()
	paused := r.paused
	callback := r.statusCallback
	go r.run()
	r.mu.Unlock()

	if callback != nil {
		callback(paused)
	}
	return nil
}

// SetPause pauses or resumes playback.
func (r *Reader) SetPause(pause bool) {
	r.mu.Lock()
	if r.paused == pause {
		r.mu.Unlock()
		return
	}
	r.setPause(pause)
	callback := r.statusCallback
	r.mu.Unlock()

	if callback != nil {
		callback(pause)
	}
}

// Resume playback.
func (r *Reader) Resume() {
	r.SetPause(false)
}

// setPause must be called with the lock held.
func (r *Reader) setPause(pause bool) {
	r.paused = pause
	if !pause {
		r.resetTimeBase()
	}
	r.setState()
	r.notify()
}

// setState derives the state from the playback flags.
func (r *Reader) setState() {
	if !r.running || r.state == StateDone {
		return
	}
	if r.paused {
		r.state = StatePaused
	} else {
		r.state = StatePlaying
	}
}

// Stop playback and close the file.
func (r *Reader) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.stopping = true
	// The playback goroutine exits as soon as the callback returns.
	wait := r.running && !r.inCallback
	r.notify()
	r.mu.Unlock()

	if wait {
		<-r.exited
	}

	// Wait for a seek in progress.
	r.seekMu.Lock()
	defer r.seekMu.Unlock()

	r.mu.Lock()
	r.closeFiles()
	r.finish()
	callback := r.statusCallback
	r.mu.Unlock()

	if callback != nil {
		callback(true)
	}
}

// Done returns a channel that's closed when playback reaches the end
// of the file or is stopped. A seek after the end returns a new channel.
func (r *Reader) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// finish transitions to StateDone, must be called with the lock held.
func (r *Reader) finish() {
	if r.state == StateDone {
		return
	}
	r.state = StateDone
	close(r.done)
}

// notify wakes the playback goroutine, must be called with the lock held.
func (r *Reader) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
	r.cond.Broadcast()
}

// resetTimeBase anchors the capture time of the next sample to now.
func (r *Reader) resetTimeBase() {
	r.baseWall = time.Now()
	r.baseSample = r.nextCaptureTime()
}

func (r *Reader) nextCaptureTime() time.Duration {
	if len(r.queue) != 0 {
		return r.queue[0].Info.CaptureTime
	}
	if r.cursor < len(r.descriptors) {
		return r.descriptors[r.cursor].Info.CaptureTime
	}
	return r.baseSample
}

// isActive reports whether the sample should be played.
func (r *Reader) isActive(s *sample.Sample) bool {
	if !s.IsFrame() || r.active == nil {
		return true
	}
	_, ok := r.active[s.Frame.StreamID]
	return ok
}

// activeStreams returns the active video streams.
func (r *Reader) activeStreams() []uint32 {
	var ids []uint32
	for _, p := range r.meta.Streams {
		if p.Kind != sample.StreamVideo {
			continue
		}
		if _, ok := r.active[p.StreamID]; r.active != nil && !ok {
			continue
		}
		if len(r.streamIndex[p.StreamID]) == 0 && r.indexDone {
			continue
		}
		ids = append(ids, p.StreamID)
	}
	return ids
}

// prefetched reports whether every active stream has a frame
// buffered, or nothing more can be buffered.
func (r *Reader) prefetched() bool {
	if len(r.queue) >= prefetchLimit {
		return true
	}
	if r.indexDone && r.cursor >= len(r.descriptors) {
		return true
	}
	buffered := make(map[uint32]bool)
	for _, s := range r.queue {
		if s.IsFrame() {
			buffered[s.Frame.StreamID] = true
		}
	}
	for _, id := range r.activeStreams() {
		if !buffered[id] {
			return false
		}
	}
	return true
}

func (r *Reader) run() {
	defer close(r.exited)

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		for !r.stopping && (r.paused || r.state == StateDone) {
			r.cond.Wait()
		}
		if r.stopping {
			return
		}

		if r.cursor >= len(r.descriptors) && !r.indexDone {
			if _, err := r.indexNext(indexBatch); err != nil {
				log.Error(r.logger).Src("playback").Msgf("index: %v", err)
				r.indexDone = true
			}
			continue
		}

		if len(r.queue) == 0 && r.cursor >= len(r.descriptors) {
			r.finish()
			callback := r.statusCallback
			r.inCallback = true
			r.mu.Unlock()
			log.Info(r.logger).Src("playback").Msg("end of file")
			if callback != nil {
				callback(true)
			}
			r.mu.Lock()
			r.inCallback = false
			continue
		}

		if len(r.queue) == 0 {
			r.prefetch()
			continue
		}

		if r.realtime {
			wait := (r.queue[0].Info.CaptureTime - r.baseSample) - time.Since(r.baseWall)
			if wait > 0 {
				if !r.prefetched() {
					r.prefetch()
					continue
				}
				r.sleep(wait)
				continue
			}
		}
		r.deliver()
	}
}

// prefetch loads the sample at the cursor into the queue.
// The lock is released while reading the file.
func (r *Reader) prefetch() {
	if r.cursor >= len(r.descriptors) {
		return
	}
	d := r.descriptors[r.cursor]
	r.cursor++
	if !r.isActive(d) {
		return
	}

	r.busy = true
	r.mu.Unlock()
	s, err := r.load(d, r.data)
	r.mu.Lock()
	r.busy = false
	r.cond.Broadcast()

	if err != nil {
		r.metrics.Dropped(metrics.ReasonDecode)
		log.Warn(r.logger).Src("playback").
			Msgf("sample at %d dropped: %v", d.Info.FileOffset, err)
		return
	}
	r.queue = append(r.queue, s)
	r.metrics.Prefetched(len(r.queue))
}

// sleep waits until the timeout or a wake up. The lock is released while sleeping.
func (r *Reader) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	r.mu.Unlock()
	select {
	case <-timer.C:
	case <-r.wake:
		timer.Stop()
	}
	r.mu.Lock()
}

// deliver passes the head of the queue to the sample callback.
func (r *Reader) deliver() {
	s := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	r.metrics.Prefetched(len(r.queue))

	if s.IsFrame() {
		r.current[s.Frame.StreamID] = s
	}
	r.history.Push(s.Info)
	r.metrics.Delivered(s.Info.Kind.String())

	callback := r.sampleCallback
	if callback == nil {
		return
	}
	r.inCallback = true
	r.mu.Unlock()
	callback(s)
	r.mu.Lock()
	r.inCallback = false
}
