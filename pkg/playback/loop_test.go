// SPDX-License-Identifier: GPL-2.0-or-later

package playback

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sensorrec/pkg/codec"
	"sensorrec/pkg/sample"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type collector struct {
	samples []*sample.Sample
	times   []time.Time
	mu      sync.Mutex
}

func (c *collector) add(s *sample.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, s)
	c.times = append(c.times, time.Now())
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

func (c *collector) get() ([]*sample.Sample, []time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*sample.Sample(nil), c.samples...), append([]time.Time(nil), c.times...)
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout")
	}
}

// playAll plays the file as fast as possible and returns the delivered samples.
func playAll(t *testing.T, r *Reader) []*sample.Sample {
	t.Helper()
	c := &collector{}
	r.SetRealtime(false)
	r.SetSampleCallback(c.add)
	require.NoError(t, r.Start())
	waitDone(t, r.Done())
	samples, _ := c.get()
	return samples
}

type played struct {
	Kind        sample.Kind
	CaptureTime time.Duration
	Stream      uint32
	Index       uint32
	Timestamp   float64
	FrameNumber uint64
	Metadata    map[uint32]int64
	Payload     []byte
	Motion      *sample.Motion
}

func project(s *sample.Sample, index uint32) played {
	p := played{
		Kind:        s.Info.Kind,
		CaptureTime: s.Info.CaptureTime,
		Motion:      s.Motion,
	}
	if s.Frame != nil {
		p.Stream = s.Frame.StreamID
		p.Index = index
		p.Timestamp = s.Frame.Timestamp
		p.FrameNumber = s.Frame.FrameNumber
		p.Metadata = s.Frame.Metadata
		p.Payload = s.Frame.Payload
	}
	return p
}

func TestRoundTrip(t *testing.T) {
	policies := map[string]codec.Policy{
		"none":  {Enabled: false},
		"lz4_0": {Enabled: true, Level: 0},
		"lz4_5": {Enabled: true, Level: 50},
		"lz4_9": {Enabled: true, Level: 100},
	}
	for name, policy := range policies {
		for _, n := range []int{0, 1, 1000} {
			for _, streamCount := range []int{1, 3, 5} {
				t.Run(fmt.Sprintf("%s_%d_%d", name, n, streamCount), func(t *testing.T) {
					testRoundTrip(t, policy, n, streamCount)
				})
			}
		}
	}
}

func testRoundTrip(t *testing.T, policy codec.Policy, n int, streamCount int) {
	var streams []sample.StreamProfile
	for i := 1; i <= streamCount; i++ {
		streams = append(streams, videoStream(uint32(i), 30))
	}

	var samples []*sample.Sample
	var want []played
	counts := make(map[uint32]uint32)
	for i := 0; i < n; i++ {
		stream := uint32(i%streamCount) + 1
		s := newFrame(stream, i, float64(i))
		samples = append(samples, s)
		want = append(want, project(s, counts[stream]))
		counts[stream]++

		if i%100 == 50 {
			m := sample.NewMotion(time.Duration(i)*time.Millisecond, sample.Motion{
				MotionType:  sample.MotionGyro,
				Axes:        [3]float32{1, float32(i), 3},
				Timestamp:   float64(i),
				FrameNumber: uint64(i),
			})
			samples = append(samples, m)
			want = append(want, project(m, 0))
		}
	}

	r, _ := newTestReader(t, record(t, streams, policy, samples))

	meta, err := r.Metadata()
	require.NoError(t, err)
	for _, p := range meta.Streams {
		require.Equal(t, counts[p.StreamID], p.FrameCount)
		if policy.Enabled {
			require.Equal(t, sample.CodecLZ4, p.Codec)
			require.Equal(t, uint8(policy.Level), p.CodecLevel)
		} else {
			require.Equal(t, sample.CodecNone, p.Codec)
		}
	}

	var got []played
	for _, s := range playAll(t, r) {
		var index uint32
		if s.Frame != nil {
			index = s.Frame.IndexInStream
		}
		got = append(got, project(s, index))
	}
	require.Empty(t, cmp.Diff(want, got))
	require.Equal(t, StateDone, r.State())

	for id, count := range counts {
		require.Equal(t, int(count), r.StreamFrameCount(id))
	}
}

func TestRealtime(t *testing.T) {
	var samples []*sample.Sample
	for i := 0; i < 5; i++ {
		samples = append(samples, newFrame(1, i, float64(i*100)))
	}
	r, _ := newTestReader(t, record(t, []sample.StreamProfile{videoStream(1, 10)},
		codec.DefaultPolicy(), samples))

	c := &collector{}
	r.SetSampleCallback(c.add)
	require.NoError(t, r.Start())
	waitDone(t, r.Done())

	_, times := c.get()
	require.Len(t, times, 5)
	for i, ts := range times {
		want := time.Duration(i) * 100 * time.Millisecond
		require.InDelta(t, want, ts.Sub(times[0]), float64(20*time.Millisecond))
	}
}

func TestFastMode(t *testing.T) {
	var samples []*sample.Sample
	for i := 0; i < 10; i++ {
		samples = append(samples, newFrame(1, i, float64(i*1000)))
	}
	r, _ := newTestReader(t, record(t, []sample.StreamProfile{videoStream(1, 1)},
		codec.DefaultPolicy(), samples))

	start := time.Now()
	require.Len(t, playAll(t, r), 10)
	require.Less(t, time.Since(start), time.Second)
}

func TestStopWhileSleeping(t *testing.T) {
	var samples []*sample.Sample
	for i := 0; i < 5; i++ {
		samples = append(samples, newFrame(1, i, float64(i*1000)))
	}
	r, _ := newTestReader(t, record(t, []sample.StreamProfile{videoStream(1, 1)},
		codec.DefaultPolicy(), samples))

	c := &collector{}
	r.SetSampleCallback(c.add)
	require.NoError(t, r.Start())
	require.ErrorIs(t, r.Start(), ErrAlreadyStarted)
	require.Eventually(t, func() bool {
		return c.len() == 1
	}, time.Second, 5*time.Millisecond)

	start := time.Now()
	r.Stop()
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, 1, c.len())
	require.Equal(t, StateDone, r.State())
	waitDone(t, r.Done())

	r.Stop()
	require.ErrorIs(t, r.Start(), ErrClosed)
	_, err := r.SetFrameByIndex(0, 1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestStopFromCallback(t *testing.T) {
	newReader := func(t *testing.T) *Reader {
		var samples []*sample.Sample
		for i := 0; i < 5; i++ {
			samples = append(samples, newFrame(1, i, float64(i)))
		}
		r, _ := newTestReader(t, record(t, []sample.StreamProfile{videoStream(1, 30)},
			codec.DefaultPolicy(), samples))
		r.SetRealtime(false)
		return r
	}
	stopped := func(t *testing.T, done <-chan struct{}) {
		t.Helper()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("stop did not return")
		}
	}

	t.Run("status", func(t *testing.T) {
		r := newReader(t)
		var stopping atomic.Bool
		done := make(chan struct{})
		r.SetStatusCallback(func(paused bool) {
			// Stop reports the final status again.
			if !paused || !stopping.CompareAndSwap(false, true) {
				return
			}
			r.Stop()
			close(done)
		})
		require.NoError(t, r.Start())
		stopped(t, done)
		require.Equal(t, StateDone, r.State())
		require.ErrorIs(t, r.Start(), ErrClosed)
	})
	t.Run("sample", func(t *testing.T) {
		r := newReader(t)
		c := &collector{}
		done := make(chan struct{})
		r.SetSampleCallback(func(s *sample.Sample) {
			c.add(s)
			if c.len() == 1 {
				r.Stop()
				close(done)
			}
		})
		require.NoError(t, r.Start())
		stopped(t, done)
		waitDone(t, r.Done())
		time.Sleep(20 * time.Millisecond)
		require.Equal(t, 1, c.len())
		require.Equal(t, StateDone, r.State())
	})
}

type statusRecorder struct {
	statuses []bool
	mu       sync.Mutex
}

func (s *statusRecorder) add(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, paused)
}

func (s *statusRecorder) get() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.statuses...)
}

func TestPause(t *testing.T) {
	var samples []*sample.Sample
	for i := 0; i < 5; i++ {
		samples = append(samples, newFrame(1, i, float64(i)))
	}
	r, _ := newTestReader(t, record(t, []sample.StreamProfile{videoStream(1, 30)},
		codec.DefaultPolicy(), samples))

	c := &collector{}
	r.SetRealtime(false)
	r.SetSampleCallback(c.add)
	r.SetPause(true)

	status := &statusRecorder{}
	r.SetStatusCallback(status.add)

	require.NoError(t, r.Start())
	require.Equal(t, StatePaused, r.State())
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, c.len())

	r.Resume()
	waitDone(t, r.Done())
	require.Equal(t, 5, c.len())
	require.Eventually(t, func() bool {
		return len(status.get()) == 3
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []bool{true, false, true}, status.get())
}

func TestDone(t *testing.T) {
	var samples []*sample.Sample
	for i := 0; i < 4; i++ {
		samples = append(samples, newFrame(1, i, float64(i)))
	}
	r, _ := newTestReader(t, record(t, []sample.StreamProfile{videoStream(1, 30)},
		codec.DefaultPolicy(), samples))

	c := &collector{}
	r.SetRealtime(false)
	r.SetSampleCallback(c.add)
	require.NoError(t, r.Start())
	first := r.Done()
	waitDone(t, first)
	require.Equal(t, 4, c.len())
	require.Equal(t, StateDone, r.State())

	// Seeking after the end resumes playback from the seeked frame.
	ok, err := r.SetFrameByIndex(2, 1)
	require.NoError(t, err)
	require.True(t, ok)
	second := r.Done()
	require.NotEqual(t, first, second)

	waitDone(t, second)
	require.Equal(t, 6, c.len())
	samples, _ = c.get()
	require.Equal(t, uint32(2), samples[4].Frame.IndexInStream)
	require.Equal(t, uint32(3), samples[5].Frame.IndexInStream)
}

func TestEmptyFile(t *testing.T) {
	r, _ := newTestReader(t, record(t, []sample.StreamProfile{videoStream(1, 30)},
		codec.DefaultPolicy(), nil))
	require.Empty(t, playAll(t, r))
	require.Empty(t, r.CurrentFrames())
	require.Empty(t, r.History())
}

func TestHistory(t *testing.T) {
	var samples []*sample.Sample
	for i := 0; i < 300; i++ {
		samples = append(samples, newFrame(1, i, float64(i)))
	}
	r, _ := newTestReader(t, record(t, []sample.StreamProfile{videoStream(1, 30)},
		codec.DefaultPolicy(), samples))
	require.Len(t, playAll(t, r), 300)

	history := r.History()
	require.Len(t, history, historySize)
	require.Equal(t, 44*time.Millisecond, history[0].CaptureTime)
	require.Equal(t, 299*time.Millisecond, history[len(history)-1].CaptureTime)

	current := r.CurrentFrames()
	require.Len(t, current, 1)
	require.Equal(t, uint64(299), current[1].Frame.FrameNumber)
}

func TestActiveStreams(t *testing.T) {
	var samples []*sample.Sample
	for i := 0; i < 9; i++ {
		samples = append(samples, newFrame(uint32(i%3)+1, i, float64(i)))
	}
	samples = append(samples, sample.NewMotion(9*time.Millisecond, sample.Motion{
		MotionType: sample.MotionAccel,
	}))
	streams := []sample.StreamProfile{videoStream(1, 30), videoStream(2, 30), videoStream(3, 30)}
	r, _ := newTestReader(t, record(t, streams, codec.DefaultPolicy(), samples))

	r.SetActiveStreams([]uint32{2})
	got := playAll(t, r)
	require.Len(t, got, 4)
	for _, s := range got[:3] {
		require.Equal(t, uint32(2), s.Frame.StreamID)
	}
	require.Equal(t, sample.KindMotion, got[3].Info.Kind)
}
