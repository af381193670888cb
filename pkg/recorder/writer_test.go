// SPDX-License-Identifier: GPL-2.0-or-later

package recorder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"sensorrec/pkg/format"
	"sensorrec/pkg/format/writerseeker"
	"sensorrec/pkg/log"
	"sensorrec/pkg/metrics"
	"sensorrec/pkg/sample"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type testLogger struct {
	entries []log.Entry
	mu      sync.Mutex
}

func (l *testLogger) Log(e log.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

func (l *testLogger) count(level log.Level) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.Level == level {
			n++
		}
	}
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Path = "test.src"
	cfg.SessionID = "session"
	cfg.MemoryBudget = 1000
	cfg.Device = format.DeviceInfo{format.DeviceName: "camera"}
	cfg.Capabilities = []uint32{1, 2}
	cfg.Properties = map[string]float64{"gain": 16}
	cfg.Streams = []sample.StreamProfile{
		{
			StreamID:  1,
			Kind:      sample.StreamVideo,
			Width:     10,
			Height:    10,
			Format:    sample.FormatY8,
			Framerate: 30,
		},
		{
			StreamID:  2,
			Kind:      sample.StreamVideo,
			Width:     10,
			Height:    10,
			Format:    sample.FormatY8,
			Framerate: 60,
		},
		{StreamID: 3, Kind: sample.StreamMotion},
	}
	cfg.Compression.Disable = []uint32{2}
	return cfg
}

func newTestWriter(t *testing.T) (*Writer, *writerseeker.WriterSeeker, *testLogger) {
	t.Helper()
	ws := &writerseeker.WriterSeeker{}
	logger := &testLogger{}
	w := NewWriter(logger, nil)
	w.openFile = func(string) (writeFile, error) { return ws, nil }
	return w, ws, logger
}

func testFrame(stream uint32, n int, size int) *sample.Sample {
	payload := bytes.Repeat([]byte{byte(n)}, size)
	return sample.NewFrame(time.Duration(n)*time.Millisecond, sample.Frame{
		StreamID:    stream,
		Width:       10,
		Height:      10,
		Format:      sample.FormatY8,
		Stride:      10,
		Framerate:   30,
		Timestamp:   float64(n),
		FrameNumber: uint64(n),
		Metadata:    map[uint32]int64{1: int64(n)},
		Payload:     payload,
	})
}

// parsedFile the chunks of a recorded file.
type parsedFile struct {
	header  format.Header
	chunks  []format.ChunkHeader
	pos     []int64
	payload [][]byte
}

func parseFile(t *testing.T, raw []byte) parsedFile {
	t.Helper()
	var f parsedFile
	require.NoError(t, f.header.Unmarshal(bytes.NewReader(raw)))

	c, err := format.NewChunkReader(bytes.NewReader(raw), int64(len(raw)), format.HeaderSize)
	require.NoError(t, err)
	for {
		pos := c.Pos()
		h, err := c.Next()
		if errors.Is(err, io.EOF) {
			return f
		}
		require.NoError(t, err)
		payload, err := c.Payload(h)
		require.NoError(t, err)

		f.chunks = append(f.chunks, h)
		f.pos = append(f.pos, pos)
		f.payload = append(f.payload, payload)
	}
}

func (f parsedFile) ids() []format.ChunkID {
	ids := make([]format.ChunkID, len(f.chunks))
	for i, h := range f.chunks {
		ids[i] = h.ID
	}
	return ids
}

func (f parsedFile) streamProfiles(t *testing.T) []sample.StreamProfile {
	t.Helper()
	var profiles []sample.StreamProfile
	for i, h := range f.chunks {
		if h.ID != format.ChunkStreamInfo {
			continue
		}
		p, err := format.VersionNative.DecodeStreamInfo(f.payload[i])
		require.NoError(t, err)
		profiles = append(profiles, p)
	}
	return profiles
}

func TestConfigure(t *testing.T) {
	t.Run("metadata", func(t *testing.T) {
		w, ws, _ := newTestWriter(t)
		require.NoError(t, w.Configure(testConfig()))

		raw := ws.Bytes()
		f := parseFile(t, raw)

		require.Equal(t, format.VersionNative.Magic(), f.header.Magic)
		require.Equal(t, uint32(3), f.header.StreamCount)
		require.Equal(t, format.CoordinatesOptical, f.header.CoordinateSystem)
		require.Equal(t, uint32(len(raw)), f.header.FirstFrameOffset)

		want := []format.ChunkID{
			format.ChunkDeviceInfo,
			format.ChunkSoftwareVersion,
			format.ChunkCapabilities,
			format.ChunkMotionIntrinsics,
			format.ChunkStreamInfo,
			format.ChunkStreamInfo,
			format.ChunkStreamInfo,
			format.ChunkProperties,
		}
		require.Equal(t, want, f.ids())

		device, err := format.VersionNative.DecodeDeviceInfo(f.payload[0])
		require.NoError(t, err)
		require.Equal(t, format.DeviceInfo{
			format.DeviceName:      "camera",
			format.DeviceSessionID: "session",
		}, device)

		profiles := f.streamProfiles(t)
		require.Equal(t, sample.CodecLZ4, profiles[0].Codec)
		require.Equal(t, uint8(50), profiles[0].CodecLevel)
		require.Equal(t, sample.CodecNone, profiles[1].Codec)
		require.Equal(t, sample.CodecNone, profiles[2].Codec)
		for _, p := range profiles {
			require.Zero(t, p.FrameCount)
		}

		// Frame count offsets point into the stream-info chunks.
		for i, id := range []uint32{1, 2, 3} {
			chunk := 4 + i
			require.Equal(t,
				f.pos[chunk]+format.ChunkHeaderSize+format.StreamInfoFrameCountPos,
				w.streams[id].countOffset,
			)
		}
	})
	t.Run("twice", func(t *testing.T) {
		w, _, _ := newTestWriter(t)
		require.NoError(t, w.Configure(testConfig()))
		require.ErrorIs(t, w.Configure(testConfig()), ErrAlreadyConfigured)
	})
	t.Run("invalid", func(t *testing.T) {
		w := NewWriter(nil, nil)
		w.openFile = func(string) (writeFile, error) {
			t.Fatal("file opened")
			return nil, nil
		}
		cfg := testConfig()
		cfg.Streams = nil
		require.ErrorIs(t, w.Configure(cfg), ErrInvalidConfig)
		require.False(t, w.Start())
	})
	t.Run("tooLong", func(t *testing.T) {
		w := NewWriter(nil, nil)
		w.openFile = func(string) (writeFile, error) {
			t.Fatal("file opened")
			return nil, nil
		}
		cfg := testConfig()
		cfg.Device[format.DeviceName] = strings.Repeat("x", 1<<16)
		err := w.Configure(cfg)
		require.ErrorIs(t, err, ErrInvalidConfig)
		require.ErrorIs(t, err, format.ErrTooLong)
	})
	t.Run("openErr", func(t *testing.T) {
		w := NewWriter(nil, nil)
		errMock := errors.New("mock")
		w.openFile = func(string) (writeFile, error) { return nil, errMock }
		require.ErrorIs(t, w.Configure(testConfig()), errMock)

		// A failed configure can be retried.
		ws := &writerseeker.WriterSeeker{}
		w.openFile = func(string) (writeFile, error) { return ws, nil }
		require.NoError(t, w.Configure(testConfig()))
	})
	t.Run("writeErr", func(t *testing.T) {
		w := NewWriter(nil, nil)
		ws := &writerseeker.WriterSeeker{Limit: 10}
		w.openFile = func(string) (writeFile, error) { return ws, nil }
		require.ErrorIs(t, w.Configure(testConfig()), writerseeker.ErrNoSpace)
		require.True(t, ws.Closed())
	})
	t.Run("sessionID", func(t *testing.T) {
		w, ws, _ := newTestWriter(t)
		cfg := testConfig()
		cfg.SessionID = ""
		require.NoError(t, w.Configure(cfg))

		f := parseFile(t, ws.Bytes())
		device, err := format.VersionNative.DecodeDeviceInfo(f.payload[0])
		require.NoError(t, err)
		require.Len(t, device[format.DeviceSessionID], 36)
	})
}

func TestNotConfigured(t *testing.T) {
	w := NewWriter(nil, nil)
	require.ErrorIs(t, w.RecordSample(testFrame(1, 0, 1)), ErrNotConfigured)
	require.False(t, w.Start())
	require.ErrorIs(t, w.Stop(), ErrNotConfigured)
}

func TestRecordSampleInvalid(t *testing.T) {
	w, _, _ := newTestWriter(t)
	require.NoError(t, w.Configure(testConfig()))

	require.ErrorIs(t, w.RecordSample(nil), ErrInvalidSample)
	require.ErrorIs(t, w.RecordSample(&sample.Sample{
		Info: sample.Info{Kind: sample.KindMotion},
	}), ErrInvalidSample)
	require.ErrorIs(t, w.RecordSample(testFrame(9, 0, 1)), ErrInvalidSample)
}

func TestWriteSamples(t *testing.T) {
	w, ws, _ := newTestWriter(t)
	reg := prometheus.NewRegistry()
	w.metrics = metrics.NewWriter(reg)
	require.NoError(t, w.Configure(testConfig()))
	require.True(t, w.Start())
	require.False(t, w.Start())

	for i := 0; i < 3; i++ {
		require.NoError(t, w.RecordSample(testFrame(1, i, 100)))
	}
	require.NoError(t, w.RecordSample(sample.NewMotion(4*time.Millisecond, sample.Motion{
		MotionType: sample.MotionAccel,
		Axes:       [3]float32{1, 2, 3},
	})))
	require.NoError(t, w.RecordSample(testFrame(2, 5, 100)))
	require.NoError(t, w.RecordSample(sample.NewTimeStamp(6*time.Millisecond, sample.TimeStamp{
		SourceID: 1,
	})))
	require.NoError(t, w.Stop())
	require.True(t, ws.Closed())
	require.NoError(t, w.Stop())

	require.Equal(t, uint32(3), w.FrameCount(1))
	require.Equal(t, uint32(1), w.FrameCount(2))
	require.Equal(t, uint32(0), w.FrameCount(3))
	require.ErrorIs(t, w.RecordSample(testFrame(1, 0, 1)), ErrStopped)

	raw := ws.Bytes()
	f := parseFile(t, raw)

	profiles := f.streamProfiles(t)
	require.Equal(t, uint32(3), profiles[0].FrameCount)
	require.Equal(t, uint32(1), profiles[1].FrameCount)
	require.Equal(t, uint32(0), profiles[2].FrameCount)

	// Every sample-info offset points at the sample data chunk.
	var kinds []sample.Kind
	for i, h := range f.chunks {
		if h.ID != format.ChunkSampleInfo {
			continue
		}
		info, err := format.VersionNative.DecodeSampleInfo(f.payload[i])
		require.NoError(t, err)
		kinds = append(kinds, info.Kind)

		var data int
		for data = i + 1; f.chunks[data].ID != format.ChunkSampleData; data++ {
		}
		require.Equal(t, uint64(f.pos[data]), info.FileOffset)
		if info.Kind == sample.KindFrame {
			require.Equal(t, data, i+3)
		} else {
			require.Equal(t, data, i+1)
		}
	}
	require.Equal(t, []sample.Kind{
		sample.KindFrame,
		sample.KindFrame,
		sample.KindFrame,
		sample.KindMotion,
		sample.KindFrame,
		sample.KindTimeStamp,
	}, kinds)

	// Frame count is the last field of the stream-info payload.
	countPos := w.streams[1].countOffset
	require.Equal(t, uint32(3), binary.BigEndian.Uint32(raw[countPos:countPos+4]))

	expected := `
# HELP sensorrec_recorder_samples_written_total Total number of samples written by kind
# TYPE sensorrec_recorder_samples_written_total counter
sensorrec_recorder_samples_written_total{kind="frame"} 4
sensorrec_recorder_samples_written_total{kind="motion"} 1
sensorrec_recorder_samples_written_total{kind="timestamp"} 1
`
	err := testutil.GatherAndCompare(
		reg, strings.NewReader(expected), "sensorrec_recorder_samples_written_total")
	require.NoError(t, err)
}

func TestAdmission(t *testing.T) {
	t.Run("budget", func(t *testing.T) {
		w, _, logger := newTestWriter(t)
		require.NoError(t, w.Configure(testConfig()))

		// Budget 1000, 300 bytes per frame.
		for i := 0; i < 3; i++ {
			require.NoError(t, w.RecordSample(testFrame(1, i, 300)))
		}
		require.ErrorIs(t, w.RecordSample(testFrame(1, 3, 300)), ErrAdmissionRejected)
		require.Equal(t, uint64(1), w.Dropped())
		require.Equal(t, 1, logger.count(log.LevelWarning))

		// Motion samples are not admission controlled.
		for i := 0; i < 10; i++ {
			require.NoError(t, w.RecordSample(sample.NewMotion(0, sample.Motion{})))
		}

		w.mu.Lock()
		require.Equal(t, int64(900), w.streams[1].queuedBytes)
		w.mu.Unlock()

		require.True(t, w.Start())
		require.NoError(t, w.Stop())

		// Admitted frames are not lost.
		require.Equal(t, uint32(3), w.FrameCount(1))
		w.mu.Lock()
		require.Zero(t, w.streams[1].queuedBytes)
		w.mu.Unlock()
	})
	t.Run("relativeRate", func(t *testing.T) {
		w, _, _ := newTestWriter(t)
		require.NoError(t, w.Configure(testConfig()))

		// Stream 2 runs at twice the minimum framerate,
		// the ceiling is floor(1000 / (300*60/30)) = 1.
		require.NoError(t, w.RecordSample(testFrame(2, 0, 300)))
		require.ErrorIs(t, w.RecordSample(testFrame(2, 1, 300)), ErrAdmissionRejected)

		// Other streams have their own budget.
		require.NoError(t, w.RecordSample(testFrame(1, 0, 300)))
	})
	t.Run("scale", func(t *testing.T) {
		w, _, _ := newTestWriter(t)
		cfg := testConfig()
		cfg.AdmissionScale = 0.5
		require.NoError(t, w.Configure(cfg))

		// floor(1000*0.5 / 300) = 1.
		require.NoError(t, w.RecordSample(testFrame(1, 0, 300)))
		require.ErrorIs(t, w.RecordSample(testFrame(1, 1, 300)), ErrAdmissionRejected)
	})
	t.Run("tooLarge", func(t *testing.T) {
		w, _, _ := newTestWriter(t)
		require.NoError(t, w.Configure(testConfig()))
		require.ErrorIs(t, w.RecordSample(testFrame(1, 0, 1001)), ErrAdmissionRejected)
	})
}

// blockingLogger blocks warnings until released.
type blockingLogger struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (l *blockingLogger) Log(e log.Entry) {
	if e.Level != log.LevelWarning {
		return
	}
	l.once.Do(func() { close(l.entered) })
	<-l.release
}

func TestSlowLogger(t *testing.T) {
	logger := &blockingLogger{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	w := NewWriter(logger, nil)
	ws := &writerseeker.WriterSeeker{}
	w.openFile = func(string) (writeFile, error) { return ws, nil }
	require.NoError(t, w.Configure(testConfig()))
	require.True(t, w.Start())

	rejected := make(chan error)
	go func() {
		rejected <- w.RecordSample(testFrame(1, 0, 1001))
	}()
	<-logger.entered

	// The writer stays usable while the rejection is being logged.
	var recordErr error
	var dropped uint64
	done := make(chan struct{})
	go func() {
		defer close(done)
		recordErr = w.RecordSample(testFrame(1, 1, 10))
		dropped = w.Dropped()
		w.SetPause(true)
		w.SetPause(false)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer blocked by logger")
	}
	require.NoError(t, recordErr)
	require.Equal(t, uint64(1), dropped)

	close(logger.release)
	require.ErrorIs(t, <-rejected, ErrAdmissionRejected)
	require.NoError(t, w.Stop())
	require.Equal(t, uint32(1), w.FrameCount(1))
}

func TestPause(t *testing.T) {
	w, _, _ := newTestWriter(t)
	require.NoError(t, w.Configure(testConfig()))
	require.True(t, w.Start())

	require.NoError(t, w.RecordSample(testFrame(1, 0, 10)))
	w.SetPause(true)
	require.NoError(t, w.RecordSample(testFrame(1, 1, 10)))
	require.NoError(t, w.RecordSample(testFrame(1, 2, 10)))
	w.SetPause(false)
	require.NoError(t, w.RecordSample(testFrame(1, 3, 10)))
	require.NoError(t, w.Stop())

	require.Equal(t, uint32(2), w.FrameCount(1))
	require.Zero(t, w.Dropped())
}

func TestStopWithoutStart(t *testing.T) {
	w, ws, _ := newTestWriter(t)
	require.NoError(t, w.Configure(testConfig()))
	require.NoError(t, w.RecordSample(testFrame(1, 0, 10)))
	require.NoError(t, w.Stop())

	require.Equal(t, uint32(1), w.FrameCount(1))
	require.True(t, ws.Closed())
	require.False(t, w.Start())
}

func TestDiskFailure(t *testing.T) {
	w, ws, logger := newTestWriter(t)
	require.NoError(t, w.Configure(testConfig()))
	ws.Limit = len(ws.Bytes()) + 10

	require.True(t, w.Start())
	require.NoError(t, w.RecordSample(testFrame(1, 0, 100)))

	err := w.Stop()
	require.ErrorIs(t, err, writerseeker.ErrNoSpace)
	require.ErrorIs(t, w.Err(), writerseeker.ErrNoSpace)
	require.ErrorIs(t, w.RecordSample(testFrame(1, 1, 1)), writerseeker.ErrNoSpace)
	require.True(t, ws.Closed())
	require.Equal(t, 1, logger.count(log.LevelError))
	require.Zero(t, w.FrameCount(1))
}

func TestDiskFailureWhileRunning(t *testing.T) {
	w, ws, _ := newTestWriter(t)
	require.NoError(t, w.Configure(testConfig()))
	ws.Limit = len(ws.Bytes()) + 10

	require.True(t, w.Start())
	require.NoError(t, w.RecordSample(testFrame(1, 0, 100)))

	require.Eventually(t, func() bool {
		return w.Err() != nil
	}, time.Second, 10*time.Millisecond)
	require.ErrorIs(t, w.RecordSample(testFrame(1, 1, 1)), writerseeker.ErrNoSpace)
	require.ErrorIs(t, w.Stop(), writerseeker.ErrNoSpace)
}
