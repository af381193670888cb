// SPDX-License-Identifier: GPL-2.0-or-later

// Package recorder writes capture sessions to disk.
package recorder

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"sensorrec/pkg/codec"
	"sensorrec/pkg/format"
	"sensorrec/pkg/log"
	"sensorrec/pkg/metrics"
	"sensorrec/pkg/sample"

	"github.com/shirou/gopsutil/v3/mem"
)

// Errors.
var (
	ErrAlreadyConfigured = errors.New("already configured")
	ErrNotConfigured     = errors.New("not configured")
	ErrAdmissionRejected = errors.New("admission rejected")
	ErrInvalidSample     = errors.New("invalid sample")
	ErrStopped           = errors.New("stopped")
)

type writeFile interface {
	io.WriteSeeker
	io.Closer
}

type openFileFunc func(path string) (writeFile, error)

func openFile(path string) (writeFile, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

type streamState struct {
	profile sample.StreamProfile

	// Absolute file position of the frame count.
	countOffset int64
	frameCount  uint32

	// Frames in the queue and their payload size.
	queued      int
	queuedBytes int64
}

// Writer records samples to a file from a background goroutine.
type Writer struct {
	logger   log.ILogger
	metrics  *metrics.Writer
	openFile openFileFunc
	ram      ramFunc

	// Set once by Configure.
	file         writeFile
	registry     *codec.Registry
	streams      map[uint32]*streamState
	minFramerate uint32
	budget       int64
	scale        float64

	// Owned by the writer goroutine.
	pos int64

	mu         sync.Mutex
	cond       *sync.Cond
	configured bool
	started    bool
	stopping   bool
	closed     bool
	paused     bool
	queue      []*sample.Sample
	dropped    uint64
	err        error
	done       chan struct{}
}

// NewWriter creates an unconfigured writer, logger and metrics may be nil.
func NewWriter(logger log.ILogger, m *metrics.Writer) *Writer {
	w := &Writer{
		logger:   log.Or(logger),
		metrics:  m,
		openFile: openFile,
		ram:      mem.VirtualMemory,
		done:     make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Configure opens the file and writes the metadata region.
// Can only be called successfully once.
func (w *Writer) Configure(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if cfg.SessionID == "" {
		cfg.SessionID = newSessionID()
	}
	budget := cfg.MemoryBudget
	if budget == 0 {
		budget = memoryBudget(w.ram, len(cfg.Streams), w.logger)
	}

	if err := w.configure(cfg, budget); err != nil {
		return err
	}
	log.Info(w.logger).Src("recorder").Msgf(
		"configured %v: session %v, %d streams, budget %d bytes per stream",
		cfg.Path, cfg.SessionID, len(cfg.Streams), budget)
	return nil
}

func (w *Writer) configure(cfg Config, budget int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.configured {
		return ErrAlreadyConfigured
	}

	profiles := make([]sample.StreamProfile, len(cfg.Streams))
	copy(profiles, cfg.Streams)
	for i := range profiles {
		profiles[i].FrameCount = 0
	}
	registry := codec.NewRegistry(cfg.Compression, profiles)

	file, err := w.openFile(cfg.Path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}

	streams, pos, err := writeMetadata(file, cfg, profiles)
	if err != nil {
		file.Close()
		return fmt.Errorf("write metadata: %w", err)
	}
	w.metrics.BytesWritten(int(pos))

	w.file = file
	w.registry = registry
	w.streams = streams
	w.minFramerate = cfg.minFramerate()
	w.budget = budget
	w.scale = cfg.AdmissionScale
	w.pos = pos
	w.configured = true
	return nil
}

// writeMetadata writes everything before the first sample and
// back-patches the first frame offset. Returns the new file position.
func writeMetadata(
	file io.WriteSeeker,
	cfg Config,
	profiles []sample.StreamProfile,
) (map[uint32]*streamState, int64, error) {
	buf := format.NewHeader(len(profiles), cfg.CoordinateSystem).Marshal()
	buf = format.AppendChunk(buf, format.ChunkDeviceInfo,
		format.EncodeDeviceInfo(cfg.deviceInfo()))
	buf = format.AppendChunk(buf, format.ChunkSoftwareVersion,
		format.EncodeSoftwareVersions(cfg.softwareVersions()))
	buf = format.AppendChunk(buf, format.ChunkCapabilities,
		format.EncodeCapabilities(cfg.Capabilities))
	buf = format.AppendChunk(buf, format.ChunkMotionIntrinsics,
		format.EncodeMotionIntrinsics(cfg.MotionIntrinsics))

	streams := make(map[uint32]*streamState, len(profiles))
	for _, p := range profiles {
		streams[p.StreamID] = &streamState{
			profile:     p,
			countOffset: int64(len(buf) + format.ChunkHeaderSize + format.StreamInfoFrameCountPos),
		}
		buf = format.AppendChunk(buf, format.ChunkStreamInfo, format.EncodeStreamInfo(p))
	}

	buf = format.AppendChunk(buf, format.ChunkProperties,
		format.EncodeProperties(cfg.Properties))

	if _, err := file.Write(buf); err != nil {
		return nil, 0, err
	}
	pos := int64(len(buf))
	if err := format.PatchUint32(file, format.FirstFrameOffsetPos, uint32(pos)); err != nil {
		return nil, 0, fmt.Errorf("patch first frame offset: %w", err)
	}
	return streams, pos, nil
}

// Start the writer goroutine. Returns false if the writer
// isn't configured or was already started.
func (w *Writer) Start() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.configured || w.started || w.stopping || w.closed {
		return false
	}
	w.started = true
	go w.run()
	return true
}

// RecordSample queues a sample for writing. Frames that exceed the
// memory budget of their stream are rejected with ErrAdmissionRejected.
// Samples are discarded while paused.
func (w *Writer) RecordSample(s *sample.Sample) error {
	if err := validateSample(s); err != nil {
		return err
	}

	err := w.enqueue(s)
	if errors.Is(err, ErrAdmissionRejected) {
		log.Warn(w.logger).Src("recorder").Stream(s.Frame.StreamID).
			Msgf("frame %d dropped: %v", s.Frame.FrameNumber, err)
	}
	return err
}

func (w *Writer) enqueue(s *sample.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}
	if !w.configured {
		return ErrNotConfigured
	}
	if w.stopping || w.closed {
		return ErrStopped
	}
	if w.paused {
		w.metrics.Dropped(metrics.ReasonPaused)
		return nil
	}

	if s.IsFrame() {
		st, exist := w.streams[s.Frame.StreamID]
		if !exist {
			return fmt.Errorf("%w: unknown stream: %d", ErrInvalidSample, s.Frame.StreamID)
		}
		if err := w.admit(st, s.Size()); err != nil {
			w.dropped++
			w.metrics.Dropped(metrics.ReasonAdmission)
			return err
		}
		st.queued++
		st.queuedBytes += int64(s.Size())
	}

	w.queue = append(w.queue, s)
	w.metrics.Queue(len(w.queue), w.queuedBytes())
	w.cond.Signal()
	return nil
}

func validateSample(s *sample.Sample) error {
	if s == nil {
		return fmt.Errorf("%w: nil", ErrInvalidSample)
	}
	var ok bool
	switch s.Info.Kind {
	case sample.KindFrame:
		ok = s.Frame != nil
	case sample.KindMotion:
		ok = s.Motion != nil
	case sample.KindTimeStamp:
		ok = s.TimeStamp != nil
	}
	if !ok {
		return fmt.Errorf("%w: kind %v without matching data", ErrInvalidSample, s.Info.Kind)
	}
	return nil
}

// admit checks the frame against the stream's outstanding frame
// ceiling and memory budget. Must be called with the lock held.
//
// The ceiling is budget*scale / (size * framerate / minFramerate),
// the budget given to faster streams is divided between more frames.
func (w *Writer) admit(st *streamState, size int) error {
	if st.queuedBytes+int64(size) > w.budget {
		return fmt.Errorf("%w: %d queued bytes, budget %d",
			ErrAdmissionRejected, st.queuedBytes, w.budget)
	}

	weight := float64(size) * float64(st.profile.Framerate) / float64(w.minFramerate)
	if weight == 0 {
		return nil
	}
	ceiling := math.Floor(float64(w.budget) * w.scale / weight)
	if float64(st.queued+1) > ceiling {
		return fmt.Errorf("%w: %d queued frames, ceiling %v",
			ErrAdmissionRejected, st.queued, ceiling)
	}
	return nil
}

func (w *Writer) queuedBytes() int {
	var n int64
	for _, st := range w.streams {
		n += st.queuedBytes
	}
	return int(n)
}

// SetPause stops persisting samples while paused.
func (w *Writer) SetPause(pause bool) {
	w.mu.Lock()
	changed := w.paused != pause
	w.paused = pause
	w.mu.Unlock()

	switch {
	case !changed:
	case pause:
		log.Info(w.logger).Src("recorder").Msg("paused")
	default:
		log.Info(w.logger).Src("recorder").Msg("resumed")
	}
}

// Stop drains the queue, stops the goroutine and closes the file.
// Returns the error that stopped the writer, if any.
func (w *Writer) Stop() error {
	w.mu.Lock()
	if !w.configured {
		w.mu.Unlock()
		return ErrNotConfigured
	}
	if w.stopping {
		w.mu.Unlock()
		<-w.done
		return w.Err()
	}
	w.stopping = true
	started := w.started
	w.cond.Broadcast()
	w.mu.Unlock()

	if started {
		<-w.done
	} else {
		w.run()
	}

	w.mu.Lock()
	if !w.closed {
		w.closed = true
		if err := w.file.Close(); err != nil && w.err == nil {
			w.err = fmt.Errorf("close file: %w", err)
		}
	}
	err := w.err
	w.mu.Unlock()

	log.Info(w.logger).Src("recorder").Msg("stopped")
	return err
}

// Err returns the error that stopped the writer.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Dropped returns the number of frames that were rejected or failed to encode.
func (w *Writer) Dropped() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// FrameCount returns the number of frames written to a stream.
func (w *Writer) FrameCount(stream uint32) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if st, exist := w.streams[stream]; exist {
		return st.frameCount
	}
	return 0
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.stopping {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()

		for _, s := range batch {
			if err := w.writeSample(s); err != nil {
				w.fail(err)
				return
			}
		}
	}
}

// fail closes the file and keeps the error for the caller.
func (w *Writer) fail(err error) {
	w.mu.Lock()
	w.err = fmt.Errorf("recorder stopped: %w", err)
	w.queue = nil
	for _, st := range w.streams {
		st.queued = 0
		st.queuedBytes = 0
	}
	if !w.closed {
		w.closed = true
		w.file.Close()
	}
	err = w.err
	w.mu.Unlock()

	log.Error(w.logger).Src("recorder").Msg(err.Error())
}

// release removes a written or dropped sample from the queue accounting.
func (w *Writer) release(s *sample.Sample) {
	if !s.IsFrame() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	st := w.streams[s.Frame.StreamID]
	st.queued--
	st.queuedBytes -= int64(s.Size())
	w.metrics.Queue(len(w.queue), w.queuedBytes())
}

// writeSample appends the chunks of one sample. Only file errors are returned.
func (w *Writer) writeSample(s *sample.Sample) error {
	defer w.release(s)

	if s.IsFrame() {
		return w.writeFrame(s)
	}

	var data []byte
	if s.Motion != nil {
		data = format.EncodeMotion(s.Motion)
	} else {
		data = format.EncodeTimeStamp(s.TimeStamp)
	}

	info := s.Info
	info.FileOffset = uint64(w.pos + int64(format.ChunkSize(format.SampleInfoSize)))

	buf := make([]byte, 0, format.ChunkSize(format.SampleInfoSize)+format.ChunkSize(len(data)))
	buf = format.AppendChunk(buf, format.ChunkSampleInfo, format.EncodeSampleInfo(info))
	buf = format.AppendChunk(buf, format.ChunkSampleData, data)
	if err := w.write(buf); err != nil {
		return err
	}
	w.metrics.SampleWritten(s.Info.Kind.String(), len(buf))
	return nil
}

func (w *Writer) writeFrame(s *sample.Sample) error {
	st := w.streams[s.Frame.StreamID]

	data, err := w.registry.Compress(st.profile, s.Frame.Payload)
	if err != nil {
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
		w.metrics.Dropped(metrics.ReasonCodec)
		log.Warn(w.logger).Src("recorder").Stream(st.profile.StreamID).
			Msgf("frame %d dropped: %v", s.Frame.FrameNumber, err)
		return nil
	}

	frame := *s.Frame
	frame.IndexInStream = st.frameCount
	frameInfo := format.EncodeFrameInfo(&frame)
	imageMetadata := format.EncodeImageMetadata(frame.Metadata)

	info := s.Info
	info.FileOffset = uint64(w.pos + int64(
		format.ChunkSize(format.SampleInfoSize)+
			format.ChunkSize(len(frameInfo))+
			format.ChunkSize(len(imageMetadata))))

	buf := make([]byte, 0, int(info.FileOffset-uint64(w.pos))+format.ChunkSize(len(data)))
	buf = format.AppendChunk(buf, format.ChunkSampleInfo, format.EncodeSampleInfo(info))
	buf = format.AppendChunk(buf, format.ChunkFrameInfo, frameInfo)
	buf = format.AppendChunk(buf, format.ChunkImageMetadata, imageMetadata)
	buf = format.AppendChunk(buf, format.ChunkSampleData, data)
	if err := w.write(buf); err != nil {
		return err
	}

	count := st.frameCount + 1
	if err := format.PatchUint32(w.file, st.countOffset, count); err != nil {
		return fmt.Errorf("patch frame count of stream %d: %w", st.profile.StreamID, err)
	}

	w.mu.Lock()
	st.frameCount = count
	w.mu.Unlock()

	w.metrics.SampleWritten(s.Info.Kind.String(), len(buf))
	return nil
}

func (w *Writer) write(buf []byte) error {
	n, err := w.file.Write(buf)
	w.pos += int64(n)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
