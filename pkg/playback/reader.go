// SPDX-License-Identifier: GPL-2.0-or-later

// Package playback reads recorded sessions.
package playback

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"sensorrec/pkg/codec"
	"sensorrec/pkg/format"
	"sensorrec/pkg/log"
	"sensorrec/pkg/metrics"
	"sensorrec/pkg/sample"
)

// State of the reader.
type State int

// States.
const (
	StateCreated State = iota
	StateInitialized
	StatePlaying
	StatePaused
	StateDone
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// Errors.
var (
	ErrNotInitialized     = errors.New("not initialized")
	ErrAlreadyInitialized = errors.New("already initialized")
	ErrAlreadyStarted     = errors.New("already started")
	ErrClosed             = errors.New("closed")
)

const (
	historySize   = 256
	prefetchLimit = 32
	indexBatch    = 64
)

// Metadata session metadata of a file.
type Metadata struct {
	format.Metadata

	Version          format.Version
	CoordinateSystem format.CoordinateSystem
	SessionID        string
}

// Reader plays back a recorded file.
type Reader struct {
	path    string
	logger  log.ILogger
	metrics *metrics.Reader

	// Set once by Init.
	version  format.Version
	header   format.Header
	meta     Metadata
	registry *codec.Registry
	profiles map[uint32]sample.StreamProfile
	files    []*os.File
	data     *format.ChunkReader // Playback goroutine.
	index    *format.ChunkReader // Indexer, guarded by mu.
	seek     *format.ChunkReader // Seeks, guarded by seekMu.

	seekMu sync.Mutex

	mu   sync.Mutex
	cond *sync.Cond

	state   State
	running bool
	closed  bool

	// Index.
	descriptors []*sample.Sample
	streamIndex map[uint32][]int
	indexPos    int64
	indexDone   bool

	// Playback.
	cursor     int
	queue      []*sample.Sample
	paused     bool
	realtime   bool
	active     map[uint32]struct{}
	busy       bool
	inCallback bool
	stopping   bool
	baseWall   time.Time
	baseSample time.Duration
	current    map[uint32]*sample.Sample
	history    *sample.History

	sampleCallback func(*sample.Sample)
	statusCallback func(paused bool)

	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}
}

// NewReader creates a reader for the file at path, logger and metrics may be nil.
func NewReader(path string, logger log.ILogger, m *metrics.Reader) *Reader {
	r := &Reader{
		path:        path,
		logger:      log.Or(logger),
		metrics:     m,
		streamIndex: make(map[uint32][]int),
		realtime:    true,
		current:     make(map[uint32]*sample.Sample),
		history:     sample.NewHistory(historySize),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		exited:      make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Init opens the file and reads the header and metadata.
// Returns format.ErrUnsupportedFormat if the magic is unknown.
func (r *Reader) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateCreated {
		return ErrAlreadyInitialized
	}
	if err := r.init(); err != nil {
		r.closeFiles()
		return err
	}
	r.state = StateInitialized
	return nil
}

func (r *Reader) init() error {
	// Independent handles for playback, indexing and seeking.
	for i := 0; i < 3; i++ {
		file, err := os.Open(r.path)
		if err != nil {
			return fmt.Errorf("open file: %w", err)
		}
		r.files = append(r.files, file)
	}

	stat, err := r.files[0].Stat()
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	size := stat.Size()

	if err := r.header.Unmarshal(r.files[0]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	r.version, err = format.VersionFromMagic(r.header.Magic)
	if err != nil {
		return err
	}

	if r.data, err = format.NewChunkReader(r.files[0], size, format.HeaderSize); err != nil {
		return err
	}
	if r.index, err = format.NewChunkReader(r.files[1], size, format.HeaderSize); err != nil {
		return err
	}
	if r.seek, err = format.NewChunkReader(r.files[2], size, format.HeaderSize); err != nil {
		return err
	}

	if err := r.readMetadata(); err != nil {
		return err
	}

	r.registry, err = codec.RegistryFromProfiles(r.meta.Streams)
	if err != nil {
		return fmt.Errorf("%w: %w", format.ErrUnsupportedFormat, err)
	}

	log.Info(r.logger).Src("playback").Msgf("opened %v: %v format, %d streams",
		r.path, r.version, len(r.meta.Streams))
	return nil
}

// readMetadata parses the chunks before the first sample. A chunk that
// fails to parse is skipped and its metadata is unavailable.
func (r *Reader) readMetadata() error {
	r.meta = Metadata{
		Metadata: format.Metadata{
			Device:     format.DeviceInfo{},
			Software:   format.SoftwareVersions{},
			Properties: map[string]float64{},
		},
		Version:          r.version,
		CoordinateSystem: r.header.CoordinateSystem,
	}
	r.profiles = make(map[uint32]sample.StreamProfile)

	firstFrame := int64(r.header.FirstFrameOffset)
	if firstFrame < format.HeaderSize {
		firstFrame = 0
	}

	c := r.data
	for {
		pos := c.Pos()
		if firstFrame != 0 && pos >= firstFrame {
			r.indexPos = firstFrame
			return nil
		}

		h, err := c.Next()
		if errors.Is(err, io.EOF) {
			r.indexPos = pos
			return nil
		}
		if errors.Is(err, format.ErrCorruptChunk) {
			r.corrupt(err)
			if firstFrame == 0 {
				// Framing is lost, there are no samples to index.
				r.indexPos = c.Size()
				return nil
			}
			r.indexPos = firstFrame
			return nil
		}
		if err != nil {
			return fmt.Errorf("read metadata: %w", err)
		}

		if h.ID == format.ChunkSampleInfo {
			r.indexPos = pos
			return nil
		}
		if !h.ID.Known() || h.ID == format.ChunkFrameInfo ||
			h.ID == format.ChunkImageMetadata || h.ID == format.ChunkSampleData {
			if err := c.Skip(h); err != nil {
				return fmt.Errorf("read metadata: %w", err)
			}
			continue
		}

		payload, err := c.Payload(h)
		if err != nil {
			return fmt.Errorf("read metadata: %w", err)
		}
		if err := r.parseMetadataChunk(h.ID, payload); err != nil {
			r.corrupt(err)
		}
	}
}

func (r *Reader) parseMetadataChunk(id format.ChunkID, payload []byte) error {
	switch id {
	case format.ChunkDeviceInfo:
		device, err := r.version.DecodeDeviceInfo(payload)
		if err != nil {
			return err
		}
		r.meta.Device = device
		r.meta.SessionID = device[format.DeviceSessionID]

	case format.ChunkStreamInfo:
		p, err := r.version.DecodeStreamInfo(payload)
		if err != nil {
			return err
		}
		if _, exist := r.profiles[p.StreamID]; exist {
			return fmt.Errorf("%w: duplicate stream: %d", format.ErrCorruptChunk, p.StreamID)
		}
		r.profiles[p.StreamID] = p
		r.meta.Streams = append(r.meta.Streams, p)

	case format.ChunkProperties:
		props, err := format.DecodeProperties(payload)
		if err != nil {
			return err
		}
		r.meta.Properties = props

	case format.ChunkCapabilities:
		caps, err := format.DecodeCapabilities(payload)
		if err != nil {
			return err
		}
		r.meta.Capabilities = caps

	case format.ChunkSoftwareVersion:
		software, err := format.DecodeSoftwareVersions(payload)
		if err != nil {
			return err
		}
		r.meta.Software = software

	case format.ChunkMotionIntrinsics:
		intrinsics, err := format.DecodeMotionIntrinsics(payload)
		if err != nil {
			return err
		}
		r.meta.MotionIntrinsics = intrinsics
	}
	return nil
}

func (r *Reader) corrupt(err error) {
	r.metrics.CorruptChunk()
	log.Warn(r.logger).Src("playback").Msgf("%v: %v", r.path, err)
}

// Metadata returns the session metadata.
func (r *Reader) Metadata() (Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateCreated {
		return Metadata{}, ErrNotInitialized
	}
	return r.meta, nil
}

// State returns the current state.
func (r *Reader) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetSampleCallback sets the function that receives delivered samples.
func (r *Reader) SetSampleCallback(fn func(*sample.Sample)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sampleCallback = fn
}

// SetStatusCallback sets the function called on start, pause and stop.
func (r *Reader) SetStatusCallback(fn func(paused bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusCallback = fn
}

// CurrentFrames returns the last delivered or seeked frame of each stream.
func (r *Reader) CurrentFrames() map[uint32]*sample.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	frames := make(map[uint32]*sample.Sample, len(r.current))
	for id, s := range r.current {
		frames[id] = s
	}
	return frames
}

// History returns the infos of the most recently delivered samples, oldest first.
func (r *Reader) History() []sample.Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history.Items()
}

func (r *Reader) closeFiles() {
	for _, file := range r.files {
		file.Close()
	}
	r.files = nil
}

// load reads and decodes the payload of a descriptor.
func (r *Reader) load(d *sample.Sample, c *format.ChunkReader) (*sample.Sample, error) {
	h, payload, err := c.ReadAt(int64(d.Info.FileOffset))
	if err != nil {
		return nil, err
	}
	if h.ID != format.ChunkSampleData {
		return nil, fmt.Errorf("%w: expected %v at %d, got %v",
			format.ErrCorruptChunk, format.ChunkSampleData, d.Info.FileOffset, h.ID)
	}

	s := d.Descriptor()
	if !s.IsFrame() {
		return s, nil
	}

	raw, err := r.registry.Decompress(
		r.profiles[s.Frame.StreamID], payload, expectedFrameSize(s.Frame))
	if err != nil {
		return nil, err
	}
	s.Frame.Payload = raw
	return s, nil
}

// expectedFrameSize returns the raw payload size, or -1 if unknown.
func expectedFrameSize(f *sample.Frame) int {
	if f.Stride == 0 || f.Height == 0 {
		return -1
	}
	size := uint64(f.Stride) * uint64(f.Height)
	if size > math.MaxInt {
		return math.MaxInt
	}
	return int(size)
}
