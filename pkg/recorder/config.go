// SPDX-License-Identifier: GPL-2.0-or-later

package recorder

import (
	"errors"
	"fmt"
	"math"

	"sensorrec/pkg/codec"
	"sensorrec/pkg/format"
	"sensorrec/pkg/log"
	"sensorrec/pkg/sample"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"
	"gopkg.in/yaml.v3"
)

// Version software version stored in recorded files.
const Version = "1.0.0"

// SoftwareKey software version key of the recorder.
const SoftwareKey = "sensorrec"

// Config recording session configuration.
type Config struct {
	// Path of the file, it's truncated if it exists.
	Path string `yaml:"path"`

	Device           format.DeviceInfo       `yaml:"device"`
	Software         format.SoftwareVersions `yaml:"software"`
	Capabilities     []uint32                `yaml:"capabilities"`
	Properties       map[string]float64      `yaml:"properties"`
	CoordinateSystem format.CoordinateSystem `yaml:"coordinateSystem"`

	Compression codec.Policy `yaml:"compression"`

	// Bytes of queued frames allowed per stream, zero derives it from available RAM.
	MemoryBudget int64 `yaml:"memoryBudget"`

	// Multiplier of the admission ceiling.
	AdmissionScale float64 `yaml:"admissionScale"`

	// Defaults to a random UUID.
	SessionID string `yaml:"sessionID"`

	// Supplied by the producer.
	Streams          []sample.StreamProfile    `yaml:"-"`
	MotionIntrinsics []sample.MotionIntrinsics `yaml:"-"`
}

// DefaultConfig returns a config with the default compression and admission policy.
func DefaultConfig() Config {
	return Config{
		CoordinateSystem: format.CoordinatesOptical,
		Compression:      codec.DefaultPolicy(),
		AdmissionScale:   1,
	}
}

// ParseConfig unmarshals a YAML config on top of the defaults.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validateSettings(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ErrInvalidConfig invalid config.
var ErrInvalidConfig = errors.New("invalid config")

func (c Config) validateSettings() error {
	if c.Compression.Level < 0 || c.Compression.Level > codec.MaxLevel {
		return fmt.Errorf("%w: compression level %d not in range 0-%d",
			ErrInvalidConfig, c.Compression.Level, codec.MaxLevel)
	}
	if c.MemoryBudget < 0 {
		return fmt.Errorf("%w: negative memory budget: %d", ErrInvalidConfig, c.MemoryBudget)
	}
	if c.AdmissionScale <= 0 {
		return fmt.Errorf("%w: admission scale must be positive: %v",
			ErrInvalidConfig, c.AdmissionScale)
	}
	return nil
}

func (c Config) validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidConfig)
	}
	if err := c.validateSettings(); err != nil {
		return err
	}
	if len(c.Streams) == 0 {
		return fmt.Errorf("%w: no streams", ErrInvalidConfig)
	}

	seen := make(map[uint32]struct{}, len(c.Streams))
	for _, s := range c.Streams {
		if _, exist := seen[s.StreamID]; exist {
			return fmt.Errorf("%w: duplicate stream: %d", ErrInvalidConfig, s.StreamID)
		}
		seen[s.StreamID] = struct{}{}

		switch s.Kind {
		case sample.StreamVideo:
			if s.Framerate == 0 {
				return fmt.Errorf("%w: stream %d: zero framerate", ErrInvalidConfig, s.StreamID)
			}
		case sample.StreamMotion:
		default:
			return fmt.Errorf("%w: stream %d: unknown kind: %d",
				ErrInvalidConfig, s.StreamID, s.Kind)
		}
	}

	if err := format.CheckStringMap(c.deviceInfo()); err != nil {
		return fmt.Errorf("%w: device: %w", ErrInvalidConfig, err)
	}
	if err := format.CheckStringMap(c.softwareVersions()); err != nil {
		return fmt.Errorf("%w: software: %w", ErrInvalidConfig, err)
	}
	if err := format.CheckProperties(c.Properties); err != nil {
		return fmt.Errorf("%w: properties: %w", ErrInvalidConfig, err)
	}
	if len(c.Capabilities) > math.MaxUint16 {
		return fmt.Errorf("%w: %d capabilities", ErrInvalidConfig, len(c.Capabilities))
	}
	return nil
}

// minFramerate returns the lowest framerate of the video streams.
func (c Config) minFramerate() uint32 {
	var lowest uint32
	for _, s := range c.Streams {
		if s.Kind != sample.StreamVideo {
			continue
		}
		if lowest == 0 || s.Framerate < lowest {
			lowest = s.Framerate
		}
	}
	if lowest == 0 {
		return 1
	}
	return lowest
}

func (c Config) deviceInfo() format.DeviceInfo {
	info := make(format.DeviceInfo, len(c.Device)+1)
	for k, v := range c.Device {
		info[k] = v
	}
	info[format.DeviceSessionID] = c.SessionID
	return info
}

func (c Config) softwareVersions() format.SoftwareVersions {
	v := make(format.SoftwareVersions, len(c.Software)+1)
	for k, val := range c.Software {
		v[k] = val
	}
	if _, exist := v[SoftwareKey]; !exist {
		v[SoftwareKey] = Version
	}
	return v
}

func newSessionID() string {
	return uuid.NewString()
}

// Memory budget bounds.
const (
	minMemoryBudget      = 16 * 1024 * 1024
	maxMemoryBudget      = 512 * 1024 * 1024
	fallbackMemoryBudget = 256 * 1024 * 1024
	ramBudgetDivisor     = 64
)

type ramFunc func() (*mem.VirtualMemoryStat, error)

// memoryBudget derives the per stream budget from the available RAM.
func memoryBudget(ram ramFunc, streams int, logger log.ILogger) int64 {
	if streams < 1 {
		streams = 1
	}
	stat, err := ram()
	if err != nil {
		log.Warn(logger).Src("recorder").
			Msgf("could not get available memory, using default budget: %v", err)
		return fallbackMemoryBudget
	}

	budget := int64(stat.Available / ramBudgetDivisor / uint64(streams))
	switch {
	case budget < minMemoryBudget:
		return minMemoryBudget
	case budget > maxMemoryBudget:
		return maxMemoryBudget
	}
	return budget
}
