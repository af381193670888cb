// SPDX-License-Identifier: GPL-2.0-or-later

package codec

import (
	"fmt"
	"sync"

	"sensorrec/pkg/sample"
)

// Policy selects the codec of each stream.
// Image streams are compressed unless disabled.
type Policy struct {
	Enabled bool     `yaml:"enabled"`
	Level   int      `yaml:"level"`
	Disable []uint32 `yaml:"disable"` // Streams that are never compressed.
}

// DefaultPolicy lossless compression at level 50.
func DefaultPolicy() Policy {
	return Policy{Enabled: true, Level: 50}
}

func (p Policy) codecFor(profile sample.StreamProfile) Codec {
	if !p.Enabled || profile.Kind != sample.StreamVideo {
		return None()
	}
	for _, id := range p.Disable {
		if id == profile.StreamID {
			return None()
		}
	}
	return LZ4(p.Level)
}

// Registry maps streams to codecs.
type Registry struct {
	codecs map[uint32]Codec
	mu     sync.Mutex
}

// NewRegistry creates a registry for recording and sets
// the codec fields of the profiles to the selected codecs.
func NewRegistry(policy Policy, profiles []sample.StreamProfile) *Registry {
	r := &Registry{codecs: make(map[uint32]Codec, len(profiles))}
	for i := range profiles {
		c := policy.codecFor(profiles[i])
		profiles[i].Codec = sample.CodecID(c.Kind)
		profiles[i].CodecLevel = uint8(c.Level)
		r.codecs[profiles[i].StreamID] = c
	}
	return r
}

// RegistryFromProfiles creates a registry from recorded profiles.
func RegistryFromProfiles(profiles []sample.StreamProfile) (*Registry, error) {
	r := &Registry{codecs: make(map[uint32]Codec, len(profiles))}
	for _, p := range profiles {
		c, err := FromProfile(p)
		if err != nil {
			return nil, fmt.Errorf("stream %d: %w", p.StreamID, err)
		}
		r.codecs[p.StreamID] = c
	}
	return r, nil
}

// Codec returns the codec of a stream, unknown streams are not compressed.
func (r *Registry) Codec(stream uint32) Codec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.codecs[stream]
}

// Compress raw frame payload of a stream.
func (r *Registry) Compress(profile sample.StreamProfile, raw []byte) ([]byte, error) {
	out, err := r.Codec(profile.StreamID).Compress(raw)
	if err != nil {
		return nil, fmt.Errorf("stream %d: %w", profile.StreamID, err)
	}
	return out, nil
}

// Decompress frame payload of a stream.
func (r *Registry) Decompress(
	profile sample.StreamProfile,
	data []byte,
	expectedSize int,
) ([]byte, error) {
	raw, err := r.Codec(profile.StreamID).Decompress(data, expectedSize)
	if err != nil {
		return nil, fmt.Errorf("stream %d: %w", profile.StreamID, err)
	}
	return raw, nil
}
