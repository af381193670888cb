// SPDX-License-Identifier: GPL-2.0-or-later

package format

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/icza/bitio"
)

// encoder marshals chunk payloads into memory.
type encoder struct {
	buf *bytes.Buffer
	w   *bitio.Writer
}

func newEncoder() *encoder {
	buf := &bytes.Buffer{}
	return &encoder{buf: buf, w: bitio.NewWriter(buf)}
}

func (e *encoder) u8(v uint8)    { e.w.TryWriteBits(uint64(v), 8) }
func (e *encoder) u16(v uint16)  { e.w.TryWriteBits(uint64(v), 16) }
func (e *encoder) u32(v uint32)  { e.w.TryWriteBits(uint64(v), 32) }
func (e *encoder) u64(v uint64)  { e.w.TryWriteBits(v, 64) }
func (e *encoder) i64(v int64)   { e.u64(uint64(v)) }
func (e *encoder) f32(v float32) { e.u32(math.Float32bits(v)) }
func (e *encoder) f64(v float64) { e.u64(math.Float64bits(v)) }

func (e *encoder) f32s(v []float32) {
	for _, f := range v {
		e.f32(f)
	}
}

// MaxStringSize is the longest string a payload can hold.
const MaxStringSize = math.MaxUint16

// ErrTooLong strings or maps cannot be encoded.
var ErrTooLong = errors.New("too long")

// CheckStringMap verifies that the map fits a device-info
// or software-version payload.
func CheckStringMap(m map[string]string) error {
	if len(m) > math.MaxUint16 {
		return fmt.Errorf("%w: %d entries", ErrTooLong, len(m))
	}
	for k, v := range m {
		if err := checkString(k); err != nil {
			return err
		}
		if err := checkString(v); err != nil {
			return fmt.Errorf("%q: %w", k, err)
		}
	}
	return nil
}

// CheckProperties verifies that the map fits a properties payload.
func CheckProperties(props map[string]float64) error {
	if len(props) > math.MaxUint16 {
		return fmt.Errorf("%w: %d entries", ErrTooLong, len(props))
	}
	for k := range props {
		if err := checkString(k); err != nil {
			return err
		}
	}
	return nil
}

func checkString(s string) error {
	if len(s) > MaxStringSize {
		return fmt.Errorf("%w: string of %d bytes", ErrTooLong, len(s))
	}
	return nil
}

// Longer strings are rejected by the Check functions before encoding.
func (e *encoder) str(s string) {
	e.u16(uint16(len(s)))
	e.w.TryWrite([]byte(s))
}

func (e *encoder) strMap(m map[string]string) {
	keys := sortedKeys(m)
	e.u16(uint16(len(keys)))
	for _, k := range keys {
		e.str(k)
		e.str(m[k])
	}
}

func (e *encoder) bytes() []byte {
	e.w.Close() //nolint:errcheck
	return e.buf.Bytes()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// decoder unmarshals chunk payloads, the first error is kept in r.TryError.
type decoder struct {
	id ChunkID
	r  *bitio.Reader
}

func newDecoder(id ChunkID, payload []byte) *decoder {
	return &decoder{id: id, r: bitio.NewReader(bytes.NewReader(payload))}
}

func (d *decoder) u8() uint8    { return uint8(d.r.TryReadBits(8)) }
func (d *decoder) u16() uint16  { return uint16(d.r.TryReadBits(16)) }
func (d *decoder) u32() uint32  { return uint32(d.r.TryReadBits(32)) }
func (d *decoder) u64() uint64  { return d.r.TryReadBits(64) }
func (d *decoder) i64() int64   { return int64(d.u64()) }
func (d *decoder) f32() float32 { return math.Float32frombits(d.u32()) }
func (d *decoder) f64() float64 { return math.Float64frombits(d.u64()) }

func (d *decoder) f32s(v []float32) {
	for i := range v {
		v[i] = d.f32()
	}
}

func (d *decoder) raw(n int) []byte {
	if d.r.TryError != nil {
		return nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		d.r.TryError = err
		return nil
	}
	return buf
}

func (d *decoder) str() string {
	n := d.u16()
	return string(d.raw(int(n)))
}

func (d *decoder) strMap() map[string]string {
	n := d.u16()
	m := make(map[string]string, n)
	for i := 0; i < int(n) && d.r.TryError == nil; i++ {
		k := d.str()
		m[k] = d.str()
	}
	return m
}

// err returns ErrCorruptChunk if any read failed.
func (d *decoder) err() error {
	if d.r.TryError != nil {
		return fmt.Errorf("%w: %v: %v", ErrCorruptChunk, d.id, d.r.TryError)
	}
	return nil
}

func checkSize(id ChunkID, payload []byte, expected int) error {
	if len(payload) != expected {
		return fmt.Errorf("%w: %v: expected %d bytes, got %d",
			ErrCorruptChunk, id, expected, len(payload))
	}
	return nil
}
