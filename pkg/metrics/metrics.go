// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics provides Prometheus collectors for the recorder and player.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sensorrec"

// Drop reasons.
const (
	ReasonAdmission = "admission"
	ReasonPaused    = "paused"
	ReasonCodec     = "codec"
	ReasonDecode    = "decode"
)

// Writer recorder metrics.
type Writer struct {
	samplesWritten *prometheus.CounterVec
	bytesWritten   prometheus.Counter
	dropped        *prometheus.CounterVec
	codecErrors    prometheus.Counter
	queueDepth     prometheus.Gauge
	queueBytes     prometheus.Gauge
}

// NewWriter creates and registers recorder metrics.
// A nil registerer leaves the collectors unregistered.
func NewWriter(reg prometheus.Registerer) *Writer {
	m := &Writer{
		samplesWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recorder",
				Name:      "samples_written_total",
				Help:      "Total number of samples written by kind",
			},
			[]string{"kind"}, // kind: frame, motion, timestamp
		),
		bytesWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recorder",
				Name:      "bytes_written_total",
				Help:      "Total number of bytes appended to the file",
			},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recorder",
				Name:      "samples_dropped_total",
				Help:      "Total number of samples dropped by reason",
			},
			[]string{"reason"}, // reason: admission, paused, codec
		),
		codecErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recorder",
				Name:      "codec_errors_total",
				Help:      "Total number of frames that failed to compress",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "recorder",
				Name:      "queue_depth",
				Help:      "Number of samples waiting to be written",
			},
		),
		queueBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "recorder",
				Name:      "queue_bytes",
				Help:      "Payload bytes waiting to be written",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.samplesWritten,
			m.bytesWritten,
			m.dropped,
			m.codecErrors,
			m.queueDepth,
			m.queueBytes,
		)
	}
	return m
}

// SampleWritten records a sample and the number of bytes it took.
func (m *Writer) SampleWritten(kind string, n int) {
	if m == nil {
		return
	}
	m.samplesWritten.WithLabelValues(kind).Inc()
	m.bytesWritten.Add(float64(n))
}

// BytesWritten records bytes written outside of samples.
func (m *Writer) BytesWritten(n int) {
	if m == nil {
		return
	}
	m.bytesWritten.Add(float64(n))
}

// Dropped records a dropped sample.
func (m *Writer) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
	if reason == ReasonCodec {
		m.codecErrors.Inc()
	}
}

// Queue records the current queue size.
func (m *Writer) Queue(depth int, bytes int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
	m.queueBytes.Set(float64(bytes))
}

// Reader player metrics.
type Reader struct {
	delivered    *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	indexed      prometheus.Gauge
	prefetched   prometheus.Gauge
	seeks        *prometheus.CounterVec
	corruptChunk prometheus.Counter
}

// NewReader creates and registers player metrics.
// A nil registerer leaves the collectors unregistered.
func NewReader(reg prometheus.Registerer) *Reader {
	m := &Reader{
		delivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "playback",
				Name:      "samples_delivered_total",
				Help:      "Total number of samples delivered by kind",
			},
			[]string{"kind"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "playback",
				Name:      "samples_dropped_total",
				Help:      "Total number of samples that could not be delivered",
			},
			[]string{"reason"}, // reason: decode, codec
		),
		indexed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "playback",
				Name:      "indexed_samples",
				Help:      "Number of samples in the index",
			},
		),
		prefetched: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "playback",
				Name:      "prefetch_depth",
				Help:      "Number of decoded samples waiting for delivery",
			},
		),
		seeks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "playback",
				Name:      "seeks_total",
				Help:      "Total number of seeks by result",
			},
			[]string{"result"}, // result: found, not_found, error
		),
		corruptChunk: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "playback",
				Name:      "corrupt_chunks_total",
				Help:      "Total number of chunks that failed to parse",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.delivered,
			m.dropped,
			m.indexed,
			m.prefetched,
			m.seeks,
			m.corruptChunk,
		)
	}
	return m
}

// Delivered records a delivered sample.
func (m *Reader) Delivered(kind string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(kind).Inc()
}

// Dropped records a sample that failed to load.
func (m *Reader) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// Indexed records the index size.
func (m *Reader) Indexed(n int) {
	if m == nil {
		return
	}
	m.indexed.Set(float64(n))
}

// Prefetched records the prefetch queue size.
func (m *Reader) Prefetched(n int) {
	if m == nil {
		return
	}
	m.prefetched.Set(float64(n))
}

// Seek records a seek result.
func (m *Reader) Seek(result string) {
	if m == nil {
		return
	}
	m.seeks.WithLabelValues(result).Inc()
}

// CorruptChunk records a chunk that failed to parse.
func (m *Reader) CorruptChunk() {
	if m == nil {
		return
	}
	m.corruptChunk.Inc()
}
