// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package metrics provides performance monitoring for compaction passes.
//
// This package implements thread-safe metrics collection using a buffered
// channel drained by a background goroutine, with ring buffers holding recent
// pass latencies. Compaction workers report every written record; the GC
// driver reports the outcome and duration of every pass.
//
// # Key Features
//
//   - Non-blocking event recording from many compaction workers
//   - Written record counts by kind (node, property, blob)
//   - Pass outcome counts (completed, cancelled, failed) and error counts
//   - Pass latency percentiles from a bounded ring buffer
//   - Implements progress.Monitor, so it can be plugged next to a NodeWriteMonitor
//   - Prometheus collector (see NewCollector)
//
// # Usage Examples
//
//	m := metrics.NewMetrics()
//	defer m.Close()
//
//	m.OnNode()
//	m.RecordPass(metrics.OutcomeCompleted, time.Since(start))
//
//	m.Sync()
//	stats := m.GetStats()
//	fmt.Printf("nodes written: %d\n", stats.Records.Nodes)
//
//	prometheus.MustRegister(metrics.NewCollector(m))
//
// # Dangers and Warnings
//
//   - **Background Goroutine**: Requires cleanup with Close.
//   - **Event Loss**: If the buffer is full, record events are dropped rather
//     than blocking a compaction worker. Pass starts and outcomes are never
//     dropped.
//   - **Stats Latency**: GetStats may lag behind recorded events; call Sync
//     first when exact numbers are needed.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package metrics

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Outcome is how a compaction pass ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// RecordCounts counts written records by kind.
type RecordCounts struct {
	Nodes      uint64 `json:"nodes"`
	Properties uint64 `json:"properties"`
	Blobs      uint64 `json:"blobs"`
}

// PassCounts counts compaction passes by outcome.
type PassCounts struct {
	Started   uint64 `json:"started"`
	Completed uint64 `json:"completed"`
	Cancelled uint64 `json:"cancelled"`
	Failed    uint64 `json:"failed"`
}

// MetricsSnapshot is a point-in-time copy of all metrics.
type MetricsSnapshot struct {
	Records       RecordCounts  `json:"records"`
	Passes        PassCounts    `json:"passes"`
	Errors        uint64        `json:"errors"`
	PassLatency   LatencyStats  `json:"pass_latency"`
	Configuration MetricsConfig `json:"config"`
}

// MetricEvent is a single metric event.
type MetricEvent struct {
	Type      string
	Duration  time.Duration
	Timestamp time.Time
	Outcome   Outcome
	done      chan struct{}
}

// MetricsConfig configures a Metrics instance.
type MetricsConfig struct {
	BufferSize        int `json:"buffer_size"`         // Size of event buffer
	PassLatencyBuffer int `json:"pass_latency_buffer"` // Number of pass latencies kept
}

// DefaultMetricsConfig returns a default configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		BufferSize:        10000,
		PassLatencyBuffer: 100,
	}
}

// Metrics tracks compaction metrics using a buffered channel and ring buffers.
type Metrics struct {
	config MetricsConfig

	eventChan chan MetricEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// started is counted outside the event loop so Init never waits on it.
	started atomic.Uint64

	mu          sync.RWMutex
	records     RecordCounts
	passes      PassCounts
	errors      uint64
	passLatency *DurationRingBuffer
}

// NewMetrics creates a metrics instance with the default configuration.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(DefaultMetricsConfig())
}

// NewMetricsWithConfig creates a metrics instance with a custom configuration.
func NewMetricsWithConfig(config MetricsConfig) *Metrics {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultMetricsConfig().BufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Metrics{
		config:      config,
		eventChan:   make(chan MetricEvent, config.BufferSize),
		ctx:         ctx,
		cancel:      cancel,
		passLatency: NewDurationRingBuffer(config.PassLatencyBuffer),
	}

	m.wg.Add(1)
	go m.processEvents()
	return m
}

// processEvents runs in a background goroutine.
func (m *Metrics) processEvents() {
	defer m.wg.Done()
	for {
		select {
		case event := <-m.eventChan:
			m.processEvent(event)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Metrics) processEvent(event MetricEvent) {
	if event.done != nil {
		close(event.done)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch event.Type {
	case "node":
		m.records.Nodes++
	case "property":
		m.records.Properties++
	case "blob":
		m.records.Blobs++
	case "pass":
		switch event.Outcome {
		case OutcomeCompleted:
			m.passes.Completed++
		case OutcomeCancelled:
			m.passes.Cancelled++
		case OutcomeFailed:
			m.passes.Failed++
		}
		m.passLatency.Push(event.Duration)
	case "error":
		m.errors++
	}
}

// record sends an event, dropping it if the buffer is full.
func (m *Metrics) record(eventType string) {
	select {
	case m.eventChan <- MetricEvent{Type: eventType, Timestamp: time.Now()}:
	default:
		// Channel full, drop the event to avoid blocking a worker
	}
}

// send delivers an event unless the metrics are closed.
func (m *Metrics) send(event MetricEvent) bool {
	select {
	case m.eventChan <- event:
		return true
	case <-m.ctx.Done():
		return false
	}
}

// Init implements progress.Monitor and counts a started pass.
func (m *Metrics) Init(uint64) { m.started.Add(1) }

// OnNode implements progress.Monitor.
func (m *Metrics) OnNode() { m.record("node") }

// OnProperty implements progress.Monitor.
func (m *Metrics) OnProperty() { m.record("property") }

// OnBinary implements progress.Monitor.
func (m *Metrics) OnBinary() { m.record("blob") }

// Finished implements progress.Monitor. Outcomes are reported by RecordPass.
func (m *Metrics) Finished() {}

// RecordPass records the outcome and duration of a pass.
func (m *Metrics) RecordPass(outcome Outcome, duration time.Duration) {
	m.send(MetricEvent{Type: "pass", Outcome: outcome, Duration: duration, Timestamp: time.Now()})
}

// RecordError records a compaction error.
func (m *Metrics) RecordError() {
	m.send(MetricEvent{Type: "error", Timestamp: time.Now()})
}

// Sync blocks until every event recorded before the call has been processed.
func (m *Metrics) Sync() {
	done := make(chan struct{})
	if !m.send(MetricEvent{Type: "sync", done: done}) {
		return
	}
	select {
	case <-done:
	case <-m.ctx.Done():
	}
}

func (m *Metrics) passesLocked() PassCounts {
	p := m.passes
	p.Started = m.started.Load()
	return p
}

// GetStats returns a snapshot of current metrics.
func (m *Metrics) GetStats() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MetricsSnapshot{
		Records:       m.records,
		Passes:        m.passesLocked(),
		Errors:        m.errors,
		PassLatency:   m.passLatency.Stats(),
		Configuration: m.config,
	}
}

// ExportJSON exports metrics as JSON.
func (m *Metrics) ExportJSON() []byte {
	stats := m.GetStats()
	jsonData, _ := json.MarshalIndent(stats, "", "  ")
	return jsonData
}

// Close shuts down the event processor. Events still buffered are discarded.
func (m *Metrics) Close() {
	m.cancel()
	m.wg.Wait()
}
