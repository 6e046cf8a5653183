// Licensed under the MIT License. See LICENSE file in the project root for details.

package metrics

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
)

func TestNewMetrics(t *testing.T) {
	defer goleak.VerifyNone(t)

	metrics := NewMetrics()
	if metrics == nil {
		t.Fatal("NewMetrics() returned nil")
	}
	metrics.Close()
}

func TestNewMetricsWithConfig(t *testing.T) {
	metrics := NewMetricsWithConfig(MetricsConfig{BufferSize: -1, PassLatencyBuffer: 3})
	defer metrics.Close()

	if got := metrics.GetStats().Configuration.BufferSize; got != DefaultMetricsConfig().BufferSize {
		t.Errorf("Expected default buffer size, got %d", got)
	}
}

func TestRecordWrites(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.Init(10)
	for i := 0; i < 3; i++ {
		metrics.OnNode()
	}
	metrics.OnProperty()
	metrics.OnProperty()
	metrics.OnBinary()
	metrics.Finished()
	metrics.Sync()

	stats := metrics.GetStats()
	if stats.Records.Nodes != 3 {
		t.Errorf("Expected 3 nodes, got %d", stats.Records.Nodes)
	}
	if stats.Records.Properties != 2 {
		t.Errorf("Expected 2 properties, got %d", stats.Records.Properties)
	}
	if stats.Records.Blobs != 1 {
		t.Errorf("Expected 1 blob, got %d", stats.Records.Blobs)
	}
	if stats.Passes.Started != 1 {
		t.Errorf("Expected 1 started pass, got %d", stats.Passes.Started)
	}
}

func TestRecordPass(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.RecordPass(OutcomeCompleted, 10*time.Millisecond)
	metrics.RecordPass(OutcomeCancelled, 20*time.Millisecond)
	metrics.RecordPass(OutcomeFailed, 30*time.Millisecond)
	metrics.RecordError()
	metrics.Sync()

	stats := metrics.GetStats()
	if stats.Passes.Completed != 1 || stats.Passes.Cancelled != 1 || stats.Passes.Failed != 1 {
		t.Errorf("Unexpected pass counts: %+v", stats.Passes)
	}
	if stats.Errors != 1 {
		t.Errorf("Expected 1 error, got %d", stats.Errors)
	}
	if stats.PassLatency.Count != 3 {
		t.Errorf("Expected 3 latency samples, got %d", stats.PassLatency.Count)
	}
	if stats.PassLatency.Mean != 20*time.Millisecond {
		t.Errorf("Expected mean 20ms, got %v", stats.PassLatency.Mean)
	}
}

func TestConcurrentAccess(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				metrics.OnNode()
			}
		}()
	}
	wg.Wait()
	metrics.Sync()

	if got := metrics.GetStats().Records.Nodes; got != 800 {
		t.Errorf("Expected 800 nodes, got %d", got)
	}
}

func TestSyncAfterClose(t *testing.T) {
	metrics := NewMetrics()
	metrics.Close()

	// Must not block.
	metrics.Sync()
	metrics.RecordPass(OutcomeCompleted, time.Millisecond)
}

func TestRingBufferOverflow(t *testing.T) {
	rb := NewDurationRingBuffer(3)
	for i := 1; i <= 5; i++ {
		rb.Push(time.Duration(i) * time.Millisecond)
	}

	stats := rb.Stats()
	if stats.Count != 3 {
		t.Errorf("Expected 3 samples, got %d", stats.Count)
	}
	if stats.Min != 3*time.Millisecond || stats.Max != 5*time.Millisecond {
		t.Errorf("Expected oldest samples evicted, got min %v max %v", stats.Min, stats.Max)
	}
	if stats.P50 != 4*time.Millisecond {
		t.Errorf("Expected p50 4ms, got %v", stats.P50)
	}
}

func TestRingBufferEmpty(t *testing.T) {
	rb := NewDurationRingBuffer(0)
	if stats := rb.Stats(); stats != (LatencyStats{}) {
		t.Errorf("Expected zero stats, got %+v", stats)
	}
}

func TestExportJSON(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.OnNode()
	metrics.Sync()

	var decoded MetricsSnapshot
	if err := json.Unmarshal(metrics.ExportJSON(), &decoded); err != nil {
		t.Fatalf("Failed to decode exported JSON: %v", err)
	}
	if decoded.Records.Nodes != 1 {
		t.Errorf("Expected 1 node in export, got %d", decoded.Records.Nodes)
	}
}

func TestCollector(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.OnNode()
	metrics.OnNode()
	metrics.RecordPass(OutcomeCancelled, time.Second)
	metrics.Sync()

	collector := NewCollector(metrics)
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(collector); err != nil {
		t.Fatalf("Failed to register collector: %v", err)
	}

	expected := `
# HELP segcompact_compaction_passes_total Compaction passes, by outcome.
# TYPE segcompact_compaction_passes_total counter
segcompact_compaction_passes_total{outcome="cancelled"} 1
segcompact_compaction_passes_total{outcome="completed"} 0
segcompact_compaction_passes_total{outcome="failed"} 0
# HELP segcompact_compaction_records_written_total Records written by compaction, by kind.
# TYPE segcompact_compaction_records_written_total counter
segcompact_compaction_records_written_total{kind="blob"} 0
segcompact_compaction_records_written_total{kind="node"} 2
segcompact_compaction_records_written_total{kind="property"} 0
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"segcompact_compaction_passes_total", "segcompact_compaction_records_written_total")
	if err != nil {
		t.Errorf("Unexpected collector output: %v", err)
	}

	if n := testutil.CollectAndCount(collector); n != 8 {
		t.Errorf("Expected 8 series, got %d", n)
	}
}

func TestInitDoesNotBlockOnFullBuffer(t *testing.T) {
	metrics := NewMetricsWithConfig(MetricsConfig{BufferSize: 2, PassLatencyBuffer: 4})
	defer metrics.Close()

	// Stall the event loop and fill the buffer.
	metrics.mu.Lock()
	for i := 0; i < 10; i++ {
		metrics.OnNode()
	}

	done := make(chan struct{})
	go func() {
		metrics.Init(100)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		metrics.mu.Unlock()
		t.Fatal("Init blocked behind a full event buffer")
	}
	metrics.mu.Unlock()

	metrics.Sync()
	if got := metrics.GetStats().Passes.Started; got != 1 {
		t.Errorf("Expected 1 started pass, got %d", got)
	}
}
