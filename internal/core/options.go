// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kianostad/segcompact/internal/monitoring/gcmonitor"
	"github.com/kianostad/segcompact/internal/monitoring/metrics"
	"github.com/kianostad/segcompact/internal/monitoring/progress"
	"github.com/kianostad/segcompact/internal/storage/blob"
	"github.com/kianostad/segcompact/internal/storage/segment"
	"github.com/kianostad/segcompact/internal/storage/writerpool"
)

// Options configures compactors and the Store.
type Options struct {
	Concurrency       int             // Number of compaction workers, at least 1
	PoolType          writerpool.Type // Writer pool discipline
	MaxSegmentRecords int             // Records per written segment
	DedupEntries      int             // Writer dedup cache size, negative disables
	RecordMapSize     uint64          // Buckets of the compacted-record map, power of two

	RetryCount   int           // Compaction cycles retried when the head moves
	RetryBackoff time.Duration // Initial delay between retried cycles
	ForceCompact bool          // Run one exclusive cycle once retries are exhausted

	RetainedGenerations int32         // Generations kept by Cleanup
	GCInterval          time.Duration // Background compaction interval, 0 disables
	ProgressLogInterval uint64        // Nodes between progress log lines, 0 disables

	Logger       logrus.FieldLogger
	GCMonitor    gcmonitor.Monitor
	Progress     progress.Monitor
	Metrics      *metrics.Metrics
	BlobStore    blob.Store
	SegmentStore segment.Store
}

// DefaultOptions returns a default configuration. Stores default to
// in-memory implementations when left nil.
func DefaultOptions() Options {
	return Options{
		Concurrency:         1,
		PoolType:            writerpool.ThreadSpecific,
		MaxSegmentRecords:   segment.DefaultWriterOptions().MaxSegmentRecords,
		DedupEntries:        segment.DefaultWriterOptions().DedupEntries,
		RecordMapSize:       1 << 12,
		RetryCount:          5,
		RetryBackoff:        10 * time.Millisecond,
		ForceCompact:        true,
		RetainedGenerations: 2,
		ProgressLogInterval: 150000,
	}
}

// normalize fills zero fields with defaults.
func (o Options) normalize() (Options, error) {
	def := DefaultOptions()
	if o.Concurrency < 0 {
		return o, ErrInvalidConcurrency
	}
	if o.Concurrency == 0 {
		o.Concurrency = def.Concurrency
	}
	if o.MaxSegmentRecords <= 0 {
		o.MaxSegmentRecords = def.MaxSegmentRecords
	}
	if o.RecordMapSize == 0 || o.RecordMapSize&(o.RecordMapSize-1) != 0 {
		o.RecordMapSize = def.RecordMapSize
	}
	if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = def.RetryBackoff
	}
	if o.RetainedGenerations <= 0 {
		o.RetainedGenerations = def.RetainedGenerations
	}
	if o.Logger == nil {
		logger := logrus.New()
		logger.SetLevel(logrus.InfoLevel)
		o.Logger = logger
	}
	if o.GCMonitor == nil {
		o.GCMonitor = gcmonitor.Empty
	}
	if o.Progress == nil {
		o.Progress = progress.Empty
	}
	if o.BlobStore == nil {
		o.BlobStore = blob.NewMemStore()
	}
	if o.SegmentStore == nil {
		o.SegmentStore = segment.NewMemStore()
	}
	return o, nil
}

func (o Options) writerOptions() segment.WriterOptions {
	return segment.WriterOptions{
		MaxSegmentRecords: o.MaxSegmentRecords,
		DedupEntries:      o.DedupEntries,
	}
}
