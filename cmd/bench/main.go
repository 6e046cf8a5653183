// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main benchmarks compaction of a generated tree at several
// concurrency levels.
//
// The tool writes one synthetic tree into a segment store, then compacts it
// once per concurrency level into a fresh generation. Every copy is compared
// with the source tree, so the run also checks that the parallel compactor
// produces the same content as the sequential one.
//
// # Usage
//
// Run with the defaults:
//
//	go run ./cmd/bench
//
// Compact a deeper tree with a shared writer pool into a bbolt file:
//
//	go run ./cmd/bench --depth 6 --fanout 6 --pool shared --db /tmp/bench.db
//
// Print the collected metrics in Prometheus text format:
//
//	go run ./cmd/bench --prometheus
//
// # Flags
//
//	--depth       levels below the root (default 4)
//	--fanout      children per node (default 6)
//	--props       scalar properties per node (default 4)
//	--blobs       distinct blobs referenced by binary properties (default 16)
//	--levels      concurrency levels to run (default 1,2,4,8,16)
//	--pool        writer pool, shared or thread-specific (default thread-specific)
//	--db          bbolt file to write segments to, in memory when empty
//	--timeout     cancel a pass after this long, 0 disables
//	--prometheus  print metrics in Prometheus text format at the end
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kianostad/segcompact/internal/concurrency/cancel"
	"github.com/kianostad/segcompact/internal/concurrency/generation"
	core "github.com/kianostad/segcompact/internal/core"
	"github.com/kianostad/segcompact/internal/monitoring/metrics"
	"github.com/kianostad/segcompact/internal/storage/blob"
	"github.com/kianostad/segcompact/internal/storage/segment"
	"github.com/kianostad/segcompact/internal/storage/writerpool"
)

type bench struct {
	depth      int
	fanout     int
	props      int
	blobs      int
	levels     []int
	pool       string
	db         string
	timeout    time.Duration
	prometheus bool
	verbose    bool
}

func main() {
	b := &bench{}
	root := &cobra.Command{
		Use:   "bench",
		Short: "benchmark tree compaction at several concurrency levels",
		Long: `
Write a generated tree into a segment store and compact it once per
concurrency level. Each copy is checked against the source tree.
`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          b.run,
	}

	flags := root.Flags()
	flags.IntVar(&b.depth, "depth", 4, "levels below the root")
	flags.IntVar(&b.fanout, "fanout", 6, "children per node")
	flags.IntVar(&b.props, "props", 4, "scalar properties per node")
	flags.IntVar(&b.blobs, "blobs", 16, "distinct blobs referenced by binary properties")
	flags.IntSliceVar(&b.levels, "levels", []int{1, 2, 4, 8, 16}, "concurrency levels")
	flags.StringVar(&b.pool, "pool", "thread-specific", "writer pool type: shared or thread-specific")
	flags.StringVar(&b.db, "db", "", "bbolt file for segments, in memory when empty")
	flags.DurationVar(&b.timeout, "timeout", 0, "cancel a pass after this long")
	flags.BoolVar(&b.prometheus, "prometheus", false, "print metrics in Prometheus text format")
	flags.BoolVarP(&b.verbose, "verbose", "v", false, "log compaction progress")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bench: %+v\n", err)
		os.Exit(1)
	}
}

func (b *bench) run(*cobra.Command, []string) error {
	ctx := context.Background()

	poolType, err := writerpool.ParseType(b.pool)
	if err != nil {
		return err
	}
	for _, n := range b.levels {
		if n < 1 {
			return errors.Wrapf(core.ErrInvalidConcurrency, "level %d", n)
		}
	}

	var segments segment.Store = segment.NewMemStore()
	if b.db != "" {
		bs, err := segment.OpenBoltStore(b.db)
		if err != nil {
			return err
		}
		segments = bs
	}
	defer segments.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	if b.verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	m := metrics.NewMetrics()
	defer m.Close()

	blobs := blob.NewMemStore()
	tree := b.generate(blobs)
	reader := segment.NewReader(segments)

	fmt.Printf("Generated tree: depth=%d fanout=%d props=%d blobs=%d\n", b.depth, b.fanout, b.props, b.blobs)

	opts := core.DefaultOptions()
	opts.PoolType = poolType
	opts.Logger = logger
	opts.Metrics = m
	opts.Progress = m
	opts.BlobStore = blobs

	writer, err := core.NewCompactor(segments, reader, opts)
	if err != nil {
		return err
	}
	start := time.Now()
	src, err := writer.CompactNode(ctx, tree.State(), generation.NewTag(0, 0, false), cancel.Never())
	if err != nil {
		return errors.Wrap(err, "write source tree")
	}
	fmt.Printf("Source written in %v: %d nodes, %d properties, %d binaries\n\n",
		time.Since(start), src.Stats.Nodes, src.Stats.Properties, src.Stats.Binaries)

	source, err := reader.ReadNode(src.Root)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "workers\tunits\tnodes\tsegments\tdedup\tduration\tnodes/s\tequal\t")
	for i, n := range b.levels {
		opts.Concurrency = n
		pc, err := core.NewParallelCompactor(segments, reader, opts)
		if err != nil {
			return err
		}

		var canceller cancel.Canceller = cancel.Context(ctx)
		if b.timeout > 0 {
			canceller = cancel.WithTimeout(canceller, b.timeout, time.Now)
		}

		tag := generation.NewTag(int32(i+1), int32(i+1), true)
		start := time.Now()
		res, err := pc.Compact(ctx, src.Root, tag, canceller)
		elapsed := time.Since(start)
		m.RecordPass(outcome(res, err), elapsed)
		if err != nil {
			return errors.Wrapf(err, "compact with %d workers", n)
		}
		if res.Incomplete {
			fmt.Fprintf(w, "%d\t-\t-\t-\t-\t%v\t-\t%s\t\n", n, elapsed.Round(time.Microsecond), res.Reason)
			continue
		}

		copied, err := reader.ReadNode(res.Root)
		if err != nil {
			return err
		}
		equal, err := segment.Equal(source, copied)
		if err != nil {
			return err
		}
		rate := float64(res.Stats.Nodes) / elapsed.Seconds()
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%v\t%.0f\t%t\t\n",
			n, res.Stats.Units, res.Stats.Nodes, res.Stats.Writer.Segments, res.Stats.Writer.DedupHits,
			elapsed.Round(time.Microsecond), rate, equal)
		if !equal {
			w.Flush()
			return errors.Newf("copy with %d workers differs from the source tree", n)
		}
	}
	w.Flush()

	m.Sync()
	if b.prometheus {
		return printPrometheus(m)
	}
	stats := m.GetStats()
	fmt.Printf("\nPasses: %d completed, %d cancelled, %d failed; p95 %v\n",
		stats.Passes.Completed, stats.Passes.Cancelled, stats.Passes.Failed, stats.PassLatency.P95)
	return nil
}

// generate builds a tree with the configured shape. Binary properties cycle
// through a fixed set of blobs so that dedup has something to find.
func (b *bench) generate(blobs *blob.MemStore) *segment.MemNode {
	ids := make([]blob.ID, b.blobs)
	for i := range ids {
		ids[i] = blobs.Put([]byte(strings.Repeat(fmt.Sprintf("blob-%d.", i), 64)))
	}

	var next int
	var build func(path string, depth int) *segment.MemNode
	build = func(path string, depth int) *segment.MemNode {
		n := segment.NewMemNode()
		n.Set("path", segment.StringValue(path))
		for p := 0; p < b.props; p++ {
			n.Set(fmt.Sprintf("p%d", p), segment.LongValue(int64(next*b.props+p)))
		}
		if len(ids) > 0 {
			n.Set("data", segment.BinaryValue(ids[next%len(ids)]))
		}
		next++
		if depth == 0 {
			return n
		}
		for c := 0; c < b.fanout; c++ {
			name := fmt.Sprintf("c%d", c)
			n.SetChild(name, build(path+"/"+name, depth-1))
		}
		return n
	}
	return build("", b.depth)
}

func outcome(res core.Result, err error) metrics.Outcome {
	switch {
	case err != nil:
		return metrics.OutcomeFailed
	case res.Incomplete:
		return metrics.OutcomeCancelled
	}
	return metrics.OutcomeCompleted
}

func printPrometheus(m *metrics.Metrics) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.NewCollector(m)); err != nil {
		return err
	}
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	fmt.Println()
	enc := expfmt.NewEncoder(os.Stdout, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
