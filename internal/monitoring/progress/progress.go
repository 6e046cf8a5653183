// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package progress tracks how far a compaction pass has come.
//
// The compactor reports every node, property and binary it has written. A
// NodeWriteMonitor counts these events with atomics and estimates completion
// from the node count of the previous pass, logging a progress line through a
// GC monitor every LogInterval nodes.
//
// # Thread Safety
//
// All monitors in this package are safe for concurrent use by compaction
// workers. Callers never need external locking.
package progress

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kianostad/segcompact/internal/monitoring/gcmonitor"
)

// Monitor receives write events of a compaction pass.
type Monitor interface {
	// Init starts a pass. expectedNodes is the size of the previous pass, or
	// 0 when unknown.
	Init(expectedNodes uint64)
	OnNode()
	OnProperty()
	OnBinary()
	// Finished ends the pass, whether it completed or not.
	Finished()
}

type empty struct{}

func (empty) Init(uint64) {}
func (empty) OnNode()     {}
func (empty) OnProperty() {}
func (empty) OnBinary()   {}
func (empty) Finished()   {}

// Empty ignores all events.
var Empty Monitor = empty{}

// Stats is a snapshot of a NodeWriteMonitor.
type Stats struct {
	Nodes      uint64
	Properties uint64
	Binaries   uint64
	Expected   uint64
	Running    bool
	Elapsed    time.Duration
	// Percentage is the estimated completion in [0, 100], or -1 when no
	// estimate is available.
	Percentage int
}

// NodeWriteMonitor counts written records and estimates completion.
type NodeWriteMonitor struct {
	logInterval uint64
	gc          gcmonitor.Monitor
	now         func() time.Time

	nodes      atomic.Uint64
	properties atomic.Uint64
	binaries   atomic.Uint64
	expected   atomic.Uint64
	running    atomic.Bool
	start      atomic.Int64
	finish     atomic.Int64
}

// NewNodeWriteMonitor creates a monitor logging progress through gc every
// logInterval nodes. A logInterval of 0 disables progress logging.
func NewNodeWriteMonitor(logInterval uint64, gc gcmonitor.Monitor) *NodeWriteMonitor {
	if gc == nil {
		gc = gcmonitor.Empty
	}
	return &NodeWriteMonitor{logInterval: logInterval, gc: gc, now: time.Now}
}

func (m *NodeWriteMonitor) Init(expectedNodes uint64) {
	m.nodes.Store(0)
	m.properties.Store(0)
	m.binaries.Store(0)
	m.expected.Store(expectedNodes)
	m.start.Store(m.now().UnixNano())
	m.finish.Store(0)
	m.running.Store(true)
	if expectedNodes > 0 {
		m.gc.Info("estimated number of nodes to compact is %d", expectedNodes)
	} else {
		m.gc.Info("unable to estimate number of nodes for compaction estimation")
	}
}

func (m *NodeWriteMonitor) OnNode() {
	n := m.nodes.Add(1)
	if m.logInterval > 0 && n%m.logInterval == 0 {
		s := m.Stats()
		m.gc.Info("compacted %d nodes, %d properties, %d binaries in %s. %s",
			s.Nodes, s.Properties, s.Binaries, s.Elapsed, percentageText(s.Percentage))
	}
}

func (m *NodeWriteMonitor) OnProperty() { m.properties.Add(1) }

func (m *NodeWriteMonitor) OnBinary() { m.binaries.Add(1) }

func (m *NodeWriteMonitor) Finished() {
	m.finish.Store(m.now().UnixNano())
	m.running.Store(false)
}

// EstimatedPercentage returns the estimated completion in [0, 100], or -1
// when the expected size is unknown. It never reports 100 while running.
func (m *NodeWriteMonitor) EstimatedPercentage() int {
	expected := m.expected.Load()
	if !m.running.Load() {
		if m.nodes.Load() > 0 {
			return 100
		}
		return -1
	}
	if expected == 0 {
		return -1
	}
	p := int(m.nodes.Load() * 100 / expected)
	if p > 99 {
		p = 99
	}
	return p
}

// Stats returns a snapshot of the counters.
func (m *NodeWriteMonitor) Stats() Stats {
	s := Stats{
		Nodes:      m.nodes.Load(),
		Properties: m.properties.Load(),
		Binaries:   m.binaries.Load(),
		Expected:   m.expected.Load(),
		Running:    m.running.Load(),
		Percentage: m.EstimatedPercentage(),
	}
	if start := m.start.Load(); start != 0 {
		end := m.finish.Load()
		if end == 0 {
			end = m.now().UnixNano()
		}
		s.Elapsed = time.Duration(end - start)
	}
	return s
}

func percentageText(p int) string {
	if p < 0 {
		return "Estimated completion unknown."
	}
	return fmt.Sprintf("Estimated completion %d%%.", p)
}

type multi []Monitor

// Multi forwards events to each of monitors.
func Multi(monitors ...Monitor) Monitor {
	var m multi
	for _, mon := range monitors {
		if mon != nil && mon != Empty {
			m = append(m, mon)
		}
	}
	switch len(m) {
	case 0:
		return Empty
	case 1:
		return m[0]
	}
	return m
}

func (m multi) Init(expected uint64) {
	for _, mon := range m {
		mon.Init(expected)
	}
}

func (m multi) OnNode() {
	for _, mon := range m {
		mon.OnNode()
	}
}

func (m multi) OnProperty() {
	for _, mon := range m {
		mon.OnProperty()
	}
}

func (m multi) OnBinary() {
	for _, mon := range m {
		mon.OnBinary()
	}
}

func (m multi) Finished() {
	for _, mon := range m {
		mon.Finished()
	}
}
