// Package scenario reproduces the end-to-end scenarios of §8 (S1-S6)
// against an in-process bfq.Scheduler, for bfqsim to run and report on.
package scenario

import (
	"fmt"
	"io"
	"sort"

	"github.com/rs/zerolog"

	bfq "github.com/virtfair/bfq"
	"github.com/virtfair/bfq/internal/clock"
	"github.com/virtfair/bfq/stream"
)

// Report summarizes one scenario run's per-stream dispatched sectors.
type Report struct {
	Scenario string
	Note     string
	Streams  []StreamStat
}

// StreamStat is one stream's tally in a Report.
type StreamStat struct {
	Name             string
	DispatchedCount  int64
	DispatchedSectors int64
	WeightRaised     bool
}

// Print writes a human-readable table to w.
func (r Report) Print(w io.Writer) {
	fmt.Fprintf(w, "scenario %s\n", r.Scenario)
	if r.Note != "" {
		fmt.Fprintf(w, "  %s\n", r.Note)
	}
	for _, s := range r.Streams {
		fmt.Fprintf(w, "  %-12s requests=%-6d sectors=%-8d weight_raised=%t\n", s.Name, s.DispatchedCount, s.DispatchedSectors, s.WeightRaised)
	}
}

// Scenario is one runnable named workload.
type Scenario struct {
	Name        string
	Description string
	Run         func(verbose bool, dispatches int) (Report, error)
}

func newScheduler(verbose bool, clk *clock.Manual, extra ...bfq.Option) (*bfq.Scheduler, error) {
	opts := []bfq.Option{bfq.WithClock(clk)}
	if verbose {
		opts = append(opts, bfq.WithLogger(zerolog.New(io.Discard).Level(zerolog.DebugLevel)))
	}
	opts = append(opts, extra...)
	return bfq.New(opts...)
}

// All returns every registered scenario, sorted by name.
func All() []Scenario {
	out := make([]Scenario, 0, len(registry))
	for _, s := range registry {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup finds a scenario by name (case-sensitive, matching `bfqsim list`).
func Lookup(name string) (Scenario, bool) {
	s, ok := registry[name]
	return s, ok
}

var registry = map[string]Scenario{
	"s1": {Name: "s1", Description: "symmetric two-stream fairness", Run: runS1},
	"s2": {Name: "s2", Description: "async throttling vs a sync stream", Run: runS2},
	"s3": {Name: "s3", Description: "interactive boost preempts a backlogged stream", Run: runS3},
	"s4": {Name: "s4", Description: "large-burst suppression of weight raising", Run: runS4},
	"s5": {Name: "s5", Description: "cooperator merge of two interleaved streams", Run: runS5},
	"s6": {Name: "s6", Description: "peak-rate adaptation from a sequential burst", Run: runS6},
}

func statOf(name string, s *stream.Stream, consumed int64) StreamStat {
	return StreamStat{
		Name:              name,
		DispatchedCount:   s.DispatchedCount,
		DispatchedSectors: consumed,
		WeightRaised:      s.IsWeightRaised(),
	}
}

// enqueueN enqueues n requests of sectorSize sectors each, spaced sectorStride
// apart starting at startSector, and returns them in enqueue order.
func enqueueN(sch *bfq.Scheduler, icq *bfq.ICQ, sync bool, startSector, sectorStride, sectorSize int64, n int) []*stream.Request {
	reqs := make([]*stream.Request, n)
	sector := startSector
	for i := 0; i < n; i++ {
		req := &stream.Request{ID: uint64(i), Sector: sector, Sectors: sectorSize, Sync: sync}
		sch.OnEnqueue(icq, req, sync)
		reqs[i] = req
		sector += sectorStride
	}
	return reqs
}

// drain dispatches up to n requests (or until the scheduler has nothing left
// to offer), completing each immediately, and tallies sectors per owner name
// via the given ownership map.
func drain(sch *bfq.Scheduler, n int, owner map[*stream.Request]string) (counts, sectors map[string]int64) {
	counts = map[string]int64{}
	sectors = map[string]int64{}
	for i := 0; i < n; i++ {
		req := sch.OnDispatch()
		if req == nil {
			break
		}
		sch.OnCompletion(req)
		name := owner[req]
		counts[name]++
		sectors[name] += req.Sectors
	}
	return counts, sectors
}
