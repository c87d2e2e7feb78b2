// Package cooperator implements the cooperator detector and queue merger
// (§4.7): recognizing when two sync streams are reading/writing
// interleaved but nearby regions of the same device (e.g. two threads
// cooperating on one file) and redirecting one into the other so they
// share a single schedulable entity instead of competing for bandwidth.
package cooperator

import (
	"time"

	"github.com/virtfair/bfq/stream"
)

// CloseThresholdSectors is close_thr from §4.7: 8 MiB in 512-byte sectors.
const CloseThresholdSectors = 8 * 1024 * 1024 / 512

// MinRaiseAge is the longest a stream may have been weight-raised and still
// be eligible to cooperate ("neither is weight-raised-from-too-long"): a
// raised stream whose raising started more than this long ago is not
// eligible.
const MinRaiseAge = 100 * time.Millisecond

// Eligible implements §4.7 step 3's acceptance predicate for a pair of
// streams, excluding the distance check (callers perform that via
// PositionTree.Nearest before calling Eligible).
func Eligible(a, b *stream.Stream, now time.Time, raiseStarted map[*stream.Stream]time.Time) bool {
	if a == b {
		return false
	}
	if a.IsFallback() || b.IsFallback() {
		return false
	}
	if !a.Sync || !b.Sync {
		return false
	}
	if a.Seeky() || b.Seeky() {
		return false
	}
	if a.Class != b.Class {
		return false
	}
	if a.Header.Parent != b.Header.Parent {
		return false
	}
	if raisedTooLong(a, now, raiseStarted) || raisedTooLong(b, now, raiseStarted) {
		return false
	}
	return true
}

func raisedTooLong(s *stream.Stream, now time.Time, raiseStarted map[*stream.Stream]time.Time) bool {
	if !s.IsWeightRaised() {
		return false
	}
	started, ok := raiseStarted[s]
	if !ok {
		return false
	}
	return now.Sub(started) > MinRaiseAge
}

// Merger coordinates the position tree and cooperation bookkeeping for one
// scheduling domain.
type Merger struct {
	Positions    *PositionTree
	RaiseStarted map[*stream.Stream]time.Time

	nodes map[*stream.Stream]*posNode
}

// NewMerger creates a merger backed by a fresh position tree.
func NewMerger() *Merger {
	return &Merger{
		Positions:    NewPositionTree(),
		RaiseStarted: make(map[*stream.Stream]time.Time),
		nodes:        make(map[*stream.Stream]*posNode),
	}
}

// Track records or repositions s's next-request sector in the position
// tree, called whenever a stream's next_rq changes.
func (m *Merger) Track(s *stream.Stream) {
	if s.NextRequest == nil {
		m.Untrack(s)
		return
	}
	m.Untrack(s)
	m.nodes[s] = m.Positions.Insert(s.NextRequest.Sector, s)
}

// Untrack removes s from the position tree.
func (m *Merger) Untrack(s *stream.Stream) {
	if n, ok := m.nodes[s]; ok {
		m.Positions.Remove(n)
		delete(m.nodes, s)
	}
}

// FindCooperator implements §4.7 steps 1-3: given the arriving stream s and
// the currently in-service stream (which may be nil), it returns the best
// eligible cooperation candidate, or nil. lastSector is the device's most
// recently dispatched sector (bfqd->last_position in the grounding original),
// used to judge closeness to the in-service candidate — not that candidate's
// own next pending request, which may sit far from where the device head
// actually is right now.
func (m *Merger) FindCooperator(s *stream.Stream, inService *stream.Stream, lastSector int64, now time.Time) *stream.Stream {
	if s.NextRequest == nil {
		return nil
	}
	target := s.NextRequest.Sector

	var best *stream.Stream
	var bestDist int64 = CloseThresholdSectors + 1

	if cand, dist, ok := m.Positions.Nearest(target); ok && dist <= CloseThresholdSectors {
		if Eligible(s, cand, now, m.RaiseStarted) {
			best, bestDist = cand, dist
		}
	}

	if inService != nil && inService != s {
		d := lastSector - target
		if d < 0 {
			d = -d
		}
		if d <= CloseThresholdSectors && d < bestDist && Eligible(s, inService, now, m.RaiseStarted) {
			best = inService
		}
	}
	return best
}

// Merge redirects origin to candidate: all future requests belonging to
// origin's owner should be steered to candidate (the caller's I/O-context
// layer is responsible for that redirection once CooperatorChain is set).
// If origin is weight-raised and candidate is not, candidate inherits the
// raise.
func Merge(origin, candidate *stream.Stream) {
	origin.CooperatorChain = candidate
	if origin.IsWeightRaised() && !candidate.IsWeightRaised() {
		candidate.WRCoeff = origin.WRCoeff
		candidate.WRDeadline = origin.WRDeadline
		candidate.Header.Weight = candidate.EffectiveWeight()
	}
	candidate.MarkShared()
	origin.MarkRedirected()
	candidate.AddProcessRef()
}

// Split detaches a previously merged stream once it is observed to have
// become seeky (§4.7 "Split the merge"): the caller constructs a fresh
// Stream for the redirected I/O-context and restores the saved
// idle-window/weight-raising state onto it; this function only flags the
// origin so the redirection is not reused.
func Split(origin *stream.Stream) {
	if candidate := origin.CooperatorChain; candidate != nil {
		candidate.ReleaseProcessRef()
	}
	origin.SplitCoop = true
	origin.CooperatorChain = nil
}
