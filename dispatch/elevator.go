// Package dispatch implements the dispatch engine (§4.3): it drives an
// in-service stream to completion request by request, applying the
// forward-preferred elevator with short-backward-seek penalty, charging the
// stream's budget, and handing control to the idle-slice decision once a
// stream's sort list empties.
package dispatch

import (
	"math"
	"sort"

	"github.com/virtfair/bfq/stream"
)

// distance scores how far a candidate request at (sector, sectors) sits from
// the last dispatched position, under the reorder policy of §4.3: forward
// moves cost their raw distance; short backward seeks (≤ backMax) cost
// backPenalty × distance; longer backward seeks are disqualified.
func distance(last, sector, backMax, backPenalty int64) int64 {
	if sector >= last {
		return sector - last
	}
	back := last - sector
	if back > backMax {
		return math.MaxInt64
	}
	return back * backPenalty
}

// choose picks the preferred of two candidate requests per §4.3's reorder
// policy: sync over async, then meta over non-meta, then smaller elevator
// distance from last. Either argument may be nil.
func choose(last int64, a, b *stream.Request, backMax, backPenalty int64) *stream.Request {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	if a.Sync != b.Sync {
		if a.Sync {
			return a
		}
		return b
	}
	if a.Meta != b.Meta {
		if a.Meta {
			return a
		}
		return b
	}
	da := distance(last, a.Sector, backMax, backPenalty)
	db := distance(last, b.Sector, backMax, backPenalty)
	if da <= db {
		return a
	}
	return b
}

// NextRequest implements the `next_rq` half of §4.3 step 2: the
// position-ordered head adjusted by the elevator's reorder policy. It looks
// at the two requests immediately straddling the last dispatched sector in
// s's sector-ordered pending list and returns whichever the policy prefers.
func NextRequest(s *stream.Stream, last int64, backMax, backPenalty int64) *stream.Request {
	pending := s.Pending()
	if len(pending) == 0 {
		return nil
	}
	i := sort.Search(len(pending), func(i int) bool { return pending[i].Sector >= last })

	var before, after *stream.Request
	if i > 0 {
		before = pending[i-1]
	}
	if i < len(pending) {
		after = pending[i]
	}
	return choose(last, before, after, backMax, backPenalty)
}
