// Package idle implements the idle-slice policy (§4.9): deciding whether an
// in-service stream that has just gone empty should hold its slot for a
// short grace period waiting for another nearby request, or expire
// immediately and let the next stream take over.
package idle

import (
	"time"

	"github.com/virtfair/bfq/ioprio"
	"github.com/virtfair/bfq/stream"
)

// Config holds the policy's tunables (§4.9, §6).
type Config struct {
	SliceIdle        time.Duration // default 8ms
	MinTT            time.Duration // default 2ms
	StrictGuarantees bool

	// SmallRequestSectors bounds the "lone request extends the wait"
	// coalescing behavior on idle-timer arrival (§4.9 last sentence).
	SmallRequestSectors int64
}

// DefaultConfig matches the original's defaults.
func DefaultConfig() Config {
	return Config{
		SliceIdle:           8 * time.Millisecond,
		MinTT:               2 * time.Millisecond,
		SmallRequestSectors: 32,
	}
}

// HWTagSource reports whether the device has been learned to be
// NCQ-capable (SUPPLEMENTED FEATURES item 3: the dispatch package's
// HWTagSampler).
type HWTagSource interface {
	NCQCapable() bool
}

// Policy evaluates the idle-slice decision for one scheduling domain.
type Policy struct {
	Config     Config
	Weights    *ioprio.WeightCounterTree // proves symmetry/asymmetry (§4.9, §3)
	HWTag      HWTagSource
	Rotational bool

	// AnyWeightRaisedBusy must be kept current by the caller for the
	// throughput-boost idling condition of §4.9.
	AnyWeightRaisedBusy bool
}

// symmetric reports whether the scheduling domain is currently symmetric:
// the weight-counter tree (when set) proves a single weight is in play,
// and no weight-raised stream is busy.
func (p *Policy) symmetric() bool {
	if p.Weights != nil && !p.Weights.Symmetric() {
		return false
	}
	return !p.AnyWeightRaisedBusy
}

// ShouldIdle implements dispatch.IdleDecider, matching §4.9's three-way
// predicate.
func (p *Policy) ShouldIdle(s *stream.Stream, now time.Time) (bool, time.Duration) {
	if !s.Sync {
		return false, 0
	}

	if !p.Config.StrictGuarantees {
		boostsThroughput := p.idlingBoostsThroughput(s) && !p.AnyWeightRaisedBusy
		neededForGuarantees := !p.symmetric() && !s.InLargeBurst
		if !boostsThroughput && !neededForGuarantees {
			return false, 0
		}
	}

	dur := p.Config.SliceIdle
	if s.Seeky() && !s.IsWeightRaised() && p.symmetric() {
		dur = p.Config.MinTT
	}
	return true, dur
}

func (p *Policy) idlingBoostsThroughput(s *stream.Stream) bool {
	ncqCapable := p.HWTag != nil && p.HWTag.NCQCapable()
	if !ncqCapable {
		return true
	}
	return p.Rotational && s.IOBound && s.IdleWindowEnabled
}

// ExtendOnSmallArrival implements §4.9's coalescing carve-out: a small lone
// request arriving while idling should extend the wait rather than cut it
// short, letting the block layer merge more work into the next dispatch.
func (p *Policy) ExtendOnSmallArrival(req *stream.Request) bool {
	return req.Sectors < p.Config.SmallRequestSectors
}
