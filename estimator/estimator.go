// Package estimator implements the peak-rate estimator (§4.5): a low-pass
// filter over per-dispatch sector throughput that drives max_budget
// auto-tuning and the weight-raise duration, plus the device-speed
// classifier used to pick reference rates for rotational vs non-rotational
// devices.
package estimator

import "time"

// Rotational selects which reference-rate table a device's peak rate is
// compared against.
type Rotational bool

const (
	NonRotational Rotational = false
	IsRotational  Rotational = true
)

// Speed is the coarse device-speed classification driving §4.5's
// max_budget/weight-raise-duration recomputation.
type Speed int

const (
	SpeedSlow Speed = iota
	SpeedFast
)

func (s Speed) String() string {
	if s == SpeedFast {
		return "fast"
	}
	return "slow"
}

// refRate is a single (peak_rate, weight-raise duration) reference point, matching the
// original's R_slow/R_fast tables (original_source lines ~151-174).
type refRate struct {
	rate     int64 // sectors/sec, scaled by 1<<shift
	duration time.Duration
}

// DeviceSpeedThresholds holds the two reference points (index 0 = slow
// reference, index 1 = fast reference) per rotational class, used to
// interpolate RT_prod and classify a measured peak rate.
var DeviceSpeedThresholds = map[Rotational][2]refRate{
	NonRotational: {
		{rate: 44 << Shift, duration: 1000 * time.Millisecond},
		{rate: 76 << Shift, duration: 3000 * time.Millisecond},
	},
	IsRotational: {
		{rate: 12 << Shift, duration: 1000 * time.Millisecond},
		{rate: 44 << Shift, duration: 3000 * time.Millisecond},
	},
}

// Shift is the fixed-point scale applied to every rate computation in this
// package, matching the original's BFQ_RATE_SHIFT.
const Shift = 16

const (
	minThinkTime     = 2 * time.Millisecond
	seekThreshold    = 8 * 1024 // sectors within which a dispatch counts as sequential
	refInterval      = time.Second
	minSamples       = 32
	idleResetGap     = 100 * time.Millisecond
	maxPlausibleRate = int64(20_000_000) << Shift
)

// Sample is one dispatch observation fed to Update.
type Sample struct {
	Now         time.Time
	Sector      int64
	Sectors     int64
	InFlight    int // requests in flight at dispatch, including this one
}

// Estimator accumulates samples into an observation window and periodically
// refilters PeakRate (§4.5).
type Estimator struct {
	Rotational Rotational

	PeakRate int64 // sectors/sec, scaled by 1<<Shift
	MaxBudget int64
	WRDuration time.Duration

	windowStart   time.Time
	windowSectors int64
	windowSamples int
	seqSamples    int

	lastDispatch time.Time
	lastEnd      int64
	haveLast     bool

	baseTimeout time.Duration
}

// New creates an estimator seeded with an initial guess and the
// base_timeout used to derive max_budget from a peak-rate update.
func New(rot Rotational, initialPeakRate int64, baseTimeout time.Duration) *Estimator {
	e := &Estimator{Rotational: rot, PeakRate: initialPeakRate, baseTimeout: baseTimeout}
	e.MaxBudget = rateToBudget(initialPeakRate, baseTimeout)
	e.WRDuration = 3 * time.Second
	return e
}

func rateToBudget(rate int64, baseTimeout time.Duration) int64 {
	// sectors = rate(sectors/sec, scaled) * seconds / scale
	sec := baseTimeout.Seconds()
	return int64(float64(rate) * sec / (1 << Shift))
}

// Update feeds one dispatch sample. It returns true if a rate update (and
// consequent max_budget/WRDuration recomputation) fired.
func (e *Estimator) Update(s Sample) bool {
	idleGap := !e.lastDispatch.IsZero() && s.Now.Sub(e.lastDispatch) > idleResetGap
	if e.windowStart.IsZero() || (idleGap && s.InFlight <= 1) {
		e.windowStart = s.Now
		e.windowSectors = 0
		e.windowSamples = 0
		e.seqSamples = 0
	}

	sequential := false
	if e.haveLast {
		gap := s.Now.Sub(e.lastDispatch)
		closeInTime := s.InFlight > 1 || gap <= minThinkTime
		dist := s.Sector - e.lastEnd
		if dist < 0 {
			dist = -dist
		}
		sequential = closeInTime && dist <= seekThreshold
	}

	e.windowSectors += s.Sectors
	e.windowSamples++
	if sequential {
		e.seqSamples++
	}

	e.lastDispatch = s.Now
	e.lastEnd = s.Sector + s.Sectors
	e.haveLast = true

	windowDur := s.Now.Sub(e.windowStart)
	if windowDur < refInterval || e.windowSamples < minSamples {
		return false
	}

	windowUs := float64(windowDur.Microseconds())
	if windowUs <= 0 {
		return false
	}
	raw := int64(float64(e.windowSectors) * float64(int64(1)<<Shift) / (windowUs / 1e6))

	seqRatio := float64(e.seqSamples) / float64(e.windowSamples)
	reject := (seqRatio < 0.75 && raw <= e.PeakRate) || raw > maxPlausibleRate
	if reject {
		e.resetWindow(s.Now)
		return false
	}

	weight := 9 * seqRatio * (windowUs / 1e6) / refInterval.Seconds()
	if weight > 8 {
		weight = 8
	}
	divisor := 10 - weight
	if divisor < 1 {
		divisor = 1
	}
	e.PeakRate = int64(float64(e.PeakRate)*(divisor-1)/divisor + float64(raw)/divisor)

	e.reclassify()
	e.resetWindow(s.Now)
	return true
}

func (e *Estimator) resetWindow(now time.Time) {
	e.windowStart = now
	e.windowSectors = 0
	e.windowSamples = 0
	e.seqSamples = 0
}

// reclassify recomputes MaxBudget and WRDuration from the current PeakRate,
// per §4.5's "after update" step.
func (e *Estimator) reclassify() {
	e.MaxBudget = rateToBudget(e.PeakRate, e.baseTimeout)

	refs := DeviceSpeedThresholds[e.Rotational]
	lo, hi := refs[0], refs[1]
	var dur time.Duration
	switch {
	case e.PeakRate <= lo.rate:
		dur = lo.duration
	case e.PeakRate >= hi.rate:
		dur = hi.duration
	default:
		frac := float64(e.PeakRate-lo.rate) / float64(hi.rate-lo.rate)
		dur = lo.duration + time.Duration(frac*float64(hi.duration-lo.duration))
	}
	if dur < 3*time.Second {
		dur = 3 * time.Second
	}
	if dur > 13*time.Second {
		dur = 13 * time.Second
	}
	e.WRDuration = dur
}

// Classify reports the coarse device-speed class for the current peak rate.
func (e *Estimator) Classify() Speed {
	refs := DeviceSpeedThresholds[e.Rotational]
	if e.PeakRate >= refs[1].rate {
		return SpeedFast
	}
	return SpeedSlow
}
