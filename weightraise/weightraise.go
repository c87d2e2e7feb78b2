// Package weightraise implements the weight-raising controller (§4.6):
// detecting interactive and soft-real-time streams on their empty→busy
// transition and temporarily multiplying their weight so latency-sensitive
// workloads get a larger share of the device.
package weightraise

import (
	"time"

	"github.com/virtfair/bfq/stream"
)

// Config holds the controller's tunables (§4.6, §6).
type Config struct {
	Coeff              float64       // configured_coeff, default 30
	MinIdleTime        time.Duration // wr_min_idle_time
	MaxSoftRTRate      float64       // wr_max_softrt_rate
	RTMaxTime          time.Duration // wr_rt_max_time
	SoftRTWeightFactor float64       // SOFTRT_WEIGHT_FACTOR

	// MinInterArrivalAsync suppresses soft-real-time detection for
	// async-created streams arriving more often than this interval
	// (SUPPLEMENTED FEATURES item 5: wr_min_inter_arr_async).
	MinInterArrivalAsync time.Duration
}

// DefaultConfig matches the original's defaults.
func DefaultConfig() Config {
	return Config{
		Coeff:                30,
		MinIdleTime:          2 * time.Second,
		MaxSoftRTRate:        7000,
		RTMaxTime:            300 * time.Millisecond,
		SoftRTWeightFactor:   100,
		MinInterArrivalAsync: 500 * time.Millisecond,
	}
}

// IsInteractive implements §4.6's interactive predicate: the stream has
// never dispatched, has been idle longer than MinIdleTime, and is not
// presently part of a large I/O burst.
func IsInteractive(s *stream.Stream, now time.Time, cfg Config) bool {
	if s.DispatchedCount != 0 {
		return false
	}
	if s.InLargeBurst {
		return false
	}
	if s.LastIdleTime.IsZero() {
		return true
	}
	return now.Sub(s.LastIdleTime) > cfg.MinIdleTime
}

// IsSoftRealTime implements §4.6's soft-real-time predicate, guarded by the
// async inter-arrival suppression of SUPPLEMENTED FEATURES item 5.
func IsSoftRealTime(s *stream.Stream, now time.Time, cfg Config, lastArrival time.Time) bool {
	if s.InLargeBurst {
		return false
	}
	if s.LastIdleBacklogged.IsZero() {
		return false
	}
	if !s.Sync && !lastArrival.IsZero() && cfg.MinInterArrivalAsync > 0 {
		if now.Sub(lastArrival) < cfg.MinInterArrivalAsync {
			return false
		}
	}
	elapsed := now.Sub(s.LastIdleBacklogged)
	if elapsed <= 0 {
		return false
	}
	rate := float64(s.ServiceFromBacklogged) / elapsed.Seconds()
	return rate <= cfg.MaxSoftRTRate
}

// OnBusy implements §4.6's action table, called on a stream's empty→busy
// transition. wrDuration is the current estimator-derived weight-raise
// duration for interactive raising (§4.5).
func OnBusy(s *stream.Stream, now time.Time, cfg Config, wrDuration time.Duration, lastArrival time.Time) {
	interactive := IsInteractive(s, now, cfg)
	softRT := IsSoftRealTime(s, now, cfg, lastArrival)

	switch {
	case !s.IsWeightRaised() && (interactive || softRT):
		if softRT {
			s.WRCoeff = cfg.Coeff * cfg.SoftRTWeightFactor
			s.WRDeadline = now.Add(cfg.RTMaxTime)
		} else {
			s.WRCoeff = cfg.Coeff
			s.WRDeadline = now.Add(wrDuration)
		}
	case s.IsWeightRaised() && interactive:
		s.WRDeadline = now.Add(wrDuration)
	case s.IsWeightRaised() && s.InLargeBurst:
		Terminate(s)
	}
	s.Header.Weight = s.EffectiveWeight()
}

// Tick re-evaluates an already-raised stream's deadline, terminating
// raising once it has expired or the stream entered a large burst.
func Tick(s *stream.Stream, now time.Time) {
	if !s.IsWeightRaised() {
		return
	}
	if s.InLargeBurst || now.After(s.WRDeadline) {
		Terminate(s)
	}
	s.Header.Weight = s.EffectiveWeight()
}

// Terminate unconditionally drops a stream's weight raising.
func Terminate(s *stream.Stream) {
	s.WRCoeff = 1
	s.WRDeadline = time.Time{}
	s.Header.Weight = s.EffectiveWeight()
}
