package bfq

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/virtfair/bfq/internal/clock"
)

// Config holds the scheduler's tunables (§6), with the original's defaults.
// Build one with New(opts...)'s functional options rather than by literal
// construction: New starts from defaultConfig's values and applies the
// options over them.
type Config struct {
	FifoExpireSync  time.Duration
	FifoExpireAsync time.Duration
	BackSeekMax     int64 // sectors
	BackSeekPenalty int64
	SliceIdle       time.Duration
	MaxBudget       int64 // sectors; 0 => auto from peak-rate estimator
	TimeoutSync     time.Duration
	StrictGuarantees bool
	LowLatency      bool

	WRCoeff            float64
	WRMaxTime          time.Duration // 0 => auto from peak rate
	WRRTMaxTime        time.Duration
	WRMinIdleTime      time.Duration
	WRMinInterArrAsync time.Duration
	WRMaxSoftRTRate    float64

	AsyncChargeFactor int64
	BurstInterval     time.Duration
	LargeBurstThresh  int
	Rotational        bool

	// DoubleChargeRaisedAsync resolves §9's open question on whether an
	// async stream that is itself weight-raised should still be double
	// charged while another weight-raised stream is busy. Whatever its
	// value, a raised async stream is charged its raw sector count, like
	// every weight-raised stream. The flag only decides whether that case
	// counts as a suppressed double charge: when false (the default) the
	// one-time debug notice is logged; when true it is not.
	DoubleChargeRaisedAsync bool

	// InitialPeakRate seeds the peak-rate estimator's first guess, in
	// sectors/sec. 0 selects the built-in conservative default. A caller
	// that knows its device's rough throughput (e.g. from a probe at
	// mount time) can seed closer to the truth so max_budget auto-tuning
	// converges in fewer observation windows.
	InitialPeakRate int64

	Logger zerolog.Logger

	// clock overrides the time source; nil selects clock.Real(). Only
	// exposed for simulation/testing via WithClock, never part of the
	// human-readable Tunables surface.
	clock clock.Clock
}

// Option configures a Config during New.
type Option func(*Config)

// defaultConfig mirrors the original module's defaults (§6).
func defaultConfig() Config {
	return Config{
		FifoExpireSync:     250 * time.Millisecond,
		FifoExpireAsync:    125 * time.Millisecond,
		BackSeekMax:        16384 * 2, // 16384 KiB in 512B sectors
		BackSeekPenalty:    2,
		SliceIdle:          8 * time.Millisecond,
		MaxBudget:          0,
		TimeoutSync:        125 * time.Millisecond,
		StrictGuarantees:   false,
		LowLatency:         true,
		WRCoeff:            30,
		WRMaxTime:          0,
		WRRTMaxTime:        300 * time.Millisecond,
		WRMinIdleTime:      2000 * time.Millisecond,
		WRMinInterArrAsync: 500 * time.Millisecond,
		WRMaxSoftRTRate:    7000,
		AsyncChargeFactor:  10,
		BurstInterval:      8 * time.Millisecond,
		LargeBurstThresh:   8,
		Rotational:         false,
		Logger:             zerolog.Nop(),
	}
}

func WithSliceIdle(d time.Duration) Option        { return func(c *Config) { c.SliceIdle = d } }
func WithStrictGuarantees(v bool) Option          { return func(c *Config) { c.StrictGuarantees = v } }
func WithLowLatency(v bool) Option                { return func(c *Config) { c.LowLatency = v } }
func WithMaxBudget(sectors int64) Option          { return func(c *Config) { c.MaxBudget = sectors } }
func WithBackSeek(max int64, penalty int64) Option {
	return func(c *Config) { c.BackSeekMax, c.BackSeekPenalty = max, penalty }
}
func WithAsyncChargeFactor(f int64) Option { return func(c *Config) { c.AsyncChargeFactor = f } }
func WithWRCoeff(coeff float64) Option     { return func(c *Config) { c.WRCoeff = coeff } }
func WithRotational(v bool) Option         { return func(c *Config) { c.Rotational = v } }
func WithLogger(l zerolog.Logger) Option   { return func(c *Config) { c.Logger = l } }
func WithFifoExpire(sync, async time.Duration) Option {
	return func(c *Config) { c.FifoExpireSync, c.FifoExpireAsync = sync, async }
}

// WithDoubleChargeRaisedAsync overrides the §9 open-question default (see
// Config.DoubleChargeRaisedAsync).
func WithDoubleChargeRaisedAsync(v bool) Option {
	return func(c *Config) { c.DoubleChargeRaisedAsync = v }
}

// WithClock overrides the scheduler's time source, for simulation harnesses
// and tests that need to fast-forward idle/burst/peak-rate windows rather
// than sleeping wall-clock time.
func WithClock(clk clock.Clock) Option { return func(c *Config) { c.clock = clk } }

// WithInitialPeakRate seeds the peak-rate estimator's first guess (sectors/sec).
func WithInitialPeakRate(sectorsPerSec int64) Option {
	return func(c *Config) { c.InitialPeakRate = sectorsPerSec }
}

func (c Config) validate() error {
	if c.BackSeekMax < 0 {
		return fmt.Errorf("bfq: back seek max must be non-negative, got %d", c.BackSeekMax)
	}
	if c.AsyncChargeFactor < 1 {
		return fmt.Errorf("bfq: async charge factor must be >= 1, got %d", c.AsyncChargeFactor)
	}
	if c.WRCoeff < 1 {
		return fmt.Errorf("bfq: wr_coeff must be >= 1, got %f", c.WRCoeff)
	}
	if c.LargeBurstThresh < 1 {
		return fmt.Errorf("bfq: large burst threshold must be >= 1, got %d", c.LargeBurstThresh)
	}
	return nil
}

// Tunables exposes the human-readable tunable surface of §6.
func (c Config) Tunables() map[string]string {
	return map[string]string{
		"fifo_expire_sync":       c.FifoExpireSync.String(),
		"fifo_expire_async":      c.FifoExpireAsync.String(),
		"back_seek_max":          fmt.Sprintf("%d", c.BackSeekMax),
		"back_seek_penalty":      fmt.Sprintf("%d", c.BackSeekPenalty),
		"slice_idle":             c.SliceIdle.String(),
		"max_budget":             fmt.Sprintf("%d", c.MaxBudget),
		"timeout_sync":           c.TimeoutSync.String(),
		"strict_guarantees":      fmt.Sprintf("%t", c.StrictGuarantees),
		"low_latency":            fmt.Sprintf("%t", c.LowLatency),
		"wr_coeff":               fmt.Sprintf("%g", c.WRCoeff),
		"wr_max_time":            c.WRMaxTime.String(),
		"wr_rt_max_time":         c.WRRTMaxTime.String(),
		"wr_min_idle_time":       c.WRMinIdleTime.String(),
		"wr_min_inter_arr_async": c.WRMinInterArrAsync.String(),
		"wr_max_softrt_rate":     fmt.Sprintf("%g", c.WRMaxSoftRTRate),
	}
}
