// Package bfq is a proportional-share block I/O scheduler core: a B-WF2Q+
// virtual-time scheduler in the style of Linux's BFQ, operating purely on
// in-memory request handles under a caller-held lock (§1, §5). It owns no
// device, thread, or persistence layer; the producer (cmd/bfqsim for
// simulation, or a real block layer in a host integration) drives it
// through the operations in EXTERNAL INTERFACES.
package bfq

import (
	"time"

	"github.com/virtfair/bfq/burst"
	"github.com/virtfair/bfq/cooperator"
	"github.com/virtfair/bfq/dispatch"
	"github.com/virtfair/bfq/entity"
	"github.com/virtfair/bfq/estimator"
	"github.com/virtfair/bfq/idle"
	"github.com/virtfair/bfq/internal/clock"
	"github.com/virtfair/bfq/ioprio"
	"github.com/virtfair/bfq/stream"
	"github.com/virtfair/bfq/weightraise"
)

// Decision is may_queue's admission hint (§6).
type Decision int

const (
	DecisionMust Decision = iota
	DecisionMay
)

func (d Decision) String() string {
	if d == DecisionMust {
		return "MUST"
	}
	return "MAY"
}

// ICQ is a per-process I/O-context binding (§6: init_icq/exit_icq/
// check_ioprio_change), owning at most one sync and one async stream.
type ICQ struct {
	Owner any
	Class ioprio.Class
	Level int

	refCount int
	syncQ    *stream.Stream
	asyncQ   *stream.Stream
}

// Scheduler is the scheduling core for one device queue.
type Scheduler struct {
	cfg   Config
	clk   clock.Clock
	root  *entity.Group
	engine *dispatch.Engine

	estimator *estimator.Estimator
	wrConfig  weightraise.Config
	burstDet  *burst.Detector
	merger    *cooperator.Merger
	idlePol   *idle.Policy
	weights   *ioprio.WeightCounterTree
	hwTag     *dispatch.HWTagSampler

	fallback *stream.Stream

	nextStreamID uint64
	inFlight     int

	icqs map[*ICQ]struct{}

	// loggedSuppressedCharge tracks which streams have already had their
	// one-time §9 suppressed-double-charge notice logged.
	loggedSuppressedCharge map[*stream.Stream]struct{}
}

// New constructs a Scheduler, applying opts over the documented defaults.
// Construction is the one place this package returns an error (config
// validation); every scheduling operation thereafter always succeeds (§7).
func New(opts ...Option) (*Scheduler, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	root := entity.NewRootGroup()
	clk := cfg.clock
	if clk == nil {
		clk = clock.Real()
	}
	initRate := int64(10) << estimator.Shift
	if cfg.InitialPeakRate > 0 {
		initRate = cfg.InitialPeakRate << estimator.Shift
	}
	est := estimator.New(estimator.Rotational(cfg.Rotational), initRate, cfg.TimeoutSync)
	if cfg.MaxBudget > 0 {
		est.MaxBudget = cfg.MaxBudget
	}

	weights := ioprio.NewWeightCounterTree()
	hwTag := dispatch.NewHWTagSampler()
	idlePol := &idle.Policy{
		Config: idle.Config{
			SliceIdle:           cfg.SliceIdle,
			MinTT:               2 * time.Millisecond,
			StrictGuarantees:    cfg.StrictGuarantees,
			SmallRequestSectors: 32,
		},
		Weights:    weights,
		HWTag:      hwTag,
		Rotational: cfg.Rotational,
	}

	engine := dispatch.NewEngine(root, clk, dispatch.Config{
		BackMax:                 cfg.BackSeekMax,
		BackPenalty:             cfg.BackSeekPenalty,
		BaseTimeout:             cfg.TimeoutSync,
		AsyncChargeFactor:       cfg.AsyncChargeFactor,
		MaxBudget:               est.MaxBudget,
		MinBudget:               stream.MinBudget(est.MaxBudget),
		DoubleChargeRaisedAsync: cfg.DoubleChargeRaisedAsync,
	})
	engine.Idle = idlePol

	wrCfg := weightraise.Config{
		Coeff:                cfg.WRCoeff,
		MinIdleTime:          cfg.WRMinIdleTime,
		MaxSoftRTRate:        cfg.WRMaxSoftRTRate,
		RTMaxTime:            cfg.WRRTMaxTime,
		SoftRTWeightFactor:   100,
		MinInterArrivalAsync: cfg.WRMinInterArrAsync,
	}

	s := &Scheduler{
		cfg:                    cfg,
		clk:                    clk,
		root:                   root,
		engine:                 engine,
		estimator:              est,
		wrConfig:               wrCfg,
		burstDet:               burst.NewDetector(cfg.BurstInterval, cfg.LargeBurstThresh),
		merger:                 cooperator.NewMerger(),
		idlePol:                idlePol,
		weights:                weights,
		hwTag:                  hwTag,
		icqs:                   make(map[*ICQ]struct{}),
		loggedSuppressedCharge: make(map[*stream.Stream]struct{}),
	}
	engine.OnSuppressedDoubleCharge = s.logSuppressedDoubleCharge

	s.fallback = stream.New(0, nil, ioprio.ClassBestEffort, ioprio.DefaultLevel, true)
	s.fallback.Fallback = true
	s.fallback.Header.Parent = root

	cfg.Logger.Debug().Msg("scheduler initialized")
	return s, nil
}

// Tunables exposes the configured tunable surface (§6).
func (s *Scheduler) Tunables() map[string]string { return s.cfg.Tunables() }

// PeakRateSectorsPerSecond reports the estimator's current filtered peak
// rate, descaled from its internal fixed-point representation (§4.5).
func (s *Scheduler) PeakRateSectorsPerSecond() float64 {
	return float64(s.estimator.PeakRate) / float64(int64(1)<<estimator.Shift)
}

// InitICQ creates a fresh per-process I/O-context binding (§6: init_icq).
func (s *Scheduler) InitICQ(owner any, class ioprio.Class, level int) *ICQ {
	icq := &ICQ{Owner: owner, Class: class, Level: level, refCount: 1}
	s.icqs[icq] = struct{}{}
	return icq
}

// ExitICQ releases a binding; once its refcount reaches zero its streams
// are detached from symmetry tracking (§6: exit_icq, §9 ownership rules).
func (s *Scheduler) ExitICQ(icq *ICQ) {
	icq.refCount--
	if icq.refCount > 0 {
		return
	}
	now := s.clk.Now()
	for _, st := range []*stream.Stream{icq.syncQ, icq.asyncQ} {
		if st == nil {
			continue
		}
		if st.WaitForRequest {
			s.engine.ResolveStuckWait(st, now)
		}
		if wc := st.WeightCounter(); wc != nil {
			s.weights.Remove(wc)
			st.SetWeightCounter(nil)
		}
		delete(s.loggedSuppressedCharge, st)
		if target := st.CooperatorChain; target != nil {
			target.ReleaseProcessRef()
		}
		st.ReleaseProcessRef()
		st.Release()
	}
	delete(s.icqs, icq)
}

// CheckIOPrioChange updates an ICQ's priority binding, marking its live
// streams for a weight recompute on their next (re)activation (§6).
func (s *Scheduler) CheckIOPrioChange(icq *ICQ, class ioprio.Class, level int) {
	if icq.Class == class && icq.Level == level {
		return
	}
	icq.Class, icq.Level = class, level
	for _, st := range []*stream.Stream{icq.syncQ, icq.asyncQ} {
		if st == nil {
			continue
		}
		st.OrigWeight = ioprio.ToWeight(level)
		st.Header.PrioChanged = true
	}
}

// Stream returns icq's sync or async stream, or nil if it has not yet
// enqueued a request of that kind. Exposed for reporting/introspection
// callers (e.g. cmd/bfqsim); the scheduling core itself never needs it.
func (icq *ICQ) Stream(sync bool) *stream.Stream {
	if sync {
		return icq.syncQ
	}
	return icq.asyncQ
}

func (s *Scheduler) streamFor(icq *ICQ, sync bool) *stream.Stream {
	if sync {
		if icq.syncQ == nil {
			icq.syncQ = s.newStream(icq, sync)
		}
		return icq.syncQ
	}
	if icq.asyncQ == nil {
		icq.asyncQ = s.newStream(icq, sync)
	}
	return icq.asyncQ
}

func (s *Scheduler) newStream(icq *ICQ, sync bool) *stream.Stream {
	s.nextStreamID++
	st := stream.New(s.nextStreamID, icq.Owner, icq.Class, icq.Level, sync)
	st.Header.Parent = s.root
	return st
}

// domain returns the service tree s's stream belongs on.
func (s *Scheduler) domain(st *stream.Stream) *entity.ServiceTree {
	return st.Header.Parent.Domain(st.Class)
}

// activate transitions st from empty to busy: runs burst detection and
// weight raising, then inserts it into its service tree with an initial
// budget (§4.1, §4.4: "budget on activation is
// max(max_budget_of_stream, charge(next_request))").
func (s *Scheduler) activate(st *stream.Stream, now time.Time) {
	if st.JustCreated && !st.SplitCoop {
		for _, m := range s.burstDet.OnFirstActivation(st, now) {
			if m != st {
				s.terminateRaise(m)
			}
		}
	}
	st.JustCreated = false

	if !st.IsFallback() {
		weightraise.OnBusy(st, now, s.wrConfig, s.estimator.WRDuration, time.Time{})
	}

	if wc := st.WeightCounter(); wc == nil && !st.IsFallback() {
		st.SetWeightCounter(s.weights.Add(st.EffectiveWeight()))
	}

	maxBudget := stream.MaxBudgetEffective(st, s.estimator.MaxBudget, stream.MinBudget(s.estimator.MaxBudget))
	budget := maxBudget
	if next := st.NextRequest; next != nil {
		anyRaisedBusy := s.anyWeightRaisedBusy()
		if anyRaisedBusy && stream.WouldSuppressDoubleCharge(st, s.cfg.DoubleChargeRaisedAsync) {
			s.logSuppressedDoubleCharge(st)
		}
		charge := stream.Charge(st, next, s.cfg.AsyncChargeFactor, anyRaisedBusy, s.cfg.DoubleChargeRaisedAsync)
		if charge > budget {
			budget = charge
		}
	}

	if st.Header.InTree() {
		s.domain(st).Reactivate(st, budget)
	} else {
		s.domain(st).Activate(st, budget)
	}
	st.State = stream.StateBusyWaiting
	st.AddRef()
	s.maybePreempt(st, now)
}

// maybePreempt implements §4.2's preemption rule: a stream that has just
// gone busy with a higher weight-raise coefficient than the in-service
// stream, and whose service-tree position would make it the next selected
// entity in the same domain, forces the in-service stream to expire now
// rather than waiting out the rest of its slot.
func (s *Scheduler) maybePreempt(st *stream.Stream, now time.Time) {
	if st.IsFallback() {
		return
	}
	in := s.engine.InService
	if in == nil || in == st || in.Class != st.Class {
		return
	}
	if in.State != stream.StateInService && in.State != stream.StateIdling {
		return
	}
	if st.WRCoeff <= in.WRCoeff {
		return
	}
	dom := s.domain(st)
	dom.AdvanceVTime()
	if dom.Select() != entity.Entity(st) {
		return
	}
	s.engine.Preempt(now)
}

// terminateRaise drops weight-raising on a stream that turned out to belong
// to a large burst after it was already raised individually (§4.6, §4.8),
// re-registering its weight-counter-tree entry under its plain weight.
func (s *Scheduler) terminateRaise(st *stream.Stream) {
	if !st.IsWeightRaised() {
		return
	}
	if wc := st.WeightCounter(); wc != nil {
		s.weights.Remove(wc)
		st.SetWeightCounter(nil)
	}
	weightraise.Terminate(st)
	if !st.IsFallback() {
		st.SetWeightCounter(s.weights.Add(st.EffectiveWeight()))
	}
}

func (s *Scheduler) anyWeightRaisedBusy() bool {
	return !s.weights.Symmetric()
}

// logSuppressedDoubleCharge emits the §9 debug notice the first time a
// given weight-raised async stream would have been double-charged, once
// per stream for the lifetime of the Scheduler.
func (s *Scheduler) logSuppressedDoubleCharge(st *stream.Stream) {
	if _, logged := s.loggedSuppressedCharge[st]; logged {
		return
	}
	s.loggedSuppressedCharge[st] = struct{}{}
	s.cfg.Logger.Debug().
		Uint64("stream", st.ID).
		Msg("suppressed double charge for weight-raised async stream (§9)")
}

// OnEnqueue adds req to the appropriate stream for icq, running cooperator
// detection and the empty→busy activation path as needed (§6: on_enqueue).
func (s *Scheduler) OnEnqueue(icq *ICQ, req *stream.Request, sync bool) {
	now := s.clk.Now()
	if req.ArrivalTime.IsZero() {
		req.ArrivalTime = now
	}
	if req.FifoDeadline.IsZero() {
		if sync {
			req.FifoDeadline = now.Add(s.cfg.FifoExpireSync)
		} else {
			req.FifoDeadline = now.Add(s.cfg.FifoExpireAsync)
		}
	}
	req.Sync = sync

	st := s.streamFor(icq, sync)
	if target := st.CooperatorChain; target != nil {
		st = target
	}

	// resumingIdle is the §4.2 idling→in-service transition: st is still the
	// engine's in-service stream, merely waiting out its idle slice. Treating
	// this as an empty→busy activation (the default wasEmpty path below)
	// would re-insert st into its service tree while the engine's InService
	// pointer still references it, violating the one-of-{tree,in-service}
	// exclusivity invariant (§3, §8 property 2).
	resumingIdle := st == s.engine.InService && st.State == stream.StateIdling

	wasEmpty := st.Empty()
	st.Enqueue(req)

	if sync && !st.IsFallback() {
		if cand := s.merger.FindCooperator(st, s.engine.InService, s.engine.LastSector, now); cand != nil {
			cooperator.Merge(st, cand)
		}
		s.merger.Track(st)
	}

	switch {
	case resumingIdle:
		if s.idlePol.ExtendOnSmallArrival(req) {
			s.engine.ExtendIdle(s.idlePol.Config.SliceIdle)
		} else {
			s.engine.CancelIdle()
		}
	case wasEmpty:
		s.activate(st, now)
	}
}

// OnRequeue re-inserts req at its sort position, identical to enqueue
// (§6: on_requeue).
func (s *Scheduler) OnRequeue(icq *ICQ, req *stream.Request, sync bool) {
	s.OnEnqueue(icq, req, sync)
}

// OnDispatch produces the next request to hand the producer, or nil once
// every stream is either empty or idling (§6: on_dispatch).
func (s *Scheduler) OnDispatch() *stream.Request {
	now := s.clk.Now()
	req := s.engine.Dispatch(now)
	if req == nil {
		return nil
	}
	s.inFlight++
	s.hwTag.Observe(s.inFlight)
	s.estimator.Update(estimator.Sample{
		Now:      now,
		Sector:   req.Sector,
		Sectors:  req.Sectors,
		InFlight: s.inFlight,
	})
	s.engine.Config.MaxBudget = s.estimator.MaxBudget
	s.engine.Config.MinBudget = stream.MinBudget(s.estimator.MaxBudget)
	return req
}

// OnCompletion records that req has finished, feeding the peak-rate
// estimator and releasing its in-flight slot (§6: on_completion).
func (s *Scheduler) OnCompletion(req *stream.Request) {
	if s.inFlight > 0 {
		s.inFlight--
	}
	if owner := req.DispatchedFrom(); owner != nil {
		owner.Release()
	}
}

// AllowMerge reports whether a new bio at bioSector could forward- or
// back-merge into req's existing range (§6: allow_merge). The sort-list
// splice itself is the producer's responsibility; this only answers the
// admission question.
func (s *Scheduler) AllowMerge(req *stream.Request, bioSector int64) bool {
	if req.EndSector() == bioSector {
		return true // forward merge
	}
	return bioSector+req.Sectors == req.Sector // back merge
}

// Merged notifies the scheduler that a bio was merged into req (§6:
// merged); kept as a hook for seek-history/FIFO bookkeeping callers may
// want to extend.
func (s *Scheduler) Merged(req *stream.Request, kind string) {
	s.cfg.Logger.Trace().Uint64("request", req.ID).Str("kind", kind).Msg("request merged")
}

// MergeRequests absorbs next into rq (a back- or forward-merge of two
// already-queued requests) and returns the surviving request (§6:
// merge_requests).
func (s *Scheduler) MergeRequests(rq, next *stream.Request) *stream.Request {
	lo, hi := rq.Sector, rq.EndSector()
	if next.Sector < lo {
		lo = next.Sector
	}
	if next.EndSector() > hi {
		hi = next.EndSector()
	}
	rq.Sector = lo
	rq.Sectors = hi - lo
	if next.Meta {
		rq.Meta = true
	}
	return rq
}

// MayQueue returns the admission hint used by the producer's request pool
// (§6: may_queue). A MUST is returned once any stream is weight-raised and
// scheduling fairness would otherwise starve low-priority allocators.
func (s *Scheduler) MayQueue() Decision {
	if s.anyWeightRaisedBusy() {
		return DecisionMust
	}
	return DecisionMay
}

// FallbackStream returns the distinguished out-of-memory stream used when
// stream allocation fails (§7).
func (s *Scheduler) FallbackStream() *stream.Stream { return s.fallback }

// ForceDispatch drains every stream in one pass, ignoring budget and idle
// gating, for the barrier / scheduler-switch case (§6: force_dispatch).
func (s *Scheduler) ForceDispatch() []*stream.Request {
	var out []*stream.Request
	for {
		req := s.engine.Dispatch(s.clk.Now())
		if req == nil {
			if s.engine.InService == nil {
				break
			}
			s.engine.InService = nil
			continue
		}
		out = append(out, req)
	}
	return out
}
