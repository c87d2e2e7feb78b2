package dispatch

import (
	"fmt"
	"time"

	"github.com/virtfair/bfq/entity"
	"github.com/virtfair/bfq/internal/clock"
	"github.com/virtfair/bfq/ioprio"
	"github.com/virtfair/bfq/stream"
)

// classPriority is the strict-priority service order across the three
// I/O-priority classes: realtime is drained to empty before best-effort is
// even consulted, and likewise for best-effort over idle.
var classPriority = [...]ioprio.Class{ioprio.ClassRealTime, ioprio.ClassBestEffort, ioprio.ClassIdle}

// IdleDecider supplies the idle-slice policy's answer (§4.9) for a stream
// that has just gone empty while in service. A nil IdleDecider on Engine
// means "never idle" — every empty stream expires immediately.
type IdleDecider interface {
	ShouldIdle(s *stream.Stream, now time.Time) (idle bool, duration time.Duration)
}

// Config holds the dispatch engine's tunables (§4.3, §4.4).
type Config struct {
	BackMax           int64
	BackPenalty       int64
	BaseTimeout       time.Duration
	AsyncChargeFactor int64
	MaxBudget         int64
	MinBudget         int64

	// DoubleChargeRaisedAsync is passed through to stream.Charge and
	// stream.WouldSuppressDoubleCharge. It does not change any charge (a
	// weight-raised stream is always charged raw sectors); it only decides
	// whether OnSuppressedDoubleCharge fires.
	DoubleChargeRaisedAsync bool
}

// Engine drives dispatch for a single device queue rooted at Root. It holds
// at most one in-service stream at a time, matching §5's single
// in-service-per-domain concurrency model.
type Engine struct {
	Config Config
	Clock  clock.Clock
	Root   *entity.Group
	Idle   IdleDecider

	// AnyWeightRaisedBusy must be kept current by the caller (typically the
	// weight-raising controller) for the async double-charge rule of §4.3.
	AnyWeightRaisedBusy bool

	// OnSuppressedDoubleCharge, if set, is called each time a stream
	// dispatches a request where the double-charge rule would have applied
	// but was suppressed by Config.DoubleChargeRaisedAsync=false (§9). The
	// engine does not itself deduplicate repeat calls; callers that want
	// "log once per stream" semantics track that themselves.
	OnSuppressedDoubleCharge func(s *stream.Stream)

	InService  *stream.Stream
	LastSector int64

	idleTimer clock.Timer
}

// NewEngine creates a dispatch engine over root, using clk as the time
// source for budget timeouts and the idle-slice timer.
func NewEngine(root *entity.Group, clk clock.Clock, cfg Config) *Engine {
	return &Engine{Config: cfg, Clock: clk, Root: root}
}

// selectNextStream finds the next stream to put in service, trying each
// priority class's domain in strict order and descending through any
// intermediate groups to a leaf stream.
func (e *Engine) selectNextStream() *stream.Stream {
	for _, c := range classPriority {
		if s := selectInClass(e.Root, c); s != nil {
			return s
		}
	}
	return nil
}

func selectInClass(g *entity.Group, c ioprio.Class) *stream.Stream {
	tree := g.Domain(c)
	tree.AdvanceVTime()
	ent := tree.Select()
	if ent == nil {
		return nil
	}
	switch v := ent.(type) {
	case *stream.Stream:
		return v
	case *entity.Group:
		return selectInClass(v, c)
	default:
		return nil
	}
}

// ensureInService implements §4.3 step 1: if nothing is currently in
// service, select one and compute its budget timeout
// (jiffies + base_timeout * weight/orig_weight).
func (e *Engine) ensureInService(now time.Time) *stream.Stream {
	if e.InService != nil {
		return e.InService
	}
	s := e.selectNextStream()
	if s == nil {
		return nil
	}
	if tree := s.Header.Parent.Domain(s.Class); tree != nil {
		tree.Remove(s)
	}
	s.State = stream.StateInService
	s.Header.Service = 0

	scale := 1.0
	if s.OrigWeight > 0 {
		scale = float64(s.Header.Weight) / float64(s.OrigWeight)
	}
	s.BudgetTimeout = now.Add(time.Duration(float64(e.Config.BaseTimeout) * scale))

	e.InService = s
	return s
}

// pickRequest implements §4.3 step 2: prefer the FIFO head once its deadline
// has passed, otherwise defer to the reordered next_rq.
func (e *Engine) pickRequest(now time.Time) *stream.Request {
	s := e.InService
	if s == nil || s.Empty() {
		return nil
	}
	if head := s.FifoHead(); head != nil && !head.FifoDeadline.IsZero() && now.After(head.FifoDeadline) {
		return head
	}
	return NextRequest(s, e.LastSector, e.Config.BackMax, e.Config.BackPenalty)
}

// Dispatch runs one producer-facing dispatch request (§4.3 steps 1-5),
// recursing internally when a stream's selected request exceeds its
// remaining budget. It returns the dispatched request, or nil if no stream
// had work to offer.
func (e *Engine) Dispatch(now time.Time) *stream.Request {
	s := e.ensureInService(now)
	if s == nil {
		return nil
	}

	req := e.pickRequest(now)
	if req == nil {
		e.expireInService(stream.ReasonNoMoreRequests, now)
		return e.Dispatch(now)
	}

	if e.OnSuppressedDoubleCharge != nil && e.AnyWeightRaisedBusy &&
		stream.WouldSuppressDoubleCharge(s, e.Config.DoubleChargeRaisedAsync) {
		e.OnSuppressedDoubleCharge(s)
	}
	charge := stream.Charge(s, req, e.Config.AsyncChargeFactor, e.AnyWeightRaisedBusy, e.Config.DoubleChargeRaisedAsync)
	remaining := s.Header.Budget - s.Header.Service
	if charge > remaining {
		e.expireInService(stream.ReasonBudgetExhausted, now)
		return e.Dispatch(now)
	}

	s.Remove(req)
	s.Header.Service += charge
	if s.Header.Service > s.Header.Budget {
		panic(fmt.Sprintf("bfq: invariant violation: stream %d service %d exceeds budget %d", s.ID, s.Header.Service, s.Header.Budget))
	}
	e.LastSector = req.EndSector()
	s.AddRef()

	if s.Empty() {
		e.handleEmptyInService(now)
	}
	return req
}

// handleEmptyInService implements §4.3 step 5: arm the idle timer or expire
// NO_MORE_REQUESTS, deferring the idle/expire decision to the injected
// IdleDecider (the idle-slice policy of §4.9).
func (e *Engine) handleEmptyInService(now time.Time) {
	s := e.InService
	if e.Idle != nil {
		if idle, dur := e.Idle.ShouldIdle(s, now); idle {
			s.State = stream.StateIdling
			s.WaitForRequest = true
			s.LastIdleTime = now
			if e.idleTimer != nil {
				e.idleTimer.Stop()
			}
			e.idleTimer = e.Clock.AfterFunc(dur, e.onIdleTimeout)
			return
		}
	}
	e.expireInService(stream.ReasonNoMoreRequests, now)
}

// onIdleTimeout fires when a stream's idle slice elapses without a new
// request arriving: it expires TOO_IDLE, or BUDGET_TIMEOUT if the stream's
// budget timeout had already passed (§4.9).
func (e *Engine) onIdleTimeout() {
	e.expireIdling(e.Clock.Now())
}

// expireIdling is the shared tail of onIdleTimeout and ResolveStuckWait:
// expire the idling in-service stream with whichever reason its budget
// timeout implies.
func (e *Engine) expireIdling(now time.Time) {
	s := e.InService
	if s == nil || s.State != stream.StateIdling {
		return
	}
	reason := stream.ReasonTooIdle
	if !s.BudgetTimeout.IsZero() && now.After(s.BudgetTimeout) {
		reason = stream.ReasonBudgetTimeout
	}
	e.expireInService(reason, now)
}

// CancelIdle stops an armed idle timer and resumes the idling stream in
// service, for use by the enqueue path when a new request arrives for it
// before the idle slice elapses.
func (e *Engine) CancelIdle() {
	if e.idleTimer != nil {
		e.idleTimer.Stop()
		e.idleTimer = nil
	}
	if s := e.InService; s != nil && s.State == stream.StateIdling {
		s.State = stream.StateInService
		s.WaitForRequest = false
	}
}

// ExtendIdle re-arms the idle timer for dur without otherwise disturbing
// the idling stream, for the enqueue path's small-request coalescing
// carve-out (§4.9 last sentence): a small arrival should push the wait
// back rather than resume service immediately.
func (e *Engine) ExtendIdle(dur time.Duration) {
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	e.idleTimer = e.Clock.AfterFunc(dur, e.onIdleTimeout)
}

// ResolveStuckWait immediately expires the idling in-service stream s when
// its owning I/O-context has dropped to zero active references (§7
// stuck-wait-for-request): waiting out the rest of the idle slice would
// never be rewarded with a new request, so the wait is skipped rather than
// timed out.
func (e *Engine) ResolveStuckWait(s *stream.Stream, now time.Time) {
	if e.InService != s || s.State != stream.StateIdling {
		return
	}
	e.expireIdling(now)
}

// Preempt forces the current in-service stream to expire immediately with
// ReasonPreempted, for a newly busy higher-priority stream that would
// otherwise have had to wait out the rest of its slot (§4.2 preemption
// rule).
func (e *Engine) Preempt(now time.Time) {
	e.expireInService(stream.ReasonPreempted, now)
}

// expireInService implements the expiration half of §4.2's lifecycle:
// recalculate the budget per §4.2's table, then either reinsert the stream
// with backlog (ExpireWithBacklog) or release it to the empty state.
func (e *Engine) expireInService(reason stream.ExpireReason, now time.Time) {
	s := e.InService
	if s == nil {
		return
	}
	e.InService = nil
	s.WaitForRequest = false
	if e.idleTimer != nil {
		e.idleTimer.Stop()
		e.idleTimer = nil
	}

	hasBacklog := !s.Empty()
	budget := stream.RecalcBudget(s, reason, e.Config.MaxBudget, e.Config.MinBudget, hasBacklog)
	if hasBacklog {
		// The requeued budget must cover whichever request pickRequest would
		// choose next, or a reselected stream would expire again forever.
		for _, next := range []*stream.Request{s.FifoHead(), NextRequest(s, e.LastSector, e.Config.BackMax, e.Config.BackPenalty)} {
			if next == nil {
				continue
			}
			if c := stream.Charge(s, next, e.Config.AsyncChargeFactor, e.AnyWeightRaisedBusy, e.Config.DoubleChargeRaisedAsync); c > budget {
				budget = c
			}
		}
	}

	tree := s.Header.Parent.Domain(s.Class)
	if hasBacklog {
		tree.ExpireWithBacklog(s, budget)
		s.State = stream.StateBusyWaiting
	} else {
		s.Header.Budget = budget
		s.State = stream.StateEmpty
		s.Release()
	}
}
