package stream

import (
	"fmt"
	"sort"
	"time"

	"github.com/virtfair/bfq/entity"
	"github.com/virtfair/bfq/internal/ringbuf"
	"github.com/virtfair/bfq/ioprio"
)

// State is a position in the per-stream lifecycle (§4.2).
type State int

const (
	StateEmpty State = iota
	StateBusyWaiting
	StateInService
	StateIdling
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateBusyWaiting:
		return "busy-waiting"
	case StateInService:
		return "in-service"
	case StateIdling:
		return "idling"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ExpireReason identifies why an in-service stream was expired (§4.2).
type ExpireReason int

const (
	ReasonNone ExpireReason = iota
	ReasonTooIdle
	ReasonBudgetTimeout
	ReasonBudgetExhausted
	ReasonNoMoreRequests
	ReasonPreempted
)

func (r ExpireReason) String() string {
	switch r {
	case ReasonTooIdle:
		return "too-idle"
	case ReasonBudgetTimeout:
		return "budget-timeout"
	case ReasonBudgetExhausted:
		return "budget-exhausted"
	case ReasonNoMoreRequests:
		return "no-more-requests"
	case ReasonPreempted:
		return "preempted"
	default:
		return "none"
	}
}

// Seek distance beyond which a request is scored as a seek for the
// trailing seek-history bitmap (GLOSSARY: "Seeky stream").
const SeekThresholdSectors = 800

// Stream is a per-(process, sync-flag) request queue: the leaf entity of
// the hierarchy (§3).
type Stream struct {
	Header entity.Header

	ID    uint64
	Owner any // opaque process/process-group identifier

	Class ioprio.Class
	Level int
	Sync  bool

	OrigWeight int
	WRCoeff    float64 // current weight-raise coefficient, >= 1
	WRDeadline time.Time

	MaxBudget     int64
	BudgetTimeout time.Time

	SeekHistory ringbuf.Bits
	lastEnd     int64
	haveLastEnd bool

	sorted []*Request // position-ordered pending requests
	fifo   []*Request // arrival-ordered pending requests

	NextRequest *Request

	RefCount        int
	ProcessRefCount int

	CooperatorChain *Stream // new_bfqq: redirect target once merged
	shared          bool    // true once this stream has absorbed a cooperator

	InLargeBurst      bool
	SplitCoop         bool
	isCoop            bool
	SoftRTNextStart   time.Time
	IOBound           bool
	IdleWindowEnabled bool
	WaitForRequest    bool
	JustCreated       bool

	State State

	LastIdleTime        time.Time
	LastIdleBacklogged  time.Time
	ServiceFromBacklogged int64
	DispatchedCount     int64

	Fallback bool // the out-of-memory singleton (§7)

	weightCounter *ioprio.WeightCounter
}

var _ entity.Entity = (*Stream)(nil)

// Hdr implements entity.Entity.
func (s *Stream) Hdr() *entity.Header { return &s.Header }

// IsFallback reports whether this is the distinguished out-of-memory
// stream, excluded from cooperation and burst detection (§7).
func (s *Stream) IsFallback() bool { return s.Fallback }

// IsCoop reports whether this stream has been redirected to a cooperator
// (CooperatorChain != nil) or has itself absorbed one (shared).
func (s *Stream) IsCoop() bool { return s.isCoop }

// IsShared reports whether this stream has absorbed at least one
// cooperator and is now serving more than one I/O-context (§4.7).
func (s *Stream) IsShared() bool { return s.shared }

// MarkShared records that this stream has become a cooperation target: its
// originating bic back-reference is cleared elsewhere by the caller. Being
// shared does not by itself stop the stream from later being redirected
// into another stream.
func (s *Stream) MarkShared() {
	s.shared = true
	s.isCoop = true
}

// MarkRedirected records that this stream has been redirected into a
// cooperator (CooperatorChain is the caller's responsibility to set).
func (s *Stream) MarkRedirected() {
	s.isCoop = true
}

// WeightCounter returns the stream's current weight-counter-tree
// registration, or nil if it isn't registered as active.
func (s *Stream) WeightCounter() *ioprio.WeightCounter { return s.weightCounter }

// SetWeightCounter records the stream's weight-counter-tree registration.
func (s *Stream) SetWeightCounter(c *ioprio.WeightCounter) { s.weightCounter = c }

// New creates a fresh stream for the given owner/class/level/sync triple.
func New(id uint64, owner any, class ioprio.Class, level int, sync bool) *Stream {
	w := ioprio.ToWeight(level)
	s := &Stream{
		ID:                id,
		Owner:             owner,
		Class:             class,
		Level:             level,
		Sync:              sync,
		OrigWeight:        w,
		WRCoeff:           1,
		State:             StateEmpty,
		JustCreated:       true,
		IdleWindowEnabled: sync,
		WaitForRequest:    false,
	}
	s.Header.Weight = w
	s.RefCount = 1
	s.ProcessRefCount = 1
	return s
}

// AddRef records a new hold on this stream -- an in-flight dispatched
// request, a busy/tree-membership period, or another process binding --
// per the reference-counted lifecycle of §3 and §8 property 7.
func (s *Stream) AddRef() { s.RefCount++ }

// Release drops one hold recorded by AddRef. Dropping the count below zero
// is a fatal invariant violation (§7): something released a hold it never
// acquired.
func (s *Stream) Release() {
	if s.RefCount <= 0 {
		panic(fmt.Sprintf("bfq: invariant violation: stream %d reference count dropped below zero", s.ID))
	}
	s.RefCount--
}

// AddProcessRef records that one more I/O-context process reference now
// routes to this stream: its own binding, or another origin's by way of a
// cooperator merge.
func (s *Stream) AddProcessRef() { s.ProcessRefCount++ }

// ReleaseProcessRef drops one process reference. Dropping it below zero is
// a fatal invariant violation (§7).
func (s *Stream) ReleaseProcessRef() {
	if s.ProcessRefCount <= 0 {
		panic(fmt.Sprintf("bfq: invariant violation: stream %d process reference count dropped below zero", s.ID))
	}
	s.ProcessRefCount--
}

// EffectiveWeight returns orig_weight * wr_coeff, the weight the service
// tree actually schedules on (§3 invariant).
func (s *Stream) EffectiveWeight() int {
	return int(float64(s.OrigWeight) * s.WRCoeff)
}

// IsWeightRaised reports whether weight raising is currently active.
func (s *Stream) IsWeightRaised() bool { return s.WRCoeff > 1 }

// Empty reports whether the stream has no pending requests.
func (s *Stream) Empty() bool { return len(s.sorted) == 0 }

// Len returns the number of pending requests.
func (s *Stream) Len() int { return len(s.sorted) }

// Pending returns the position-ordered pending requests (read-only view).
func (s *Stream) Pending() []*Request { return s.sorted }

// recordSeek updates the trailing seek-history bitmap for a request about
// to be (or having been) positioned at sector, relative to the end of the
// previously dispatched request.
func (s *Stream) recordSeek(sector int64) {
	if s.haveLastEnd {
		dist := sector - s.lastEnd
		if dist < 0 {
			dist = -dist
		}
		s.SeekHistory.Push(dist > SeekThresholdSectors)
	}
}

// Seeky reports whether at least 5 of the trailing 32 requests were seeks
// (GLOSSARY).
func (s *Stream) Seeky() bool {
	return s.SeekHistory.PopCount() > 32/8
}

// Enqueue inserts req in sector order and appends it to the FIFO view.
func (s *Stream) Enqueue(req *Request) {
	i := sort.Search(len(s.sorted), func(i int) bool { return s.sorted[i].Sector >= req.Sector })
	s.sorted = append(s.sorted, nil)
	copy(s.sorted[i+1:], s.sorted[i:])
	s.sorted[i] = req
	s.fifo = append(s.fifo, req)
	if s.NextRequest == nil {
		s.NextRequest = req
	}
}

// FifoHead returns the oldest pending request by arrival time, or nil.
func (s *Stream) FifoHead() *Request {
	if len(s.fifo) == 0 {
		return nil
	}
	return s.fifo[0]
}

// Remove detaches req from both views after it is dispatched.
func (s *Stream) Remove(req *Request) {
	for i, r := range s.sorted {
		if r == req {
			s.sorted = append(s.sorted[:i], s.sorted[i+1:]...)
			break
		}
	}
	for i, r := range s.fifo {
		if r == req {
			s.fifo = append(s.fifo[:i], s.fifo[i+1:]...)
			break
		}
	}
	s.recordSeek(req.Sector)
	s.lastEnd = req.EndSector()
	s.haveLastEnd = true
	s.DispatchedCount++
	req.dispatchedFrom = s
	if s.NextRequest == req {
		s.NextRequest = nil
		if len(s.sorted) != 0 {
			s.NextRequest = s.sorted[0]
		}
	}
}
