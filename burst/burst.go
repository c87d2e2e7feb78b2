// Package burst implements the burst detector (§4.8): clustering of
// stream-creation events used to suppress weight-raising and idling for
// workloads that spawn many short-lived streams in quick succession (e.g. a
// shell glob or a build system fork-bombing cp processes).
package burst

import (
	"time"

	"github.com/virtfair/bfq/entity"
	"github.com/virtfair/bfq/stream"
)

// LargeBurstThreshold is the default list size at which a cluster of
// stream creations is promoted to a large burst.
const LargeBurstThreshold = 8

// Detector holds the burst-tracking state for one scheduling domain. A
// domain is typically a device, or a device partitioned by cgroup: the
// original keys detection per bfq_data, not per queue.
type Detector struct {
	BurstInterval time.Duration
	Threshold     int

	list         []*stream.Stream
	parent       *entity.Group
	lastInsert   time.Time
	largeBurst   bool
}

// NewDetector creates a detector with the given clustering window and
// promotion threshold (0 or negative threshold defaults to
// LargeBurstThreshold).
func NewDetector(burstInterval time.Duration, threshold int) *Detector {
	if threshold <= 0 {
		threshold = LargeBurstThreshold
	}
	return &Detector{BurstInterval: burstInterval, Threshold: threshold}
}

// OnFirstActivation implements §4.8: called when a stream activates for the
// first time (not already on the burst list, not already in-large-burst,
// not just split from a cooperator). It returns the full set of streams
// newly flagged InLargeBurst by this call (including s itself when the
// cluster is promoted on this very activation, or just s when the cluster
// was already large), or nil when nothing changed. Callers use this to
// reconcile state — e.g. terminating weight-raising — on members that were
// raised individually before the cluster was recognized as a burst.
func (d *Detector) OnFirstActivation(s *stream.Stream, now time.Time) []*stream.Stream {
	if s.IsFallback() {
		return nil
	}
	parent := s.Header.Parent

	var promoted []*stream.Stream
	switch {
	case d.lastInsert.IsZero() || now.Sub(d.lastInsert) > d.BurstInterval || parent != d.parent:
		d.list = append(d.list[:0], s)
		d.parent = parent
		d.largeBurst = false
	case d.largeBurst:
		s.InLargeBurst = true
		promoted = []*stream.Stream{s}
	default:
		d.list = append(d.list, s)
		if len(d.list) >= d.Threshold {
			d.largeBurst = true
			promoted = append(promoted, d.list...)
			for _, member := range d.list {
				member.InLargeBurst = true
			}
			d.list = d.list[:0]
		}
	}
	d.lastInsert = now
	return promoted
}

// InLargeBurst reports whether the detector currently believes its domain
// is in a large burst.
func (d *Detector) InLargeBurst() bool { return d.largeBurst }
