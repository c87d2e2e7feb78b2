// Package stream implements the per-process request queue (§3 "Stream")
// and its lifecycle state machine (§4.2). A Request is the opaque handle
// named in §3: the core only reads its sector range, sync flag and arrival
// time and never owns or transforms its content (§1 Non-goals).
package stream

import "time"

// Request is an external I/O request handle.
type Request struct {
	ID          uint64
	Sector      int64
	Sectors     int64
	Sync        bool
	Meta        bool // metadata request (e.g. journal commit), preferred in the elevator tie-break
	ArrivalTime time.Time
	FifoDeadline time.Time

	dispatched bool

	// dispatchedFrom is the stream Stream.Remove last removed this request
	// from, so completion accounting can route the request's in-flight
	// reference back to the stream that owns it (§3, §8 property 7).
	dispatchedFrom *Stream
}

// EndSector returns the sector immediately following the request's range.
func (r *Request) EndSector() int64 { return r.Sector + r.Sectors }

// DispatchedFrom returns the stream that last removed req via Stream.Remove,
// or nil if req has never been dispatched.
func (r *Request) DispatchedFrom() *Stream { return r.dispatchedFrom }

// byArrival orders the FIFO-expiry view (§4.3: "the head of its FIFO
// expiry list").
type byArrival []*Request

func (b byArrival) Len() int           { return len(b) }
func (b byArrival) Less(i, j int) bool { return b[i].ArrivalTime.Before(b[j].ArrivalTime) }
func (b byArrival) Swap(i, j int)      { b[i], b[j] = b[j], b[i] }
