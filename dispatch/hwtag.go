package dispatch

// HWTagSampler learns whether the underlying device behaves like an
// NCQ-capable (tagged-queuing) device by watching the first 32 dispatches
// for any that saw at least 4 requests in flight at once (SUPPLEMENTED
// FEATURES item 3: BFQ_HW_QUEUE_THRESHOLD / BFQ_HW_QUEUE_SAMPLES). Feeds
// the idle policy's NCQ predicate via idle.HWTagSource.
type HWTagSampler struct {
	Threshold     int
	SamplesNeeded int

	samples int
	sawDeep bool
}

// NewHWTagSampler creates a sampler with the original's defaults.
func NewHWTagSampler() *HWTagSampler {
	return &HWTagSampler{Threshold: 4, SamplesNeeded: 32}
}

// Observe records one dispatch's in-flight depth. Further observations
// after the learning window closes are ignored.
func (h *HWTagSampler) Observe(inFlight int) {
	if h.samples >= h.SamplesNeeded {
		return
	}
	h.samples++
	if inFlight >= h.Threshold {
		h.sawDeep = true
	}
}

// Learned reports whether the sampling window has closed.
func (h *HWTagSampler) Learned() bool { return h.samples >= h.SamplesNeeded }

// NCQCapable reports the learned belief: true once any sampled dispatch
// saw a deep enough in-flight queue. Before the window closes, this is an
// optimistic default matching the original's initial hw_tag = 1.
func (h *HWTagSampler) NCQCapable() bool {
	if !h.Learned() {
		return true
	}
	return h.sawDeep
}
