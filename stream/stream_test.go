package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/virtfair/bfq/ioprio"
)

func TestNew_DefaultsFromLevel(t *testing.T) {
	s := New(1, "proc-a", ioprio.ClassBestEffort, ioprio.DefaultLevel, true)
	assert.Equal(t, ioprio.ToWeight(ioprio.DefaultLevel), s.OrigWeight)
	assert.Equal(t, s.OrigWeight, s.Header.Weight)
	assert.Equal(t, 1.0, s.WRCoeff)
	assert.False(t, s.IsWeightRaised())
	assert.Equal(t, StateEmpty, s.State)
	assert.True(t, s.JustCreated)
	assert.True(t, s.IdleWindowEnabled, "sync streams default to idle-window enabled")
}

func TestNew_AsyncStartsWithoutIdleWindow(t *testing.T) {
	s := New(2, "proc-b", ioprio.ClassBestEffort, ioprio.DefaultLevel, false)
	assert.False(t, s.IdleWindowEnabled)
}

func TestEffectiveWeight_TracksWeightRaising(t *testing.T) {
	s := New(1, nil, ioprio.ClassBestEffort, ioprio.DefaultLevel, true)
	base := s.OrigWeight
	assert.Equal(t, base, s.EffectiveWeight())

	s.WRCoeff = 20
	assert.True(t, s.IsWeightRaised())
	assert.Equal(t, base*20, s.EffectiveWeight())
}

func TestEnqueue_MaintainsSectorOrderAndFifoOrder(t *testing.T) {
	s := New(1, nil, ioprio.ClassBestEffort, ioprio.DefaultLevel, true)
	r1 := &Request{ID: 1, Sector: 500, Sectors: 8}
	r2 := &Request{ID: 2, Sector: 100, Sectors: 8}
	r3 := &Request{ID: 3, Sector: 300, Sectors: 8}

	s.Enqueue(r1)
	s.Enqueue(r2)
	s.Enqueue(r3)

	require.Equal(t, 3, s.Len())
	assert.False(t, s.Empty())

	pending := s.Pending()
	assert.Equal(t, []int64{100, 300, 500}, []int64{pending[0].Sector, pending[1].Sector, pending[2].Sector})

	// FIFO head is arrival order, not sector order: r1 arrived first.
	assert.Same(t, r1, s.FifoHead())

	// NextRequest is set on the first enqueue and left alone afterward.
	assert.Same(t, r1, s.NextRequest)
}

func TestRemove_AdvancesNextRequestAndRecordsSeek(t *testing.T) {
	s := New(1, nil, ioprio.ClassBestEffort, ioprio.DefaultLevel, true)
	r1 := &Request{ID: 1, Sector: 0, Sectors: 8}
	r2 := &Request{ID: 2, Sector: 100000, Sectors: 8}

	s.Enqueue(r1)
	s.Enqueue(r2)
	s.NextRequest = r1

	s.Remove(r1)
	require.Equal(t, 1, s.Len())
	assert.Same(t, r2, s.NextRequest)
	assert.Equal(t, int64(1), s.DispatchedCount)
	assert.True(t, s.haveLastEnd)
	assert.Equal(t, r1.EndSector(), s.lastEnd)

	s.Remove(r2)
	assert.True(t, s.Empty())
	assert.Nil(t, s.NextRequest)
	// r2 is far from r1's end: counts as a seek.
	assert.Equal(t, 1, s.SeekHistory.PopCount())
}

func TestSeeky_ThresholdOnTrailingHistory(t *testing.T) {
	s := New(1, nil, ioprio.ClassBestEffort, ioprio.DefaultLevel, true)
	s.haveLastEnd = true
	s.lastEnd = 0

	// Six requests, each after the first landing one hop beyond the seek
	// threshold: five seeks. Seeky requires more than 4 seeks out of the
	// trailing 32 samples.
	for i := 0; i < 6; i++ {
		s.recordSeek(int64(i) * (SeekThresholdSectors + 1))
		s.lastEnd = int64(i) * (SeekThresholdSectors + 1)
	}
	assert.True(t, s.Seeky())
}

func TestSeeky_FalseWhenRequestsAreLocal(t *testing.T) {
	s := New(1, nil, ioprio.ClassBestEffort, ioprio.DefaultLevel, true)
	s.haveLastEnd = true
	s.lastEnd = 0
	for i := 0; i < 10; i++ {
		s.recordSeek(int64(i) * 10)
		s.lastEnd = int64(i) * 10
	}
	assert.False(t, s.Seeky())
}

func TestIsFallbackAndIsCoop(t *testing.T) {
	s := New(1, nil, ioprio.ClassBestEffort, ioprio.DefaultLevel, true)
	assert.False(t, s.IsFallback())
	assert.False(t, s.IsCoop())

	s.Fallback = true
	s.isCoop = true
	assert.True(t, s.IsFallback())
	assert.True(t, s.IsCoop())
}

func TestWRDeadlineIsSettable(t *testing.T) {
	s := New(1, nil, ioprio.ClassBestEffort, ioprio.DefaultLevel, true)
	deadline := time.Now().Add(time.Second)
	s.WRDeadline = deadline
	assert.Equal(t, deadline, s.WRDeadline)
}

func TestAddRefAndRelease_RoundTrip(t *testing.T) {
	s := New(1, nil, ioprio.ClassBestEffort, ioprio.DefaultLevel, true)
	assert.Equal(t, 1, s.RefCount)

	s.AddRef()
	assert.Equal(t, 2, s.RefCount)

	s.Release()
	assert.Equal(t, 1, s.RefCount)
}

func TestRelease_PanicsOnUnderflow(t *testing.T) {
	s := New(1, nil, ioprio.ClassBestEffort, ioprio.DefaultLevel, true)
	s.Release()
	assert.Equal(t, 0, s.RefCount)
	assert.Panics(t, func() { s.Release() })
}

func TestReleaseProcessRef_PanicsOnUnderflow(t *testing.T) {
	s := New(1, nil, ioprio.ClassBestEffort, ioprio.DefaultLevel, true)
	s.ReleaseProcessRef()
	assert.Equal(t, 0, s.ProcessRefCount)
	assert.Panics(t, func() { s.ReleaseProcessRef() })
}

func TestRemove_RecordsDispatchedFrom(t *testing.T) {
	s := New(1, nil, ioprio.ClassBestEffort, ioprio.DefaultLevel, true)
	req := &Request{ID: 1, Sector: 0, Sectors: 8}
	s.Enqueue(req)

	assert.Nil(t, req.DispatchedFrom())
	s.Remove(req)
	assert.Same(t, s, req.DispatchedFrom())
}
