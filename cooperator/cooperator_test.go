package cooperator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/virtfair/bfq/entity"
	"github.com/virtfair/bfq/ioprio"
	"github.com/virtfair/bfq/stream"
)

func newSyncChild(parent *entity.Group, nextSector int64) *stream.Stream {
	s := stream.New(1, nil, ioprio.ClassBestEffort, ioprio.DefaultLevel, true)
	s.Header.Parent = parent
	s.Enqueue(&stream.Request{Sector: nextSector, Sectors: 8, Sync: true})
	return s
}

func TestPositionTree_NearestFindsClosest(t *testing.T) {
	pt := NewPositionTree()
	root := entity.NewRootGroup()
	a := newSyncChild(root, 1000)
	b := newSyncChild(root, 100000)
	pt.Insert(1000, a)
	pt.Insert(100000, b)

	got, dist, ok := pt.Nearest(1500)
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, int64(500), dist)
}

func TestEligible_RejectsDifferentClassOrParent(t *testing.T) {
	root := entity.NewRootGroup()
	child := entity.NewChildGroup(root, 100)
	a := newSyncChild(root, 0)
	b := newSyncChild(child, 100)
	now := time.Now()
	assert.False(t, Eligible(a, b, now, nil))

	c := newSyncChild(root, 200)
	c.Class = ioprio.ClassRealTime
	assert.False(t, Eligible(a, c, now, nil))
}

func TestEligible_RejectsSeekyOrAsync(t *testing.T) {
	root := entity.NewRootGroup()
	a := newSyncChild(root, 0)
	b := newSyncChild(root, 100)
	now := time.Now()
	assert.True(t, Eligible(a, b, now, nil))

	b.Sync = false
	assert.False(t, Eligible(a, b, now, nil))

	c := newSyncChild(root, 200)
	for i := 0; i < 5; i++ {
		c.SeekHistory.Push(true)
	}
	assert.False(t, Eligible(a, c, now, nil))
}

func TestEligible_RejectsFallback(t *testing.T) {
	root := entity.NewRootGroup()
	a := newSyncChild(root, 0)
	b := newSyncChild(root, 100)
	b.Fallback = true
	assert.False(t, Eligible(a, b, time.Now(), nil))
}

func TestEligible_RejectsStreamRaisedTooLong(t *testing.T) {
	root := entity.NewRootGroup()
	a := newSyncChild(root, 0)
	b := newSyncChild(root, 100)
	b.WRCoeff = 30
	now := time.Now()
	started := map[*stream.Stream]time.Time{b: now.Add(-time.Second)}
	assert.False(t, Eligible(a, b, now, started))
}

func TestMerger_FindCooperatorPrefersPositionTreeMatch(t *testing.T) {
	m := NewMerger()
	root := entity.NewRootGroup()
	a := newSyncChild(root, 0)
	b := newSyncChild(root, 2000)
	m.Track(b)

	got := m.FindCooperator(a, nil, 0, time.Now())
	assert.Same(t, b, got)
}

func TestMerger_FindCooperatorReturnsNilBeyondThreshold(t *testing.T) {
	m := NewMerger()
	root := entity.NewRootGroup()
	a := newSyncChild(root, 0)
	b := newSyncChild(root, CloseThresholdSectors*2)
	m.Track(b)

	got := m.FindCooperator(a, nil, 0, time.Now())
	assert.Nil(t, got)
}

func TestMerger_FindCooperatorUsesLastSectorNotInServiceNextRequest(t *testing.T) {
	m := NewMerger()
	root := entity.NewRootGroup()
	a := newSyncChild(root, 0)
	inService := newSyncChild(root, CloseThresholdSectors*4)

	// inService's own pending request is far from a's target, but the
	// device's last dispatched sector (lastSector) is close: the in-service
	// candidate must be judged against lastSector (§4.7 step 2), not against
	// inService.NextRequest.
	got := m.FindCooperator(a, inService, 50, time.Now())
	assert.Same(t, inService, got)
}

func TestMerge_RedirectsAndInheritsWeightRaising(t *testing.T) {
	root := entity.NewRootGroup()
	origin := newSyncChild(root, 0)
	candidate := newSyncChild(root, 100)
	origin.WRCoeff = 30

	Merge(origin, candidate)
	assert.Same(t, candidate, origin.CooperatorChain)
	assert.True(t, origin.IsCoop())
	assert.True(t, candidate.IsShared())
	assert.Equal(t, 30.0, candidate.WRCoeff)
}

func TestSplit_ClearsRedirectionAndMarksSplitCoop(t *testing.T) {
	root := entity.NewRootGroup()
	origin := newSyncChild(root, 0)
	candidate := newSyncChild(root, 100)
	Merge(origin, candidate)

	Split(origin)
	assert.Nil(t, origin.CooperatorChain)
	assert.True(t, origin.SplitCoop)
}

func TestMergeThenSplit_BalancesProcessRefCount(t *testing.T) {
	root := entity.NewRootGroup()
	origin := newSyncChild(root, 0)
	candidate := newSyncChild(root, 100)
	assert.Equal(t, 1, candidate.ProcessRefCount)

	Merge(origin, candidate)
	assert.Equal(t, 2, candidate.ProcessRefCount, "candidate now also carries origin's process reference")

	Split(origin)
	assert.Equal(t, 1, candidate.ProcessRefCount, "splitting releases the absorbed reference")
}
