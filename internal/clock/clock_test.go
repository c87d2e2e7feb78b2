package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManual_FiresInDeadlineOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var order []int
	m.AfterFunc(30*time.Millisecond, func() { order = append(order, 3) })
	m.AfterFunc(10*time.Millisecond, func() { order = append(order, 1) })
	m.AfterFunc(20*time.Millisecond, func() { order = append(order, 2) })

	m.Advance(25 * time.Millisecond)
	assert.Equal(t, []int{1, 2}, order)

	m.Advance(10 * time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestManual_StopPreventsFire(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	fired := false
	timer := m.AfterFunc(10*time.Millisecond, func() { fired = true })

	require.True(t, timer.Stop())
	m.Advance(20 * time.Millisecond)
	assert.False(t, fired)

	// stopping twice is a no-op, reports false
	assert.False(t, timer.Stop())
}

func TestManual_NowAdvances(t *testing.T) {
	start := time.Unix(100, 0)
	m := NewManual(start)
	assert.True(t, m.Now().Equal(start))
	m.Advance(5 * time.Second)
	assert.True(t, m.Now().Equal(start.Add(5*time.Second)))
}

func TestReal_NowIsMonotonicish(t *testing.T) {
	c := Real()
	a := c.Now()
	time.Sleep(time.Millisecond)
	b := c.Now()
	assert.True(t, b.After(a))
}
