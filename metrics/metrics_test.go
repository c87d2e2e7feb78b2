package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewCollectors_RegistersAndUpdates(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectors(reg)

	c.ActiveStreams.WithLabelValues("best-effort").Set(3)
	c.PeakRate.Set(12345)
	c.MergeCount.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "bfq_peak_rate_sectors_per_second" {
			found = true
			require.Len(t, f.Metric, 1)
			require.Equal(t, float64(12345), f.Metric[0].GetGauge().GetValue())
		}
	}
	require.True(t, found)
}
