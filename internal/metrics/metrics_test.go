package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "unit-test")

	m.SpansSubmitted.Inc()
	m.SpansDropped.Add(3)
	m.BufferFillRatio.Set(0.5)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 7)

	var found bool
	for _, f := range families {
		if f.GetName() == "relaytrace_spans_dropped_total" {
			found = true
			require.Len(t, f.Metric, 1)
			require.Equal(t, float64(3), f.Metric[0].GetCounter().GetValue())
		}
	}
	require.True(t, found)
}

func TestNewWithNilRegistererDoesNotPanic(t *testing.T) {
	m := New(nil, "standalone")
	m.ReportsSent.Inc()
	require.Equal(t, float64(1), testCounterValue(t, m.ReportsSent))
}

func testCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}
