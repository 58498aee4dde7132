package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegisterAndObserve(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	m.MustRegister(reg)

	m.ObserveCollect(1, 128, 96)
	m.InternTableSize.Set(7)

	var out dto.Metric
	require.NoError(t, m.CollectorCycles.Write(&out))
	require.EqualValues(t, 1, out.GetCounter().GetValue())

	out = dto.Metric{}
	require.NoError(t, m.InternTableSize.Write(&out))
	require.EqualValues(t, 7, out.GetGauge().GetValue())
}
