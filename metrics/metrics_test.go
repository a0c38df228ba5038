package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)
	require.NotNil(t, r)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestSetRoleSetsExactlyOneGaugeToOne(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.SetRole("leader")

	metric := &dto.Metric{}
	require.NoError(t, r.ReplicationRole.WithLabelValues("leader").Write(metric))
	assert.Equal(t, 1.0, metric.GetGauge().GetValue())

	require.NoError(t, r.ReplicationRole.WithLabelValues("follower").Write(metric))
	assert.Equal(t, 0.0, metric.GetGauge().GetValue())
}

func TestCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.CompactionRunsTotal.Inc()
	r.ConversionSuccessTotal.Inc()
	r.ConversionSuccessTotal.Inc()

	metric := &dto.Metric{}
	require.NoError(t, r.CompactionRunsTotal.Write(metric))
	assert.Equal(t, 1.0, metric.GetCounter().GetValue())

	require.NoError(t, r.ConversionSuccessTotal.Write(metric))
	assert.Equal(t, 2.0, metric.GetCounter().GetValue())
}
