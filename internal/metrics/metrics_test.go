package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPoolMetrics(reg)

	m.Hit()
	m.Hit()
	m.Miss()
	m.Eviction()
	m.WriteBackFailure()
	m.PoolFull()

	require.Equal(t, 2.0, testutil.ToFloat64(m.hits))
	require.Equal(t, 1.0, testutil.ToFloat64(m.misses))
	require.Equal(t, 1.0, testutil.ToFloat64(m.evictions))
	require.Equal(t, 1.0, testutil.ToFloat64(m.writeBackFailures))
	require.Equal(t, 1.0, testutil.ToFloat64(m.poolFull))
}

func TestNilReceiverIsSafe(t *testing.T) {
	var m *PoolMetrics
	require.NotPanics(t, func() {
		m.Hit()
		m.Miss()
		m.Eviction()
		m.WriteBackFailure()
		m.PoolFull()
	})
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPoolMetrics(reg)
	require.Panics(t, func() { NewPoolMetrics(reg) })
}
