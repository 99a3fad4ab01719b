package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := New()

	m.StorageCreated(64)
	m.StorageShared()
	m.LazyClone(CloneShared)
	m.LazyClone(CloneShared)
	m.LazyClone(CloneEager)
	m.Materialized(MaterializeCopy, 64)
	m.Materialized(MaterializeReclaim, 64)
	m.Synchronized("cuda:0")
	m.StorageFreed()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoragesAlive()))
	assert.Equal(t, 128.0, testutil.ToFloat64(m.AllocatedBytes()))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LazyClones().WithLabelValues(CloneShared)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LazyClones().WithLabelValues(CloneEager)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Materializations().WithLabelValues(MaterializeReclaim)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeviceSyncs().WithLabelValues("cuda:0")))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.Len(t, families, 5)
}

func TestNilMetricsIsNoop(_ *testing.T) {
	var m *Metrics
	m.StorageCreated(1)
	m.StorageShared()
	m.StorageFreed()
	m.LazyClone(CloneEager)
	m.Materialized(MaterializeCopy, 1)
	m.Synchronized("cpu")
	_ = m.Registry()
}
