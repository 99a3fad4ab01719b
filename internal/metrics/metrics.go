// Package metrics exposes prometheus collectors for storage lifetime and
// copy-on-write activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Clone modes.
const (
	CloneShared = "shared"
	CloneEager  = "eager"
)

// Materialization modes.
const (
	MaterializeCopy    = "copy"
	MaterializeReclaim = "reclaim"
)

// Metrics holds the collectors of one runtime context. All methods are safe
// on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	storagesAlive    prometheus.Gauge
	allocatedBytes   prometheus.Counter
	lazyClones       *prometheus.CounterVec
	materializations *prometheus.CounterVec
	deviceSyncs      *prometheus.CounterVec
}

// New creates the collectors and registers them in a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		storagesAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lazyclone",
			Name:      "storages_alive",
			Help:      "Storage handles not yet freed.",
		}),
		allocatedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lazyclone",
			Name:      "allocated_bytes_total",
			Help:      "Bytes allocated for storages, including copy-on-write forks.",
		}),
		lazyClones: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lazyclone",
			Name:      "lazy_clones_total",
			Help:      "Lazy clones by mode (shared bytes or eager copy).",
		}, []string{"mode"}),
		materializations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lazyclone",
			Name:      "materializations_total",
			Help:      "Copy-on-write materializations by mode (copy or reclaim).",
		}, []string{"mode"}),
		deviceSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lazyclone",
			Name:      "device_syncs_total",
			Help:      "Synchronization barriers inserted before cross-device clones.",
		}, []string{"device"}),
	}
	m.registry.MustRegister(m.storagesAlive, m.allocatedBytes, m.lazyClones, m.materializations, m.deviceSyncs)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// StorageCreated records a new storage of nbytes freshly allocated bytes.
func (m *Metrics) StorageCreated(nbytes int) {
	if m == nil {
		return
	}
	m.storagesAlive.Inc()
	m.allocatedBytes.Add(float64(nbytes))
}

// StorageShared records a new storage aliasing existing bytes.
func (m *Metrics) StorageShared() {
	if m == nil {
		return
	}
	m.storagesAlive.Inc()
}

// StorageFreed records a storage whose refcount reached zero.
func (m *Metrics) StorageFreed() {
	if m == nil {
		return
	}
	m.storagesAlive.Dec()
}

// LazyClone records a lazy clone.
func (m *Metrics) LazyClone(mode string) {
	if m == nil {
		return
	}
	m.lazyClones.WithLabelValues(mode).Inc()
}

// Materialized records a copy-on-write materialization. Copies also count
// their bytes as allocated.
func (m *Metrics) Materialized(mode string, nbytes int) {
	if m == nil {
		return
	}
	m.materializations.WithLabelValues(mode).Inc()
	if mode == MaterializeCopy {
		m.allocatedBytes.Add(float64(nbytes))
	}
}

// Synchronized records a device barrier.
func (m *Metrics) Synchronized(dev string) {
	if m == nil {
		return
	}
	m.deviceSyncs.WithLabelValues(dev).Inc()
}

// StoragesAlive returns the current value of the storages gauge.
func (m *Metrics) StoragesAlive() prometheus.Gauge {
	if m == nil {
		return nil
	}
	return m.storagesAlive
}

// AllocatedBytes returns the allocated bytes counter.
func (m *Metrics) AllocatedBytes() prometheus.Counter {
	if m == nil {
		return nil
	}
	return m.allocatedBytes
}

// LazyClones returns the lazy clone counter vector.
func (m *Metrics) LazyClones() *prometheus.CounterVec {
	if m == nil {
		return nil
	}
	return m.lazyClones
}

// Materializations returns the materialization counter vector.
func (m *Metrics) Materializations() *prometheus.CounterVec {
	if m == nil {
		return nil
	}
	return m.materializations
}

// DeviceSyncs returns the device barrier counter vector.
func (m *Metrics) DeviceSyncs() *prometheus.CounterVec {
	if m == nil {
		return nil
	}
	return m.deviceSyncs
}
