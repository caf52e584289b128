package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolAllocationsTotal counts Alloc calls by device and outcome
	PoolAllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vrampool_pool_allocations_total",
			Help: "Total number of storage Alloc calls by outcome",
		},
		[]string{"device", "result"}, // result: "hit", "miss", "direct"
	)

	// PoolEvictionsTotal counts full-pool releases by trigger
	PoolEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vrampool_pool_evictions_total",
			Help: "Total number of full pool releases",
		},
		[]string{"device", "reason"}, // reason: "pressure", "manual", "monitor", "close"
	)

	// PoolUsedBytes tracks bytes currently held from the raw device allocator
	PoolUsedBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vrampool_pool_used_bytes",
			Help: "Bytes currently allocated from the device, outstanding and pooled",
		},
		[]string{"device"},
	)

	// PoolPooledBytes tracks bytes parked in the free lists
	PoolPooledBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vrampool_pool_pooled_bytes",
			Help: "Bytes currently parked in the pool free lists",
		},
		[]string{"device"},
	)

	// PoolPooledBlocks tracks blocks parked in the free lists
	PoolPooledBlocks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vrampool_pool_pooled_blocks",
			Help: "Number of blocks currently parked in the pool free lists",
		},
		[]string{"device"},
	)

	// DeviceMallocSeconds measures raw device allocation latency
	DeviceMallocSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vrampool_device_malloc_seconds",
			Help:    "Duration of raw device memory allocations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"device"},
	)

	// DeviceFreeFailuresTotal counts device-side free errors that were dropped
	DeviceFreeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vrampool_device_free_failures_total",
			Help: "Total number of tolerated device free failures",
		},
		[]string{"device"},
	)

	// DeviceFreeBytes tracks free device memory as sampled by the monitor
	DeviceFreeBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vrampool_device_free_bytes",
			Help: "Free device memory at the last monitor sample",
		},
		[]string{"device"},
	)

	// DeviceTotalBytes tracks total device memory as sampled by the monitor
	DeviceTotalBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vrampool_device_total_bytes",
			Help: "Total device memory at the last monitor sample",
		},
		[]string{"device"},
	)

	// MonitorPressureLevel tracks the monitor's headroom classification
	MonitorPressureLevel = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vrampool_monitor_pressure_level",
			Help: "Memory pressure level per device (0=low, 1=moderate, 2=high, 3=critical)",
		},
		[]string{"device"},
	)
)
