package storage

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/denevy/vrampool/device"
	"github.com/denevy/vrampool/internal/metrics"
)

// NaiveManager passes every request straight to the device allocator.
// No padding, no caching, no eviction policy. It is the unpooled
// baseline and the manager used for host memory, where the device
// allocator is cheap enough to hit directly.
type NaiveManager struct {
	mu     sync.Mutex
	dev    device.Device
	raw    device.Allocator
	log    *zap.Logger
	used   uint64
	closed bool
	label  string
}

var _ Manager = (*NaiveManager)(nil)

// NewNaiveManager builds an unpooled manager for dev on top of raw. A nil
// logger disables logging.
func NewNaiveManager(dev device.Device, raw device.Allocator, logger *zap.Logger) *NaiveManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	label := dev.String()
	return &NaiveManager{
		dev:   dev,
		raw:   raw,
		log:   logger.With(zap.String("device", label)),
		label: label,
	}
}

// Alloc allocates size bytes directly on the device.
func (m *NaiveManager) Alloc(size uint64) (device.Ptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	metrics.PoolAllocationsTotal.WithLabelValues(m.label, "direct").Inc()

	start := time.Now()
	p, err := m.raw.Malloc(size)
	metrics.DeviceMallocSeconds.WithLabelValues(m.label).Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("alloc %d bytes on %s: %w", size, m.label, err)
	}
	m.used += size
	metrics.PoolUsedBytes.WithLabelValues(m.label).Set(float64(m.used))
	return p, nil
}

// Free releases the block immediately. Nothing is cached.
func (m *NaiveManager) Free(p device.Ptr, size uint64) {
	m.DirectFree(p, size)
}

// DirectFree releases a block to the device. Failures are logged and
// dropped.
func (m *NaiveManager) DirectFree(p device.Ptr, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.raw.Free(p); err != nil {
		m.log.Warn("device free failed", zap.Uint64("bytes", size), zap.Error(err))
		metrics.DeviceFreeFailuresTotal.WithLabelValues(m.label).Inc()
	}
	m.used -= size
	metrics.PoolUsedBytes.WithLabelValues(m.label).Set(float64(m.used))
}

// ReleaseAll is a no-op: nothing is ever cached.
func (m *NaiveManager) ReleaseAll() {}

// UsedBytes reports bytes currently held from the device allocator.
func (m *NaiveManager) UsedBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Close rejects further Alloc calls. Safe to call more than once.
func (m *NaiveManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
