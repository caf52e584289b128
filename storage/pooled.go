package storage

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/denevy/vrampool/device"
	"github.com/denevy/vrampool/internal/metrics"
)

// PooledManager caches freed device blocks by size class for reuse.
//
// Raw device allocation synchronizes with in-flight device work, so the
// tight alloc/free cycle of tensor workloads is served from free lists
// instead: Free parks a block under its padded size class, Alloc pops the
// most recently parked block of the same class without touching the
// device. A cache miss consults the device's free memory first and
// releases the entire pool when the headroom sits at or below the
// configured reserve, then allocates fresh.
//
// A single mutex covers every operation. Alloc, Free and ReleaseAll are
// short map manipulations except for the raw device calls on the miss
// path, and the lock guarantees the free-memory check and the allocation
// it gates cannot interleave with another release.
type PooledManager struct {
	mu  sync.Mutex
	dev device.Device
	raw device.Allocator
	log *zap.Logger

	reservePercent uint64
	padding        uint64
	maxAlloc       uint64

	// pool maps padded size class to the blocks parked under it. The tail
	// of each slice is the most recently freed block.
	pool map[uint64][]device.Ptr

	used         uint64
	pooledBytes  uint64
	pooledBlocks int

	hits      uint64
	misses    uint64
	evictions uint64
	closed    bool

	label string
}

var _ Manager = (*PooledManager)(nil)

// NewPooledManager builds a pooled manager for dev on top of raw. A nil
// logger disables logging.
func NewPooledManager(dev device.Device, raw device.Allocator, cfg Config, logger *zap.Logger) *PooledManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	label := dev.String()
	return &PooledManager{
		dev:            dev,
		raw:            raw,
		log:            logger.With(zap.String("device", label)),
		reservePercent: uint64(cfg.ReservePercent),
		padding:        cfg.Padding,
		maxAlloc:       cfg.MaxAlloc,
		pool:           make(map[uint64][]device.Ptr),
		label:          label,
	}
}

// Alloc returns a block of at least size usable bytes.
func (m *PooledManager) Alloc(size uint64) (device.Ptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	padded := size + m.padding
	if padded < size {
		return 0, fmt.Errorf("%w: size %d overflows when padded", ErrOversizeAlloc, size)
	}

	if bucket := m.pool[padded]; len(bucket) > 0 {
		p := bucket[len(bucket)-1]
		m.pool[padded] = bucket[:len(bucket)-1]
		m.hits++
		m.pooledBytes -= padded
		m.pooledBlocks--
		metrics.PoolAllocationsTotal.WithLabelValues(m.label, "hit").Inc()
		metrics.PoolPooledBytes.WithLabelValues(m.label).Set(float64(m.pooledBytes))
		metrics.PoolPooledBlocks.WithLabelValues(m.label).Set(float64(m.pooledBlocks))
		return p, nil
	}

	if m.maxAlloc > 0 && padded > m.maxAlloc {
		return 0, fmt.Errorf("%w: %d bytes requested (%d padded), limit %d",
			ErrOversizeAlloc, size, padded, m.maxAlloc)
	}

	m.misses++
	metrics.PoolAllocationsTotal.WithLabelValues(m.label, "miss").Inc()

	free, total, err := m.raw.MemInfo()
	if err != nil {
		// No headroom signal. Assume the worst and drop the cache.
		m.log.Warn("free-memory query failed, releasing pool", zap.Error(err))
		m.releaseAllLocked("pressure")
	} else {
		reserved := total * m.reservePercent / 100
		if free <= reserved || padded > free-reserved {
			m.releaseAllLocked("pressure")
		}
	}

	start := time.Now()
	p, err := m.raw.Malloc(padded)
	metrics.DeviceMallocSeconds.WithLabelValues(m.label).Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("alloc %d bytes on %s: %w: %w", padded, m.label, ErrExhausted, err)
	}
	m.used += padded
	metrics.PoolUsedBytes.WithLabelValues(m.label).Set(float64(m.used))
	return p, nil
}

// Free parks a block under its size class for reuse. size must be the
// size passed to the Alloc that returned p; a mismatch corrupts the size
// class and is not detected. After Close the block goes straight back to
// the device instead.
func (m *PooledManager) Free(p device.Ptr, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	padded := size + m.padding
	if m.closed {
		m.directFreeLocked(p, padded)
		return
	}
	m.pool[padded] = append(m.pool[padded], p)
	m.pooledBytes += padded
	m.pooledBlocks++
	metrics.PoolPooledBytes.WithLabelValues(m.label).Set(float64(m.pooledBytes))
	metrics.PoolPooledBlocks.WithLabelValues(m.label).Set(float64(m.pooledBlocks))
}

// DirectFree releases a block straight to the device, bypassing the pool.
func (m *PooledManager) DirectFree(p device.Ptr, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.directFreeLocked(p, size+m.padding)
}

// directFreeLocked takes the padded size. Device-side free failures are
// logged and dropped: the block is gone as far as callers are concerned.
func (m *PooledManager) directFreeLocked(p device.Ptr, padded uint64) {
	if err := m.raw.Free(p); err != nil {
		m.log.Warn("device free failed", zap.Uint64("bytes", padded), zap.Error(err))
		metrics.DeviceFreeFailuresTotal.WithLabelValues(m.label).Inc()
	}
	m.used -= padded
	metrics.PoolUsedBytes.WithLabelValues(m.label).Set(float64(m.used))
}

// ReleaseAll returns every pooled block to the device and empties the
// pool. Outstanding blocks are unaffected.
func (m *PooledManager) ReleaseAll() {
	m.release("manual")
}

func (m *PooledManager) release(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseAllLocked(reason)
}

func (m *PooledManager) releaseAllLocked(reason string) {
	if m.pooledBlocks == 0 {
		return
	}
	for padded, ptrs := range m.pool {
		for _, p := range ptrs {
			m.directFreeLocked(p, padded)
		}
	}
	clear(m.pool)
	released := m.pooledBytes
	m.pooledBytes = 0
	m.pooledBlocks = 0
	m.evictions++
	metrics.PoolEvictionsTotal.WithLabelValues(m.label, reason).Inc()
	metrics.PoolPooledBytes.WithLabelValues(m.label).Set(0)
	metrics.PoolPooledBlocks.WithLabelValues(m.label).Set(0)
	m.log.Info("pool released",
		zap.String("reason", reason),
		zap.Uint64("bytes", released))
}

// UsedBytes reports bytes currently held from the device allocator.
func (m *PooledManager) UsedBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Close releases the pool and rejects further Alloc calls. Blocks freed
// afterwards go straight back to the device. Safe to call more than once.
func (m *PooledManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.releaseAllLocked("close")
	m.closed = true
	return nil
}

// PoolStats is a point-in-time snapshot of pool activity.
type PoolStats struct {
	Hits         uint64
	Misses       uint64
	Evictions    uint64
	UsedBytes    uint64
	PooledBytes  uint64
	PooledBlocks int
}

// Stats returns a snapshot of the pool counters.
func (m *PooledManager) Stats() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return PoolStats{
		Hits:         m.hits,
		Misses:       m.misses,
		Evictions:    m.evictions,
		UsedBytes:    m.used,
		PooledBytes:  m.pooledBytes,
		PooledBlocks: m.pooledBlocks,
	}
}
