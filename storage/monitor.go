package storage

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/denevy/vrampool/device"
	"github.com/denevy/vrampool/internal/metrics"
)

// Pressure levels exported by the monitor gauge.
const (
	PressureLow      = 0
	PressureModerate = 1
	PressureHigh     = 2
	PressureCritical = 3
)

// Monitor periodically samples device memory for every live manager and
// exports headroom gauges. With autoRelease it also releases a device's
// pool once free memory falls to the reserve, ahead of the allocation
// path doing the same.
type Monitor struct {
	st          *Storage
	interval    time.Duration
	autoRelease bool

	// lastLevels is only touched by the sampling goroutine.
	lastLevels map[device.Device]int

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func newMonitor(st *Storage, interval time.Duration, autoRelease bool) *Monitor {
	return &Monitor{
		st:          st,
		interval:    interval,
		autoRelease: autoRelease,
		lastLevels:  make(map[device.Device]int),
		stopCh:      make(chan struct{}),
	}
}

// Start begins sampling. Subsequent calls are no-ops while running.
func (m *Monitor) Start() {
	if m.running.Swap(true) {
		return
	}
	m.wg.Add(1)
	go m.run()
}

// Stop halts sampling and waits for the loop to exit.
func (m *Monitor) Stop() {
	if !m.running.Swap(false) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

// sample performs one pass over the live managers.
func (m *Monitor) sample() {
	reserve := uint64(m.st.cfg.ReservePercent)
	for d, e := range m.st.snapshot() {
		free, total, err := e.raw.MemInfo()
		if err != nil {
			m.st.log.Warn("monitor free-memory query failed",
				zap.String("device", d.String()), zap.Error(err))
			continue
		}

		label := d.String()
		metrics.DeviceFreeBytes.WithLabelValues(label).Set(float64(free))
		metrics.DeviceTotalBytes.WithLabelValues(label).Set(float64(total))

		level := pressureLevel(free, total, reserve)
		metrics.MonitorPressureLevel.WithLabelValues(label).Set(float64(level))
		if prev, seen := m.lastLevels[d]; !seen || prev != level {
			m.st.log.Info("memory pressure level changed",
				zap.String("device", label),
				zap.Int("level", level),
				zap.Uint64("free", free),
				zap.Uint64("total", total))
			m.lastLevels[d] = level
		}

		reserved := total * reserve / 100
		if free > reserved {
			continue
		}
		if m.autoRelease {
			if pm, ok := e.mgr.(*PooledManager); ok {
				m.st.log.Warn("free memory at reserve, releasing pool",
					zap.String("device", label),
					zap.Uint64("free", free),
					zap.Uint64("reserved", reserved))
				pm.release("monitor")
				continue
			}
		}
		m.st.log.Warn("device free memory at or below reserve",
			zap.String("device", label),
			zap.Uint64("free", free),
			zap.Uint64("reserved", reserved))
	}
}

// pressureLevel buckets headroom against the reserve. With a zero
// reserve no headroom is kept, so pressure registers only once free
// memory is exhausted, mirroring the allocation path's eviction rule.
func pressureLevel(free, total, reservePercent uint64) int {
	if total == 0 {
		return PressureLow
	}
	reserved := total * reservePercent / 100
	switch {
	case free <= reserved/2:
		return PressureCritical
	case free <= reserved:
		return PressureHigh
	case free <= 2*reserved:
		return PressureModerate
	default:
		return PressureLow
	}
}

// Monitor returns the background monitor, or nil when disabled.
func (s *Storage) Monitor() *Monitor {
	return s.monitor
}
