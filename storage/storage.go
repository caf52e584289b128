// Package storage provides pooled device memory management. A Storage
// routes allocation requests to one Manager per device context, created
// lazily on first use. The pooled manager recycles freed blocks by size
// class and sheds its cache under memory pressure; the unpooled manager
// is the passthrough baseline.
package storage

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/denevy/vrampool/device"
)

// DeviceOpener produces the raw allocator for a device context. Tests
// substitute fakes through it.
type DeviceOpener func(d device.Device) (device.Allocator, error)

// Storage routes allocation to one manager per device context. Construct
// one per process and share it; all methods are safe for concurrent use.
type Storage struct {
	mu      sync.Mutex
	cfg     Config
	log     *zap.Logger
	open    DeviceOpener
	entries map[device.Device]*entry
	monitor *Monitor
	closed  bool
}

type entry struct {
	mgr Manager
	raw device.Allocator
}

// Option customizes Storage construction.
type Option func(*Storage)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Storage) { s.log = l }
}

// WithOpener replaces how raw device allocators are obtained.
func WithOpener(open DeviceOpener) Option {
	return func(s *Storage) { s.open = open }
}

// New builds a Storage from cfg. The headroom monitor starts when
// cfg.MonitorInterval is positive.
func New(cfg Config, opts ...Option) (*Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Storage{
		cfg:     cfg,
		entries: make(map[device.Device]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.open == nil {
		s.open = defaultOpener(cfg)
	}
	if cfg.MonitorInterval > 0 {
		s.monitor = newMonitor(s, cfg.MonitorInterval, cfg.AutoRelease)
		s.monitor.Start()
	}
	return s, nil
}

func defaultOpener(cfg Config) DeviceOpener {
	return func(d device.Device) (device.Allocator, error) {
		switch d.Kind {
		case device.CUDA:
			a, err := device.Open(d.Index)
			if err != nil {
				return nil, err
			}
			return a, nil
		case device.CPU:
			return device.NewHostAllocator(nil, cfg.HostCapacity), nil
		default:
			return nil, fmt.Errorf("no allocator for device %s", d)
		}
	}
}

// managerFor returns the manager for d, creating it on first use.
func (s *Storage) managerFor(d device.Device) (Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if e, ok := s.entries[d]; ok {
		return e.mgr, nil
	}

	raw, err := s.open(d)
	if err != nil {
		return nil, fmt.Errorf("open device %s: %w", d, err)
	}

	var mgr Manager
	strategy := s.cfg.Strategy
	if d.Kind == device.CPU {
		// Host allocation is cheap; pooling buys nothing there.
		strategy = StrategyUnpooled
	}
	switch strategy {
	case StrategyUnpooled:
		mgr = NewNaiveManager(d, raw, s.log)
	default:
		mgr = NewPooledManager(d, raw, s.cfg, s.log)
	}

	s.entries[d] = &entry{mgr: mgr, raw: raw}
	s.log.Info("storage manager created",
		zap.String("device", d.String()),
		zap.String("strategy", strategy))
	return mgr, nil
}

// lookup returns the existing manager for d without creating one.
func (s *Storage) lookup(d device.Device) (Manager, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[d]
	if !ok {
		return nil, false
	}
	return e.mgr, true
}

// snapshot copies the entry table for iteration outside the lock.
func (s *Storage) snapshot() map[device.Device]*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[device.Device]*entry, len(s.entries))
	for d, e := range s.entries {
		out[d] = e
	}
	return out
}

// Alloc obtains at least size usable bytes on d.
func (s *Storage) Alloc(d device.Device, size uint64) (Handle, error) {
	mgr, err := s.managerFor(d)
	if err != nil {
		return Handle{}, err
	}
	p, err := mgr.Alloc(size)
	if err != nil {
		return Handle{}, err
	}
	return Handle{Ptr: p, Size: size, Device: d}, nil
}

// MustAlloc is Alloc with the failure policy execution engines rely on:
// an allocation that fails after the pool has been shed is not
// recoverable, so the error is logged at fatal level and the process
// exits.
func (s *Storage) MustAlloc(d device.Device, size uint64) Handle {
	h, err := s.Alloc(d, size)
	if err != nil {
		s.log.Fatal("device allocation failed",
			zap.String("device", d.String()),
			zap.Uint64("bytes", size),
			zap.Error(err))
	}
	return h
}

// Free returns h's block to its device manager for reuse.
func (s *Storage) Free(h Handle) {
	mgr, ok := s.lookup(h.Device)
	if !ok {
		s.log.Warn("free for device with no manager",
			zap.String("device", h.Device.String()))
		return
	}
	mgr.Free(h.Ptr, h.Size)
}

// DirectFree releases h's block straight to the device, bypassing the
// pool.
func (s *Storage) DirectFree(h Handle) {
	mgr, ok := s.lookup(h.Device)
	if !ok {
		s.log.Warn("direct free for device with no manager",
			zap.String("device", h.Device.String()))
		return
	}
	mgr.DirectFree(h.Ptr, h.Size)
}

// ReleaseAll returns every cached block on d to the device.
func (s *Storage) ReleaseAll(d device.Device) {
	if mgr, ok := s.lookup(d); ok {
		mgr.ReleaseAll()
	}
}

// UsedBytes reports bytes currently held from d's allocator, or zero when
// no manager exists yet.
func (s *Storage) UsedBytes(d device.Device) uint64 {
	mgr, ok := s.lookup(d)
	if !ok {
		return 0
	}
	return mgr.UsedBytes()
}

// Stats reports pool counters for d. The second return is false when no
// manager exists or d runs unpooled.
func (s *Storage) Stats(d device.Device) (PoolStats, bool) {
	mgr, ok := s.lookup(d)
	if !ok {
		return PoolStats{}, false
	}
	pm, ok := mgr.(*PooledManager)
	if !ok {
		return PoolStats{}, false
	}
	return pm.Stats(), true
}

// Devices lists the device contexts with a live manager.
func (s *Storage) Devices() []device.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]device.Device, 0, len(s.entries))
	for d := range s.entries {
		out = append(out, d)
	}
	return out
}

// Close stops the monitor, releases every pool and tears down the device
// contexts. Managers stay reachable so late frees are absorbed instead of
// crashing. Safe to call more than once.
func (s *Storage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	mon := s.monitor
	snap := make(map[device.Device]*entry, len(s.entries))
	for d, e := range s.entries {
		snap[d] = e
	}
	s.mu.Unlock()

	if mon != nil {
		mon.Stop()
	}

	var firstErr error
	for d, e := range snap {
		if err := e.mgr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := e.raw.Close(); err != nil {
			s.log.Warn("device close failed",
				zap.String("device", d.String()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
