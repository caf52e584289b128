package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denevy/vrampool/device"
	"github.com/denevy/vrampool/internal/metrics"
)

func TestPressureLevel(t *testing.T) {
	tests := []struct {
		name    string
		free    uint64
		total   uint64
		reserve uint64
		want    int
	}{
		{"PlentyFree", 900, 1000, 5, PressureLow},
		{"TwiceReserve", 100, 1000, 5, PressureModerate},
		{"AtReserve", 50, 1000, 5, PressureHigh},
		{"BelowHalfReserve", 25, 1000, 5, PressureCritical},
		{"Nothing", 0, 1000, 5, PressureCritical},
		{"ZeroTotal", 0, 0, 5, PressureLow},
		{"ZeroReserve", 10, 1000, 0, PressureLow},
		{"ZeroReserveExhausted", 0, 1000, 0, PressureCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pressureLevel(tt.free, tt.total, tt.reserve))
		})
	}
}

func TestMonitor_TracksLevelTransitions(t *testing.T) {
	st, opener := newTestStorage(t, DefaultConfig())
	defer func() { _ = st.Close() }()

	dev := device.CUDADevice(0)
	h, err := st.Alloc(dev, 100)
	require.NoError(t, err)
	st.Free(h)

	mon := newMonitor(st, time.Hour, false)
	mon.sample()
	assert.Equal(t, PressureLow, mon.lastLevels[dev])

	fake := opener.fakes[dev]
	fake.SetFreeMem(10)
	mon.sample()
	assert.Equal(t, PressureCritical, mon.lastLevels[dev])

	mon.sample() // steady state, level sticks
	assert.Equal(t, PressureCritical, mon.lastLevels[dev])
	assert.Len(t, mon.lastLevels, 1)
}

func TestMonitor_ExportsGauges(t *testing.T) {
	st, opener := newTestStorage(t, DefaultConfig())
	defer func() { _ = st.Close() }()

	// Private ordinal keeps these labels isolated from other tests
	dev := device.CUDADevice(77)
	label := dev.String()
	h, err := st.Alloc(dev, 100)
	require.NoError(t, err)
	st.Free(h)

	fake := opener.fakes[dev]
	fake.SetFreeMem(600 << 20)

	mon := newMonitor(st, time.Hour, false)
	mon.sample()

	assert.Equal(t, float64(600<<20), testutil.ToFloat64(metrics.DeviceFreeBytes.WithLabelValues(label)))
	assert.Equal(t, float64(1<<30), testutil.ToFloat64(metrics.DeviceTotalBytes.WithLabelValues(label)))
	assert.Equal(t, float64(PressureLow), testutil.ToFloat64(metrics.MonitorPressureLevel.WithLabelValues(label)))

	// The gauges track the next sample
	fake.SetFreeMem(10)
	mon.sample()

	assert.Equal(t, float64(10), testutil.ToFloat64(metrics.DeviceFreeBytes.WithLabelValues(label)))
	assert.Equal(t, float64(PressureCritical), testutil.ToFloat64(metrics.MonitorPressureLevel.WithLabelValues(label)))
}

func TestMonitor_AutoReleaseShedsPool(t *testing.T) {
	cfg := DefaultConfig()
	st, opener := newTestStorage(t, cfg)
	defer func() { _ = st.Close() }()

	dev := device.CUDADevice(0)
	h, err := st.Alloc(dev, 100)
	require.NoError(t, err)
	st.Free(h)

	fake := opener.fakes[dev]
	fake.SetFreeMem(10) // at 1GiB total the reserve is far larger

	mon := newMonitor(st, time.Hour, true)
	mon.sample()

	assert.Equal(t, 1, fake.Frees())
	stats, ok := st.Stats(dev)
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, 0, stats.PooledBlocks)
}

func TestMonitor_WithoutAutoReleaseKeepsPool(t *testing.T) {
	st, opener := newTestStorage(t, DefaultConfig())
	defer func() { _ = st.Close() }()

	dev := device.CUDADevice(0)
	h, err := st.Alloc(dev, 100)
	require.NoError(t, err)
	st.Free(h)

	fake := opener.fakes[dev]
	fake.SetFreeMem(10)

	mon := newMonitor(st, time.Hour, false)
	mon.sample()

	assert.Equal(t, 0, fake.Frees())
	stats, ok := st.Stats(dev)
	require.True(t, ok)
	assert.Equal(t, 1, stats.PooledBlocks)
}

func TestMonitor_AboveReserveLeavesPool(t *testing.T) {
	st, opener := newTestStorage(t, DefaultConfig())
	defer func() { _ = st.Close() }()

	dev := device.CUDADevice(0)
	h, err := st.Alloc(dev, 100)
	require.NoError(t, err)
	st.Free(h)

	mon := newMonitor(st, time.Hour, true)
	mon.sample() // derived free is nearly the whole device

	assert.Equal(t, 0, opener.fakes[dev].Frees())
}

func TestMonitor_SkipsFailedQuery(t *testing.T) {
	st, opener := newTestStorage(t, DefaultConfig())
	defer func() { _ = st.Close() }()

	dev := device.CUDADevice(0)
	h, err := st.Alloc(dev, 100)
	require.NoError(t, err)
	st.Free(h)

	fake := opener.fakes[dev]
	fake.SetMemInfoErr(errors.New("driver busy"))

	mon := newMonitor(st, time.Hour, true)
	mon.sample()

	// Unlike the allocation path, the monitor does not release blind
	assert.Equal(t, 0, fake.Frees())
}

func TestMonitor_StartStop(t *testing.T) {
	st, opener := newTestStorage(t, DefaultConfig())
	defer func() { _ = st.Close() }()

	dev := device.CUDADevice(0)
	h, err := st.Alloc(dev, 100)
	require.NoError(t, err)
	st.Free(h)

	fake := opener.fakes[dev]
	before := fake.MemInfoCalls()

	mon := newMonitor(st, 10*time.Millisecond, false)
	mon.Start()
	mon.Start() // second start is a no-op
	time.Sleep(60 * time.Millisecond)
	mon.Stop()
	mon.Stop() // second stop is a no-op

	sampled := fake.MemInfoCalls() - before
	assert.Greater(t, sampled, 0)

	// No further samples after Stop
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, sampled, fake.MemInfoCalls()-before)
}

func TestStorage_MonitorLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MonitorInterval = 10 * time.Millisecond
	cfg.AutoRelease = true

	opener := newTrackingOpener(1000)
	st, err := New(cfg, WithOpener(opener.open))
	require.NoError(t, err)
	require.NotNil(t, st.Monitor())

	dev := device.CUDADevice(0)
	h, err := st.Alloc(dev, 100)
	require.NoError(t, err)
	st.Free(h)

	// Starve the device; the monitor should shed the pool on its own
	opener.fakes[dev].SetFreeMem(10)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if stats, ok := st.Stats(dev); ok && stats.Evictions > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	stats, ok := st.Stats(dev)
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.Evictions)

	require.NoError(t, st.Close())
}
