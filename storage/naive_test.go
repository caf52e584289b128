package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denevy/vrampool/device"
)

func TestNaiveManager_Passthrough(t *testing.T) {
	fake := device.NewFake(1 << 30)
	mgr := NewNaiveManager(device.CUDADevice(0), fake, nil)

	p1, err := mgr.Alloc(100)
	require.NoError(t, err)
	mgr.Free(p1, 100)

	// No caching: the same request allocates again
	p2, err := mgr.Alloc(100)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.Mallocs())
	assert.Equal(t, 1, fake.Frees())

	// No padding either
	assert.Equal(t, uint64(100), fake.LastMallocSize())
	assert.Equal(t, uint64(100), mgr.UsedBytes())

	mgr.DirectFree(p2, 100)
	assert.Equal(t, uint64(0), mgr.UsedBytes())
	assert.Equal(t, 0, fake.OutstandingBlocks())
}

func TestNaiveManager_NoHeadroomQuery(t *testing.T) {
	fake := device.NewFake(1 << 30)
	mgr := NewNaiveManager(device.CUDADevice(0), fake, nil)

	_, err := mgr.Alloc(100)
	require.NoError(t, err)
	assert.Equal(t, 0, fake.MemInfoCalls())
}

func TestNaiveManager_ReleaseAllNoop(t *testing.T) {
	fake := device.NewFake(1 << 30)
	mgr := NewNaiveManager(device.CUDADevice(0), fake, nil)

	p, err := mgr.Alloc(100)
	require.NoError(t, err)

	mgr.ReleaseAll()
	assert.Equal(t, 0, fake.Frees())
	assert.Equal(t, uint64(100), mgr.UsedBytes())

	mgr.Free(p, 100)
}

func TestNaiveManager_AllocError(t *testing.T) {
	fake := device.NewFake(50)
	mgr := NewNaiveManager(device.CUDADevice(0), fake, nil)

	_, err := mgr.Alloc(100)
	assert.Error(t, err)
}

func TestNaiveManager_Close(t *testing.T) {
	fake := device.NewFake(1 << 30)
	mgr := NewNaiveManager(device.CUDADevice(0), fake, nil)

	p, err := mgr.Alloc(100)
	require.NoError(t, err)

	require.NoError(t, mgr.Close())
	require.NoError(t, mgr.Close())

	_, err = mgr.Alloc(100)
	assert.True(t, errors.Is(err, ErrClosed))

	// Frees still pass through after close
	mgr.Free(p, 100)
	assert.Equal(t, 1, fake.Frees())
	assert.Equal(t, uint64(0), mgr.UsedBytes())
}
