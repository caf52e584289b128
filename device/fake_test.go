package device

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_Accounting(t *testing.T) {
	f := NewFake(1000)

	p, err := f.Malloc(100)
	require.NoError(t, err)
	require.NotZero(t, p)
	assert.Equal(t, uint64(100), f.UsedBytes())
	assert.Equal(t, uint64(100), f.LastMallocSize())
	assert.Equal(t, 1, f.Mallocs())
	assert.Equal(t, 1, f.OutstandingBlocks())

	free, total, err := f.MemInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(900), free)
	assert.Equal(t, uint64(1000), total)
	assert.Equal(t, 1, f.MemInfoCalls())

	require.NoError(t, f.Free(p))
	assert.Equal(t, uint64(0), f.UsedBytes())
	assert.Equal(t, 1, f.Frees())
	assert.Equal(t, 0, f.OutstandingBlocks())
}

func TestFake_DistinctPointers(t *testing.T) {
	f := NewFake(1 << 20)

	seen := make(map[Ptr]bool)
	for i := 0; i < 100; i++ {
		p, err := f.Malloc(64)
		require.NoError(t, err)
		require.False(t, seen[p])
		seen[p] = true
	}
}

func TestFake_Exhaustion(t *testing.T) {
	f := NewFake(100)

	p, err := f.Malloc(80)
	require.NoError(t, err)

	_, err = f.Malloc(30)
	assert.Error(t, err)

	// A request large enough to wrap the accounting fails the same way
	_, err = f.Malloc(math.MaxUint64)
	assert.Error(t, err)
	assert.Equal(t, uint64(80), f.UsedBytes())

	require.NoError(t, f.Free(p))
	_, err = f.Malloc(30)
	assert.NoError(t, err)
}

func TestFake_FreeMemOverride(t *testing.T) {
	f := NewFake(1000)

	f.SetFreeMem(42)
	free, total, err := f.MemInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), free)
	assert.Equal(t, uint64(1000), total)

	f.ClearFreeMem()
	free, _, err = f.MemInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), free)
}

func TestFake_ErrorInjection(t *testing.T) {
	f := NewFake(1000)

	mallocErr := errors.New("malloc down")
	f.SetMallocErr(mallocErr)
	_, err := f.Malloc(10)
	assert.True(t, errors.Is(err, mallocErr))
	f.SetMallocErr(nil)

	p, err := f.Malloc(10)
	require.NoError(t, err)

	freeErr := errors.New("free down")
	f.SetFreeErr(freeErr)
	assert.True(t, errors.Is(f.Free(p), freeErr))
	// The block was not released while freeing failed
	assert.Equal(t, uint64(10), f.UsedBytes())
	f.SetFreeErr(nil)
	require.NoError(t, f.Free(p))

	infoErr := errors.New("meminfo down")
	f.SetMemInfoErr(infoErr)
	_, _, err = f.MemInfo()
	assert.True(t, errors.Is(err, infoErr))
}

func TestFake_UnknownFree(t *testing.T) {
	f := NewFake(1000)

	p, err := f.Malloc(10)
	require.NoError(t, err)
	require.NoError(t, f.Free(p))

	// Double free is observable
	assert.Error(t, f.Free(p))
	assert.Equal(t, 1, f.UnknownFrees())
}

func TestFake_Close(t *testing.T) {
	f := NewFake(1000)

	_, err := f.Malloc(10)
	require.NoError(t, err)

	require.NoError(t, f.Close())
	assert.Equal(t, uint64(0), f.UsedBytes())

	_, err = f.Malloc(10)
	assert.Error(t, err)
}
