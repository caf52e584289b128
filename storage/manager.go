package storage

import "github.com/denevy/vrampool/device"

// Manager owns every block it hands out for one device context.
// Implementations are safe for concurrent use.
type Manager interface {
	// Alloc returns a pointer to at least size usable bytes. The caller
	// owns the block until it passes it back to Free or DirectFree with
	// the same size.
	Alloc(size uint64) (device.Ptr, error)

	// Free returns a block for reuse.
	Free(p device.Ptr, size uint64)

	// DirectFree releases a block straight to the device, bypassing any
	// cache.
	DirectFree(p device.Ptr, size uint64)

	// ReleaseAll returns every cached block to the device. Outstanding
	// blocks are unaffected.
	ReleaseAll()

	// UsedBytes reports bytes currently held from the device allocator,
	// outstanding and cached alike.
	UsedBytes() uint64

	// Close releases all cached blocks and rejects further Alloc calls.
	Close() error
}
