package device

import (
	"fmt"
	"sync"
)

// Fake is an in-memory stand-in for a device allocator. Pointers are
// fabricated monotonically and never dereferenced; accounting tracks what
// a real device would report. Tests and the bench tool's simulated mode
// use it to drive the storage layer without hardware, including failure
// injection for the malloc, free and meminfo paths.
type Fake struct {
	mu     sync.Mutex
	total  uint64
	used   uint64
	next   uintptr
	blocks map[Ptr]uint64

	freeOverride *uint64
	mallocErr    error
	freeErr      error
	memInfoErr   error

	mallocs      int
	frees        int
	memInfoCalls int
	unknownFrees int
	lastMalloc   uint64
	closed       bool
}

var _ Allocator = (*Fake)(nil)

// NewFake builds a fake device with the given total memory.
func NewFake(total uint64) *Fake {
	return &Fake{
		total:  total,
		next:   0x10000,
		blocks: make(map[Ptr]uint64),
	}
}

// Malloc fabricates a pointer to size bytes, or fails when an error is
// injected or the simulated memory is exhausted.
func (f *Fake) Malloc(size uint64) (Ptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, fmt.Errorf("fake device is closed")
	}
	if f.mallocErr != nil {
		return 0, f.mallocErr
	}
	// used never exceeds total, so the subtraction cannot wrap
	if size > f.total-f.used {
		return 0, fmt.Errorf("fake device out of memory: %d bytes requested, %d of %d in use", size, f.used, f.total)
	}
	p := Ptr(f.next)
	f.next += uintptr(size) + 64
	f.blocks[p] = size
	f.used += size
	f.mallocs++
	f.lastMalloc = size
	return p, nil
}

// Free releases a fabricated pointer. An injected error is returned
// without releasing the block, mimicking a device-side failure.
func (f *Fake) Free(p Ptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.freeErr != nil {
		return f.freeErr
	}
	size, ok := f.blocks[p]
	if !ok {
		f.unknownFrees++
		return fmt.Errorf("fake device: unknown pointer %#x", uintptr(p))
	}
	delete(f.blocks, p)
	f.used -= size
	f.frees++
	return nil
}

// MemInfo reports simulated free and total memory. SetFreeMem overrides
// the derived free value.
func (f *Fake) MemInfo() (free, total uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memInfoCalls++
	if f.memInfoErr != nil {
		return 0, 0, f.memInfoErr
	}
	if f.freeOverride != nil {
		return *f.freeOverride, f.total, nil
	}
	return f.total - f.used, f.total, nil
}

// Close marks the device closed. Registered blocks are dropped.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	clear(f.blocks)
	f.used = 0
	return nil
}

// SetFreeMem pins the free value MemInfo reports, regardless of what has
// been allocated.
func (f *Fake) SetFreeMem(free uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freeOverride = &free
}

// ClearFreeMem restores the derived free value.
func (f *Fake) ClearFreeMem() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freeOverride = nil
}

// SetMallocErr makes every Malloc fail with err until cleared with nil.
func (f *Fake) SetMallocErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mallocErr = err
}

// SetFreeErr makes every Free fail with err until cleared with nil.
func (f *Fake) SetFreeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freeErr = err
}

// SetMemInfoErr makes every MemInfo fail with err until cleared with nil.
func (f *Fake) SetMemInfoErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memInfoErr = err
}

// Mallocs returns the number of successful Malloc calls.
func (f *Fake) Mallocs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mallocs
}

// Frees returns the number of successful Free calls.
func (f *Fake) Frees() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frees
}

// MemInfoCalls returns the number of MemInfo calls, failed ones included.
func (f *Fake) MemInfoCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memInfoCalls
}

// UnknownFrees returns the number of Free calls that named an unregistered
// pointer. Double frees land here.
func (f *Fake) UnknownFrees() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unknownFrees
}

// UsedBytes returns the simulated bytes in use.
func (f *Fake) UsedBytes() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used
}

// OutstandingBlocks returns the number of live fabricated blocks.
func (f *Fake) OutstandingBlocks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.blocks)
}

// LastMallocSize returns the size of the most recent successful Malloc.
func (f *Fake) LastMallocSize() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastMalloc
}
