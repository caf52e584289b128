package device

import (
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// DefaultHostCapacity is the virtual capacity MemInfo reports when none
// is configured.
const DefaultHostCapacity uint64 = 1 << 30

// HostAllocator implements Allocator on host memory. Buffers come from an
// Arrow allocator and are held in a registry while outstanding, which
// keeps the backing block reachable so the returned Ptr stays valid.
// MemInfo reports a virtual capacity so the same headroom policy applies
// on the host path as on a device.
type HostAllocator struct {
	mu       sync.Mutex
	mem      memory.Allocator
	capacity uint64
	used     uint64
	blocks   map[Ptr][]byte
	closed   bool
}

var _ Allocator = (*HostAllocator)(nil)

// NewHostAllocator builds a host allocator over mem with the given
// virtual capacity. A nil mem selects memory.DefaultAllocator; a zero
// capacity selects DefaultHostCapacity.
func NewHostAllocator(mem memory.Allocator, capacity uint64) *HostAllocator {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	if capacity == 0 {
		capacity = DefaultHostCapacity
	}
	return &HostAllocator{
		mem:      mem,
		capacity: capacity,
		blocks:   make(map[Ptr][]byte),
	}
}

// Malloc allocates size bytes of host memory.
func (h *HostAllocator) Malloc(size uint64) (Ptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, fmt.Errorf("host allocator is closed")
	}
	if size > math.MaxInt {
		return 0, fmt.Errorf("host allocator: %d bytes exceeds addressable size", size)
	}
	n := int(size)
	if n == 0 {
		n = 1
	}
	// used never exceeds capacity, so the subtraction cannot wrap
	if uint64(n) > h.capacity-h.used {
		return 0, fmt.Errorf("host allocator: %d bytes requested, %d of %d in use", size, h.used, h.capacity)
	}
	b := h.mem.Allocate(n)
	p := Ptr(uintptr(unsafe.Pointer(&b[0])))
	h.blocks[p] = b
	h.used += uint64(n)
	return p, nil
}

// Free releases a pointer obtained from Malloc.
func (h *HostAllocator) Free(p Ptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.blocks[p]
	if !ok {
		return fmt.Errorf("host allocator: unknown pointer %#x", uintptr(p))
	}
	delete(h.blocks, p)
	h.used -= uint64(len(b))
	h.mem.Free(b)
	return nil
}

// MemInfo reports remaining and total virtual capacity.
func (h *HostAllocator) MemInfo() (free, total uint64, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.capacity - h.used, h.capacity, nil
}

// Outstanding returns the number of blocks currently registered.
func (h *HostAllocator) Outstanding() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.blocks)
}

// Close frees every registered block and rejects further Malloc calls.
// Outstanding pointers become invalid. Safe to call more than once.
func (h *HostAllocator) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for p, b := range h.blocks {
		delete(h.blocks, p)
		h.mem.Free(b)
	}
	h.used = 0
	return nil
}
