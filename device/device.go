package device

import "fmt"

// Kind enumerates the device classes the storage layer can allocate on.
type Kind uint8

const (
	CPU Kind = iota
	CUDA
)

func (k Kind) String() string {
	switch k {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Device identifies a single device context: a kind plus an ordinal.
// The ordinal is meaningless for CPU.
type Device struct {
	Kind  Kind
	Index int
}

// CPU0 is the host device.
var CPU0 = Device{Kind: CPU}

// CUDADevice returns the Device for a CUDA ordinal.
func CUDADevice(index int) Device {
	return Device{Kind: CUDA, Index: index}
}

func (d Device) String() string {
	if d.Kind == CPU {
		return "cpu"
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}

// Ptr is an opaque device pointer. For GPU memory it is a raw driver
// handle and must never be dereferenced on the host side.
type Ptr uintptr

// Allocator is the raw allocation capability of one device context.
// Implementations must be safe for concurrent use.
type Allocator interface {
	// Malloc allocates size bytes and returns a handle to them.
	Malloc(size uint64) (Ptr, error)

	// Free releases a pointer previously returned by Malloc.
	Free(p Ptr) error

	// MemInfo reports the device's current free and total memory in bytes.
	MemInfo() (free, total uint64, err error)

	// Close tears down the underlying context. The allocator is unusable
	// afterwards.
	Close() error
}

// Info describes a physical device, for probing and logging.
type Info struct {
	Index      int
	Name       string
	TotalMem   uint64
	ComputeMaj int
	ComputeMin int
	SMCount    int
}

func (i Info) String() string {
	return fmt.Sprintf("%s (SM %d.%d, %d SMs, %d MiB)",
		i.Name, i.ComputeMaj, i.ComputeMin, i.SMCount, i.TotalMem>>20)
}
