package device

// CUDA Driver API binding via purego. The driver library is dlopen'd at
// runtime, so no cgo is involved and hosts without an NVIDIA driver fail
// with a regular error instead of at link time. Only the memory-management
// surface is bound: init, device query, context create/destroy, malloc,
// free and meminfo.

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ebitengine/purego"
)

// ErrDriverNotFound is returned when libcuda cannot be loaded. Callers can
// test for it with errors.Is to distinguish a missing driver from a driver
// that loaded but failed.
var ErrDriverNotFound = errors.New("cuda driver not found")

// cuResult mirrors the driver's CUresult codes, for the subset we can
// encounter.
type cuResult int32

const (
	cuSuccess           cuResult = 0
	cuErrInvalidValue   cuResult = 1
	cuErrOutOfMemory    cuResult = 2
	cuErrNotInitialized cuResult = 3
	cuErrNoDevice       cuResult = 100
	cuErrInvalidDevice  cuResult = 101
	cuErrInvalidContext cuResult = 201
)

var cuResultNames = map[cuResult]string{
	cuErrInvalidValue:   "INVALID_VALUE",
	cuErrOutOfMemory:    "OUT_OF_MEMORY",
	cuErrNotInitialized: "NOT_INITIALIZED",
	cuErrNoDevice:       "NO_DEVICE",
	cuErrInvalidDevice:  "INVALID_DEVICE",
	cuErrInvalidContext: "INVALID_CONTEXT",
}

func (r cuResult) Error() string {
	if name, ok := cuResultNames[r]; ok {
		return fmt.Sprintf("CUDA_ERROR_%s (%d)", name, int32(r))
	}
	return fmt.Sprintf("CUDA_ERROR(%d)", int32(r))
}

// Device attribute codes.
const (
	attrMultiprocessorCount    = 16
	attrComputeCapabilityMajor = 75
	attrComputeCapabilityMinor = 76
)

var (
	driverOnce sync.Once
	driverErr  error

	cuInit               func(flags uint32) cuResult
	cuDeviceGetCount     func(count *int32) cuResult
	cuDeviceGet          func(dev *int32, ordinal int32) cuResult
	cuDeviceGetName      func(name *byte, n int32, dev int32) cuResult
	cuDeviceGetAttribute func(val *int32, attrib int32, dev int32) cuResult
	cuDeviceTotalMem     func(bytes *uint64, dev int32) cuResult
	cuCtxCreate          func(pctx *uintptr, flags uint32, dev int32) cuResult
	cuCtxSetCurrent      func(ctx uintptr) cuResult
	cuCtxDestroy         func(ctx uintptr) cuResult
	cuMemAlloc           func(dptr *uintptr, bytesize uint64) cuResult
	cuMemFree            func(dptr uintptr) cuResult
	cuMemGetInfo         func(free, total *uint64) cuResult
)

// initDriver loads libcuda, registers the function pointers and runs
// cuInit. Failures are sticky.
func initDriver() error {
	driverOnce.Do(func() {
		var lib uintptr
		lib, driverErr = purego.Dlopen("libcuda.so.1", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
		if driverErr != nil {
			lib, driverErr = purego.Dlopen("libcuda.so", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
			if driverErr != nil {
				driverErr = fmt.Errorf("%w: %v (is the NVIDIA driver installed?)", ErrDriverNotFound, driverErr)
				return
			}
		}

		purego.RegisterLibFunc(&cuInit, lib, "cuInit")
		purego.RegisterLibFunc(&cuDeviceGetCount, lib, "cuDeviceGetCount")
		purego.RegisterLibFunc(&cuDeviceGet, lib, "cuDeviceGet")
		purego.RegisterLibFunc(&cuDeviceGetName, lib, "cuDeviceGetName")
		purego.RegisterLibFunc(&cuDeviceGetAttribute, lib, "cuDeviceGetAttribute")
		purego.RegisterLibFunc(&cuDeviceTotalMem, lib, "cuDeviceTotalMem_v2")
		purego.RegisterLibFunc(&cuCtxCreate, lib, "cuCtxCreate_v2")
		purego.RegisterLibFunc(&cuCtxSetCurrent, lib, "cuCtxSetCurrent")
		purego.RegisterLibFunc(&cuCtxDestroy, lib, "cuCtxDestroy_v2")
		purego.RegisterLibFunc(&cuMemAlloc, lib, "cuMemAlloc_v2")
		purego.RegisterLibFunc(&cuMemFree, lib, "cuMemFree_v2")
		purego.RegisterLibFunc(&cuMemGetInfo, lib, "cuMemGetInfo_v2")

		if r := cuInit(0); r != cuSuccess {
			driverErr = fmt.Errorf("cuInit: %w", r)
		}
	})
	return driverErr
}

// Count returns the number of visible CUDA devices.
func Count() (int, error) {
	if err := initDriver(); err != nil {
		return 0, err
	}
	var n int32
	if r := cuDeviceGetCount(&n); r != cuSuccess {
		return 0, fmt.Errorf("cuDeviceGetCount: %w", r)
	}
	return int(n), nil
}

// Query returns static information about a CUDA device. No context is
// created.
func Query(ordinal int) (Info, error) {
	if err := initDriver(); err != nil {
		return Info{}, err
	}
	var dev int32
	if r := cuDeviceGet(&dev, int32(ordinal)); r != cuSuccess {
		return Info{}, fmt.Errorf("cuDeviceGet(%d): %w", ordinal, r)
	}

	info := Info{Index: ordinal}

	nameBuf := make([]byte, 256)
	if r := cuDeviceGetName(&nameBuf[0], int32(len(nameBuf)), dev); r != cuSuccess {
		return Info{}, fmt.Errorf("cuDeviceGetName: %w", r)
	}
	for i, b := range nameBuf {
		if b == 0 {
			info.Name = string(nameBuf[:i])
			break
		}
	}

	if r := cuDeviceTotalMem(&info.TotalMem, dev); r != cuSuccess {
		return Info{}, fmt.Errorf("cuDeviceTotalMem: %w", r)
	}

	attr := func(code int32) int {
		var v int32
		cuDeviceGetAttribute(&v, code, dev)
		return int(v)
	}
	info.SMCount = attr(attrMultiprocessorCount)
	info.ComputeMaj = attr(attrComputeCapabilityMajor)
	info.ComputeMin = attr(attrComputeCapabilityMinor)

	return info, nil
}

// CudaAllocator allocates device memory for a single CUDA device through
// the driver API. Every call binds the context created at Open before
// touching the device, so the allocator may be used from any goroutine.
type CudaAllocator struct {
	dev int32
	ctx uintptr
}

var _ Allocator = (*CudaAllocator)(nil)

// Open initializes the driver if needed and creates a context on the
// given ordinal.
func Open(ordinal int) (*CudaAllocator, error) {
	if err := initDriver(); err != nil {
		return nil, err
	}
	var dev int32
	if r := cuDeviceGet(&dev, int32(ordinal)); r != cuSuccess {
		return nil, fmt.Errorf("cuDeviceGet(%d): %w", ordinal, r)
	}
	var ctx uintptr
	if r := cuCtxCreate(&ctx, 0, dev); r != cuSuccess {
		return nil, fmt.Errorf("cuCtxCreate(device %d): %w", ordinal, r)
	}
	return &CudaAllocator{dev: dev, ctx: ctx}, nil
}

func (a *CudaAllocator) bind() error {
	if a.ctx == 0 {
		return fmt.Errorf("cuda allocator is closed")
	}
	if r := cuCtxSetCurrent(a.ctx); r != cuSuccess {
		return fmt.Errorf("cuCtxSetCurrent: %w", r)
	}
	return nil
}

// Malloc allocates size bytes of device memory.
func (a *CudaAllocator) Malloc(size uint64) (Ptr, error) {
	if err := a.bind(); err != nil {
		return 0, err
	}
	var dptr uintptr
	if r := cuMemAlloc(&dptr, size); r != cuSuccess {
		return 0, fmt.Errorf("cuMemAlloc(%d bytes): %w", size, r)
	}
	return Ptr(dptr), nil
}

// Free releases device memory obtained from Malloc.
func (a *CudaAllocator) Free(p Ptr) error {
	if err := a.bind(); err != nil {
		return err
	}
	if r := cuMemFree(uintptr(p)); r != cuSuccess {
		return fmt.Errorf("cuMemFree: %w", r)
	}
	return nil
}

// MemInfo reports free and total device memory in bytes.
func (a *CudaAllocator) MemInfo() (free, total uint64, err error) {
	if err := a.bind(); err != nil {
		return 0, 0, err
	}
	if r := cuMemGetInfo(&free, &total); r != cuSuccess {
		return 0, 0, fmt.Errorf("cuMemGetInfo: %w", r)
	}
	return free, total, nil
}

// Close destroys the context. Outstanding pointers become invalid.
// Subsequent calls are no-ops.
func (a *CudaAllocator) Close() error {
	if a.ctx == 0 {
		return nil
	}
	r := cuCtxDestroy(a.ctx)
	a.ctx = 0
	if r != cuSuccess {
		return fmt.Errorf("cuCtxDestroy: %w", r)
	}
	return nil
}
