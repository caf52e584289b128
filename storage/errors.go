package storage

import "errors"

// Configuration validation errors.
var (
	ErrInvalidReserve         = errors.New("reserve percent must be between 0 and 100")
	ErrInvalidStrategy        = errors.New(`strategy must be "pooled" or "unpooled"`)
	ErrInvalidMonitorInterval = errors.New("monitor interval must not be negative")
)

// Allocation errors.
var (
	// ErrClosed is returned by Alloc once the manager or storage has been
	// closed.
	ErrClosed = errors.New("storage manager is closed")

	// ErrOversizeAlloc reports a padded request larger than the configured
	// single-allocation limit. No device call is made for such requests.
	ErrOversizeAlloc = errors.New("allocation exceeds configured max alloc")

	// ErrExhausted wraps a raw device allocation failure that persisted
	// after the pool had been released.
	ErrExhausted = errors.New("device memory exhausted")
)
