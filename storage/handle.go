package storage

import "github.com/denevy/vrampool/device"

// Handle describes one outstanding allocation. Size is the byte count the
// caller asked for, before any pool padding; callers pass the same Handle
// back to Free or DirectFree.
type Handle struct {
	Ptr    device.Ptr
	Size   uint64
	Device device.Device
}
