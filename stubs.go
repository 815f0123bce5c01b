//go:build !linux || !amd64

package hypervisor

import "fmt"

// Supported returns false on platforms without KVM.
func Supported() (bool, error) {
	return false, fmt.Errorf("hypervisor: not supported on this platform")
}

// Open returns ErrNotSupported on platforms without KVM.
func Open() (*Hypervisor, error) {
	return nil, ErrNotSupported
}

// AllocateGuestMemory returns ErrNotSupported on platforms without KVM.
func AllocateGuestMemory(size uint64) (*GuestMemory, error) {
	return nil, ErrNotSupported
}
