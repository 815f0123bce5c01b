//go:build linux && amd64

package hypervisor

import (
	"errors"

	"golang.org/x/sys/unix"
)

// DevicePath is the KVM device node.
const DevicePath = "/dev/kvm"

// Supported returns true if the hypervisor is available and accessible.
func Supported() (bool, error) {
	err := unix.Access(DevicePath, unix.R_OK|unix.W_OK)
	if errors.Is(err, unix.ENOENT) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Open opens DevicePath and verifies the API version.
func Open() (*Hypervisor, error) {
	dev, err := openKVM(DevicePath)
	if err != nil {
		return nil, &HVError{Code: CodeDeviceUnavailable, Op: "open " + DevicePath, Err: err}
	}
	h, err := OpenDevice(dev)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	return h, nil
}
