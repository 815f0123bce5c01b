//go:build linux && amd64

package hypervisor

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM control request numbers.
const (
	kvmGetAPIVersion       = 0xae00
	kvmCreateVM            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmGetVCPUMmapSize     = 0xae04
	kvmGetSupportedCPUID   = 0xc008ae05
	kvmCreateVCPU          = 0xae41
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmSetTSSAddr          = 0xae47
	kvmSetIdentityMapAddr  = 0x4008ae48
	kvmRun                 = 0xae80
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmSetMSRs             = 0x4008ae89
	kvmSetCPUID2           = 0x4008ae90
	kvmSetMPState          = 0x4004ae99
)

const maxMSREntries = 25

type kvmCPUID2 struct {
	nent    uint32
	padding uint32
	entries [maxCPUIDEntries]CPUIDEntry
}

type kvmMSRs struct {
	nmsrs   uint32
	padding uint32
	entries [maxMSREntries]MSREntry
}

func ioctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return r, errno
	}
	return r, nil
}

func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// kvmDevice is /dev/kvm.
type kvmDevice struct {
	fd int
}

func openKVM(path string) (*kvmDevice, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &kvmDevice{fd: fd}, nil
}

func (d *kvmDevice) APIVersion() (int, error) {
	r, err := ioctl(d.fd, kvmGetAPIVersion, 0)
	return int(r), err
}

func (d *kvmDevice) CheckExtension(c Capability) (int, error) {
	r, err := ioctl(d.fd, kvmCheckExtension, uintptr(c))
	return int(r), err
}

func (d *kvmDevice) CreateVM(flags uint64) (VMDevice, error) {
	r, err := ioctl(d.fd, kvmCreateVM, uintptr(flags))
	if err != nil {
		return nil, err
	}
	return &kvmVM{fd: int(r)}, nil
}

func (d *kvmDevice) VCPUMmapSize() (int, error) {
	r, err := ioctl(d.fd, kvmGetVCPUMmapSize, 0)
	return int(r), err
}

func (d *kvmDevice) SupportedCPUID(limit int) ([]CPUIDEntry, error) {
	var c kvmCPUID2
	c.nent = uint32(min(limit, maxCPUIDEntries))
	if err := ioctlPtr(d.fd, kvmGetSupportedCPUID, unsafe.Pointer(&c)); err != nil {
		return nil, err
	}
	n := min(int(c.nent), maxCPUIDEntries)
	return append([]CPUIDEntry(nil), c.entries[:n]...), nil
}

func (d *kvmDevice) Close() error { return unix.Close(d.fd) }

// kvmVM is a VM file descriptor.
type kvmVM struct {
	fd int
}

func (v *kvmVM) CheckExtension(c Capability) (int, error) {
	r, err := ioctl(v.fd, kvmCheckExtension, uintptr(c))
	return int(r), err
}

func (v *kvmVM) SetIdentityMapAddr(addr uint64) error {
	return ioctlPtr(v.fd, kvmSetIdentityMapAddr, unsafe.Pointer(&addr))
}

func (v *kvmVM) SetTSSAddr(addr uint64) error {
	_, err := ioctl(v.fd, kvmSetTSSAddr, uintptr(addr))
	return err
}

func (v *kvmVM) SetUserMemoryRegion(r *MemoryRegion) error {
	return ioctlPtr(v.fd, kvmSetUserMemoryRegion, unsafe.Pointer(r))
}

func (v *kvmVM) CreateVCPU(id int) (VCPUDevice, error) {
	r, err := ioctl(v.fd, kvmCreateVCPU, uintptr(id))
	if err != nil {
		return nil, err
	}
	return &kvmVCPU{fd: int(r)}, nil
}

func (v *kvmVM) Close() error { return unix.Close(v.fd) }

// kvmVCPU is a vCPU file descriptor and its mapped run state.
type kvmVCPU struct {
	fd  int
	run []byte
}

func (c *kvmVCPU) SetCPUID2(entries []CPUIDEntry) error {
	if len(entries) > maxCPUIDEntries {
		return fmt.Errorf("%d CPUID entries exceed the limit of %d", len(entries), maxCPUIDEntries)
	}
	var cpuid kvmCPUID2
	cpuid.nent = uint32(copy(cpuid.entries[:], entries))
	return ioctlPtr(c.fd, kvmSetCPUID2, unsafe.Pointer(&cpuid))
}

func (c *kvmVCPU) SetMPState(s MPState) error {
	state := uint32(s)
	return ioctlPtr(c.fd, kvmSetMPState, unsafe.Pointer(&state))
}

func (c *kvmVCPU) SetMSRs(entries []MSREntry) error {
	if len(entries) > maxMSREntries {
		return fmt.Errorf("%d MSR entries exceed the limit of %d", len(entries), maxMSREntries)
	}
	var msrs kvmMSRs
	msrs.nmsrs = uint32(copy(msrs.entries[:], entries))
	// KVM_SET_MSRS returns the number of entries written.
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), kvmSetMSRs, uintptr(unsafe.Pointer(&msrs)))
	if errno != 0 {
		return errno
	}
	if int(r) != len(entries) {
		return fmt.Errorf("set %d of %d MSRs", r, len(entries))
	}
	return nil
}

func (c *kvmVCPU) GetRegs(regs *Regs) error {
	return ioctlPtr(c.fd, kvmGetRegs, unsafe.Pointer(regs))
}

func (c *kvmVCPU) SetRegs(regs *Regs) error {
	return ioctlPtr(c.fd, kvmSetRegs, unsafe.Pointer(regs))
}

func (c *kvmVCPU) GetSregs(sregs *Sregs) error {
	return ioctlPtr(c.fd, kvmGetSregs, unsafe.Pointer(sregs))
}

func (c *kvmVCPU) SetSregs(sregs *Sregs) error {
	return ioctlPtr(c.fd, kvmSetSregs, unsafe.Pointer(sregs))
}

// Run issues KVM_RUN and classifies its failure.
func (c *kvmVCPU) Run() error {
	_, err := ioctl(c.fd, kvmRun, 0)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EINTR), errors.Is(err, unix.EAGAIN):
		return fmt.Errorf("%w: %w", ErrRunInterrupted, err)
	case errors.Is(err, unix.EFAULT):
		return fmt.Errorf("%w: %w", ErrRunFault, err)
	default:
		return err
	}
}

func (c *kvmVCPU) MapRunState(size int) ([]byte, error) {
	b, err := unix.Mmap(c.fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	c.run = b
	return b, nil
}

func (c *kvmVCPU) Close() error {
	if c.run != nil {
		if err := unix.Munmap(c.run); err != nil {
			return err
		}
		c.run = nil
	}
	return unix.Close(c.fd)
}
