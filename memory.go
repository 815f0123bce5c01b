package hypervisor

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
)

// MemoryRegion is a guest-physical to host-virtual mapping registered with
// the VM. The layout matches struct kvm_userspace_memory_region.
type MemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// End returns the first guest-physical address past the region.
func (r MemoryRegion) End() uint64 { return r.GuestPhysAddr + r.MemorySize }

// PlanRegions computes the memory slots for a guest of the given size.
// UserspaceAddr holds the offset of each slot from the start of the host
// mapping.
//
// Guests smaller than LegacyGapStart get a single slot at guest-physical 0.
// Larger guests are split around the legacy gap: slot 0 covers
// [0, LegacyGapStart) and slot 1 holds the remainder starting at
// LegacyGapEnd, backed by host memory at the same offset.
func PlanRegions(size uint64) []MemoryRegion {
	if size < LegacyGapStart {
		return []MemoryRegion{{Slot: 0, GuestPhysAddr: 0, MemorySize: size, UserspaceAddr: 0}}
	}
	return []MemoryRegion{
		{Slot: 0, GuestPhysAddr: 0, MemorySize: LegacyGapStart, UserspaceAddr: 0},
		{Slot: 1, GuestPhysAddr: LegacyGapEnd, MemorySize: size - LegacyGapStart, UserspaceAddr: LegacyGapEnd},
	}
}

// hostMappingSize is the length of the host reservation for a guest of the
// given size, including the inaccessible gap.
func hostMappingSize(size uint64) uint64 {
	if size < LegacyGapStart {
		return size
	}
	return size + LegacyGapSize
}

// translate returns the offset into the host mapping that backs the
// guest-physical range [gpa, gpa+length).
func translate(size, gpa, length uint64) (uint64, error) {
	if gpa > math.MaxUint64-length {
		return 0, &HVError{Code: CodeAddressNotMapped, Op: fmt.Sprintf("gpa 0x%x+0x%x", gpa, length)}
	}
	end := gpa + length
	for _, r := range PlanRegions(size) {
		if gpa >= r.GuestPhysAddr && end <= r.End() {
			return r.UserspaceAddr + (gpa - r.GuestPhysAddr), nil
		}
	}
	return 0, &HVError{Code: CodeAddressNotMapped, Op: fmt.Sprintf("gpa 0x%x+0x%x", gpa, length)}
}

// GuestMemory is the host reservation backing guest RAM. It owns the
// mapping; the VM borrows it for the lifetime of its registered slots.
type GuestMemory struct {
	mem   []byte
	size  uint64
	unmap func([]byte) error

	closeMu sync.Mutex
	closed  bool
}

// Size returns the guest RAM size in bytes, excluding the legacy gap.
func (m *GuestMemory) Size() uint64 { return m.size }

// HasGap reports whether the guest is large enough to be split around the
// legacy gap.
func (m *GuestMemory) HasGap() bool { return m.size >= LegacyGapStart }

// Regions returns the memory slots with absolute host addresses.
func (m *GuestMemory) Regions() []MemoryRegion {
	regions := PlanRegions(m.size)
	base := m.base()
	for i := range regions {
		regions[i].UserspaceAddr += base
	}
	return regions
}

func (m *GuestMemory) base() uint64 {
	if len(m.mem) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&m.mem[0])))
}

// Slice returns the host bytes backing [gpa, gpa+length). Writes through the
// slice are visible to the guest. Ranges that touch the legacy gap or extend
// past guest RAM return ErrAddressNotMapped.
func (m *GuestMemory) Slice(gpa, length uint64) ([]byte, error) {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	off, err := translate(m.size, gpa, length)
	if err != nil {
		return nil, err
	}
	return m.mem[off : off+length : off+length], nil
}

// HostAddr returns the host virtual address backing gpa.
func (m *GuestMemory) HostAddr(gpa uint64) (uintptr, error) {
	b, err := m.Slice(gpa, 1)
	if err != nil {
		return 0, err
	}
	return uintptr(unsafe.Pointer(&b[0])), nil
}

// Close releases the host mapping. The VM the memory was registered with must
// be closed first.
func (m *GuestMemory) Close() error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	runtime.SetFinalizer(m, nil)
	if m.unmap == nil {
		return nil
	}
	recordGuestMemory(-int64(m.size))
	if err := m.unmap(m.mem); err != nil {
		return fmt.Errorf("failed to release guest memory: %w", err)
	}
	m.mem = nil
	return nil
}

// MapGuestMemory registers every slot of mem with the VM. The memory must
// outlive the VM.
func (vm *VM) MapGuestMemory(mem *GuestMemory) error {
	if vm == nil {
		return fmt.Errorf("hv: VM is nil")
	}
	vm.closeMu.Lock()
	defer vm.closeMu.Unlock()
	if vm.closed {
		return ErrClosed
	}
	if mem == nil || mem.size == 0 {
		return fmt.Errorf("hv: map requires guest memory")
	}

	for _, r := range mem.Regions() {
		// KVM treats a zero-size region as a slot deletion.
		if r.MemorySize == 0 {
			continue
		}
		region := r
		if err := vm.dev.SetUserMemoryRegion(&region); err != nil {
			recordControlError()
			return controlErr("KVM_SET_USER_MEMORY_REGION",
				fmt.Errorf("failed to map slot %d (gpa 0x%x, %d bytes): %w", r.Slot, r.GuestPhysAddr, r.MemorySize, err))
		}
		recordRegionOperation()
		log.WithFields(logrus.Fields{
			"slot": r.Slot,
			"gpa":  fmt.Sprintf("0x%x", r.GuestPhysAddr),
			"size": r.MemorySize,
		}).Debug("registered guest memory slot")
	}
	runtime.KeepAlive(mem)

	vm.mem = mem
	return nil
}
