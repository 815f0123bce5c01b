package hypervisor

import "fmt"

// APIVersion is the only KVM API version this package drives.
const APIVersion = 12

// Capability is a KVM extension number passed to CheckExtension.
type Capability uint32

const (
	CapSyncMMU          Capability = 16
	CapTSCDeadlineTimer Capability = 72
)

func (c Capability) String() string {
	switch c {
	case CapSyncMMU:
		return "sync_mmu"
	case CapTSCDeadlineTimer:
		return "tsc_deadline_timer"
	default:
		return fmt.Sprintf("cap(%d)", uint32(c))
	}
}

// MPState is a vCPU multiprocessing state.
type MPState uint32

const (
	MPStateRunnable MPState = iota
	MPStateUninitialized
	MPStateInitReceived
	MPStateHalted
	MPStateSIPIReceived
)

// MSREntry is a model-specific register value. The layout matches
// struct kvm_msr_entry.
type MSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

// Device is the host virtualization device (/dev/kvm). Errors returned by
// its methods are raw host errors; callers classify them.
type Device interface {
	APIVersion() (int, error)
	CheckExtension(c Capability) (int, error)
	CreateVM(flags uint64) (VMDevice, error)
	VCPUMmapSize() (int, error)
	SupportedCPUID(limit int) ([]CPUIDEntry, error)
	Close() error
}

// VMDevice is a VM created on a Device.
type VMDevice interface {
	CheckExtension(c Capability) (int, error)
	SetIdentityMapAddr(addr uint64) error
	SetTSSAddr(addr uint64) error
	SetUserMemoryRegion(r *MemoryRegion) error
	CreateVCPU(id int) (VCPUDevice, error)
	Close() error
}

// VCPUDevice is a vCPU created on a VMDevice.
//
// Run enters the guest and returns when it exits. It must wrap
// ErrRunInterrupted when the run was interrupted before or during guest
// execution and ErrRunFault when the host could not resolve a guest access.
// SetCPUID2 must not retain or modify entries.
type VCPUDevice interface {
	SetCPUID2(entries []CPUIDEntry) error
	SetMPState(s MPState) error
	SetMSRs(entries []MSREntry) error
	GetRegs(regs *Regs) error
	SetRegs(regs *Regs) error
	GetSregs(sregs *Sregs) error
	SetSregs(sregs *Sregs) error
	Run() error
	MapRunState(size int) ([]byte, error)
	Close() error
}
