package hypervisor

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Hypervisor is an open handle on the host virtualization device. The guest
// feature table and the TSC deadline probe are computed once per handle, on
// the first NewVM, and shared by every VM created from it.
type Hypervisor struct {
	dev      Device
	mmapSize int

	featuresOnce sync.Once
	features     *FeatureDescriptor
	tscDeadline  bool
	featuresErr  error

	closed  bool
	closeMu sync.Mutex // Protect against concurrent Close() and finalizer
}

// VM is a virtual machine: an address space plus the vCPUs that run in it.
type VM struct {
	hv       *Hypervisor
	dev      VMDevice
	features *FeatureDescriptor

	// bootSregs is published by the boot vCPU's Init and read by every
	// secondary vCPU.
	bootSregs atomic.Pointer[Sregs]

	mem   *GuestMemory
	vcpus []*VCPU

	closed  bool
	closeMu sync.Mutex // Protect against concurrent Close() and finalizer
}

// VCPU is a virtual CPU. Index 0 is the boot vCPU.
type VCPU struct {
	vm    *VM
	dev   VCPUDevice
	index int
	run   *RunState

	state   atomic.Int32
	stopReq atomic.Bool

	closed  bool
	closeMu sync.Mutex // Protect against concurrent Close() and finalizer
}

var vmCount int32 // VMs created and not yet closed

// OpenDevice wraps an already opened device. It verifies the API version and
// that the per-vCPU shared region size can be queried.
func OpenDevice(dev Device) (*Hypervisor, error) {
	if dev == nil {
		return nil, fmt.Errorf("hv: device is nil")
	}

	version, err := dev.APIVersion()
	if err != nil {
		recordControlError()
		return nil, controlErr("KVM_GET_API_VERSION", err)
	}
	if version != APIVersion {
		return nil, &HVError{Code: CodeVersionMismatch, Op: "KVM_GET_API_VERSION",
			Err: fmt.Errorf("got %d, want %d", version, APIVersion)}
	}

	size, err := dev.VCPUMmapSize()
	if err != nil {
		recordControlError()
		return nil, controlErr("KVM_GET_VCPU_MMAP_SIZE", err)
	}

	h := &Hypervisor{dev: dev, mmapSize: size}
	runtime.SetFinalizer(h, (*Hypervisor).finalize)

	log.WithFields(logrus.Fields{
		"api_version": version,
		"mmap_size":   size,
	}).Debug("opened virtualization device")
	return h, nil
}

// Features returns the guest feature table, or nil before the first NewVM.
func (h *Hypervisor) Features() *FeatureDescriptor {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	return h.features
}

// TSCDeadline reports whether the host offers the TSC deadline timer. It is
// only meaningful after the first NewVM.
func (h *Hypervisor) TSCDeadline() bool {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	return h.tscDeadline
}

// CheckExtension queries a host capability. Zero means unsupported.
func (h *Hypervisor) CheckExtension(c Capability) (int, error) {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	if h.closed {
		return 0, ErrClosed
	}
	n, err := h.dev.CheckExtension(c)
	if err != nil {
		recordControlError()
		return 0, controlErr("KVM_CHECK_EXTENSION", err)
	}
	return n, nil
}

// Close releases the device handle. VMs created from it must be closed
// first. Idempotent.
func (h *Hypervisor) Close() error {
	if h == nil {
		return nil
	}

	h.closeMu.Lock()
	defer h.closeMu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	runtime.SetFinalizer(h, nil)

	if err := h.dev.Close(); err != nil {
		return fmt.Errorf("failed to close virtualization device: %w", err)
	}
	return nil
}

// finalize is called by the garbage collector as a safety net
func (h *Hypervisor) finalize() {
	if h.closeMu.TryLock() {
		defer h.closeMu.Unlock()
		if !h.closed {
			h.closed = true
			_ = h.dev.Close()
		}
	}
}

// NewVM creates a VM and programs the identity map and TSS addresses.
func (h *Hypervisor) NewVM(flags uint64) (*VM, error) {
	if h == nil {
		return nil, fmt.Errorf("hv: hypervisor is nil")
	}
	start := time.Now()

	h.closeMu.Lock()
	defer h.closeMu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	dev, err := h.dev.CreateVM(flags)
	if err != nil {
		recordControlError()
		return nil, controlErr("KVM_CREATE_VM", err)
	}

	h.featuresOnce.Do(func() {
		n, err := dev.CheckExtension(CapTSCDeadlineTimer)
		h.tscDeadline = err == nil && n > 0
		h.features, h.featuresErr = computeFeatures(h.dev, h.tscDeadline)
	})
	if h.featuresErr != nil {
		_ = dev.Close()
		return nil, h.featuresErr
	}

	vm := &VM{hv: h, dev: dev, features: h.features}
	if err := vm.setupSystemAddresses(); err != nil {
		_ = dev.Close()
		return nil, err
	}

	atomic.AddInt32(&vmCount, 1)
	runtime.SetFinalizer(vm, (*VM).finalize)
	recordVMCreate(time.Since(start))
	return vm, nil
}

// setupSystemAddresses places the identity map and TSS pages. With a
// synchronous MMU the identity map moves just below the BIOS area; without
// it the kernel default is kept.
func (vm *VM) setupSystemAddresses() error {
	identity := identityMapDefault
	if n, err := vm.dev.CheckExtension(CapSyncMMU); err == nil && n > 0 {
		identity = identityMapSyncMMU
		if err := vm.dev.SetIdentityMapAddr(identity); err != nil {
			recordControlError()
			return controlErr("KVM_SET_IDENTITY_MAP_ADDR", err)
		}
	}
	if err := vm.dev.SetTSSAddr(identity + tssOffsetFromIdMap); err != nil {
		recordControlError()
		return controlErr("KVM_SET_TSS_ADDR", err)
	}

	log.WithFields(logrus.Fields{
		"identity_map": fmt.Sprintf("0x%x", identity),
		"tss":          fmt.Sprintf("0x%x", identity+tssOffsetFromIdMap),
	}).Debug("configured system addresses")
	return nil
}

// Features returns the feature table applied to every vCPU of the VM.
func (vm *VM) Features() *FeatureDescriptor { return vm.features }

// Memory returns the guest memory registered with MapGuestMemory, if any.
func (vm *VM) Memory() *GuestMemory {
	vm.closeMu.Lock()
	defer vm.closeMu.Unlock()
	return vm.mem
}

// Close destroys the VM and any vCPUs still open on it. Guest memory is not
// released. Idempotent.
func (vm *VM) Close() error {
	if vm == nil {
		return nil
	}

	vm.closeMu.Lock()
	defer vm.closeMu.Unlock()

	if vm.closed {
		return nil // Already closed
	}

	for _, c := range vm.vcpus {
		if err := c.Close(); err != nil {
			return fmt.Errorf("failed to close vCPU %d: %w", c.index, err)
		}
	}
	if err := vm.dev.Close(); err != nil {
		return fmt.Errorf("failed to destroy VM: %w", err)
	}

	vm.closed = true
	vm.vcpus = nil
	atomic.AddInt32(&vmCount, -1)

	// Clear finalizer since we've cleaned up properly
	runtime.SetFinalizer(vm, nil)

	recordVMDestroy()
	return nil
}

// finalize is called by the garbage collector as a safety net
func (vm *VM) finalize() {
	if vm == nil {
		return
	}
	// Security: Use non-blocking lock to prevent deadlock in finalizers
	if vm.closeMu.TryLock() {
		defer vm.closeMu.Unlock()
		if !vm.closed {
			vm.closed = true
			_ = vm.dev.Close()
			atomic.AddInt32(&vmCount, -1)
		}
	}
}

// NewVCPU creates vCPU index and maps its run state. Index 0 is the boot
// vCPU and must be initialized before any other.
func (vm *VM) NewVCPU(index int) (*VCPU, error) {
	if vm == nil {
		return nil, fmt.Errorf("hv: VM is nil")
	}
	if index < 0 {
		return nil, fmt.Errorf("hv: invalid vCPU index %d", index)
	}

	vm.closeMu.Lock()
	defer vm.closeMu.Unlock()

	if vm.closed {
		return nil, ErrClosed
	}

	dev, err := vm.dev.CreateVCPU(index)
	if err != nil {
		recordControlError()
		return nil, controlErr("KVM_CREATE_VCPU", err)
	}

	size := vm.hv.mmapSize
	if size < RunStateSize {
		_ = dev.Close()
		return nil, &HVError{Code: CodeRunStateTooSmall, Op: "KVM_GET_VCPU_MMAP_SIZE",
			Err: fmt.Errorf("got %d bytes, need %d", size, RunStateSize)}
	}
	buf, err := dev.MapRunState(size)
	if err != nil {
		_ = dev.Close()
		recordControlError()
		return nil, controlErr("mmap vcpu run state", err)
	}

	run := newRunState(buf)
	run.setAPICBase(APICDefaultBase)

	c := &VCPU{vm: vm, dev: dev, index: index, run: run}
	c.state.Store(int32(VCPUCreated))
	vm.vcpus = append(vm.vcpus, c)

	// Set finalizer as safety net in case Close() is not called
	runtime.SetFinalizer(c, (*VCPU).finalize)

	recordVCPUCreate()
	log.WithField("vcpu", index).Debug("created vCPU")
	return c, nil
}

// Index returns the vCPU number within its VM.
func (c *VCPU) Index() int { return c.index }

// IsBoot reports whether this is the boot vCPU.
func (c *VCPU) IsBoot() bool { return c.index == 0 }

// RunState returns the shared run-state region.
func (c *VCPU) RunState() *RunState { return c.run }

// Close destroys this vCPU.
func (c *VCPU) Close() error {
	if c == nil {
		return nil
	}

	// Security: Lock instance to prevent finalizer race
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil // Already closed
	}

	if err := c.dev.Close(); err != nil {
		return fmt.Errorf("failed to destroy vCPU: %w", err)
	}

	c.closed = true
	c.state.Store(int32(VCPUStopped))

	// Clear finalizer since we've cleaned up properly
	runtime.SetFinalizer(c, nil)

	recordVCPUDestroy()
	return nil
}

// finalize is called by the garbage collector as a safety net
func (c *VCPU) finalize() {
	if c == nil {
		return
	}
	// Security: Use non-blocking lock to prevent deadlock in finalizers
	if c.closeMu.TryLock() {
		defer c.closeMu.Unlock()
		if !c.closed {
			c.closed = true
			_ = c.dev.Close()
		}
	}
}
