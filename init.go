package hypervisor

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Init brings the vCPU to the 64-bit boot state with RIP at entryPoint.
//
// The steps run in a fixed order: feature table, runnable MP state, MSRs,
// system registers, general-purpose registers. The boot vCPU derives the
// system registers from its reset state and publishes them on the VM;
// secondary vCPUs reuse that snapshot unmodified and fail with
// ErrBootVCPUNotReady if the boot vCPU has not been initialized yet.
func (c *VCPU) Init(entryPoint uint64) error {
	if c == nil {
		return fmt.Errorf("hv: VCPU is nil")
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if s := c.State(); s != VCPUCreated && s != VCPUReady {
		return &HVError{Code: CodeNotRunnable, Op: "init", Err: fmt.Errorf("vCPU %d is %s", c.index, s)}
	}

	fail := func(op string, err error) error {
		recordControlError()
		return controlErr(op, fmt.Errorf("vCPU %d: %w", c.index, err))
	}

	if err := c.dev.SetCPUID2(c.vm.features.entries); err != nil {
		return fail("KVM_SET_CPUID2", err)
	}
	if err := c.dev.SetMPState(MPStateRunnable); err != nil {
		return fail("KVM_SET_MP_STATE", err)
	}
	msrs := []MSREntry{{Index: MSRIA32MiscEnable, Data: miscEnableFastStrings}}
	if err := c.dev.SetMSRs(msrs); err != nil {
		return fail("KVM_SET_MSRS", err)
	}

	sregs, err := c.bootSystemRegisters()
	if err != nil {
		return err
	}
	if err := c.dev.SetSregs(&sregs); err != nil {
		return fail("KVM_SET_SREGS", err)
	}

	regs := Regs{
		RIP:    entryPoint,
		RSP:    BootStackPointer,
		RFLAGS: RFlagsReserved,
	}
	if err := c.dev.SetRegs(&regs); err != nil {
		return fail("KVM_SET_REGS", err)
	}
	recordRegisterOp()

	c.state.Store(int32(VCPUReady))
	log.WithFields(logrus.Fields{
		"vcpu":  c.index,
		"entry": fmt.Sprintf("0x%x", entryPoint),
	}).Debug("initialized vCPU")
	return nil
}

// bootSystemRegisters returns the system registers the vCPU starts with.
func (c *VCPU) bootSystemRegisters() (Sregs, error) {
	if !c.IsBoot() {
		s := c.vm.bootSregs.Load()
		if s == nil {
			return Sregs{}, &HVError{Code: CodeBootVCPUNotReady, Op: "init",
				Err: fmt.Errorf("vCPU %d initialized before vCPU 0", c.index)}
		}
		return *s, nil
	}

	var sregs Sregs
	if err := c.dev.GetSregs(&sregs); err != nil {
		recordControlError()
		return Sregs{}, controlErr("KVM_GET_SREGS", err)
	}
	setupBootSegments(&sregs)
	setupLongMode(&sregs)

	snapshot := sregs
	c.vm.bootSregs.Store(&snapshot)
	return sregs, nil
}
