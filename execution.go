package hypervisor

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// VCPUState is the lifecycle state of a vCPU.
type VCPUState int32

const (
	VCPUCreated VCPUState = iota
	VCPUReady
	VCPURunning
	VCPUFaulted
	VCPUStopped
)

func (s VCPUState) String() string {
	switch s {
	case VCPUCreated:
		return "created"
	case VCPUReady:
		return "ready"
	case VCPURunning:
		return "running"
	case VCPUFaulted:
		return "faulted"
	case VCPUStopped:
		return "stopped"
	default:
		return fmt.Sprintf("VCPUState(%d)", int32(s))
	}
}

// State returns the current lifecycle state.
func (c *VCPU) State() VCPUState { return VCPUState(c.state.Load()) }

// Stop asks the vCPU to stop. A RunOnce blocked in the guest returns
// ErrStopped at its next interruption; later calls return ErrStopped
// immediately. Stop is safe to call from any goroutine.
func (c *VCPU) Stop() { c.stopReq.Store(true) }

// RunOnce enters the guest and returns the next exit that needs host
// handling. Interrupted runs are retried transparently. A translation fault
// returns an error carrying the faulting RIP, and any other failure of the
// run request is fatal; both leave the vCPU faulted.
func (c *VCPU) RunOnce() (ExitInfo, error) {
	start := time.Now()
	defer func() {
		recordRun(time.Since(start))
	}()

	if c == nil {
		return ExitInfo{}, fmt.Errorf("hv: VCPU is nil")
	}

	// Security: Lock to prevent use-after-free
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return ExitInfo{}, ErrClosed
	}
	if c.stopReq.Load() {
		c.state.Store(int32(VCPUStopped))
		return ExitInfo{}, ErrStopped
	}
	if s := c.State(); s != VCPUReady {
		return ExitInfo{}, &HVError{Code: CodeNotRunnable, Op: "KVM_RUN", Err: fmt.Errorf("vCPU %d is %s", c.index, s)}
	}

	c.state.Store(int32(VCPURunning))
	for {
		err := c.dev.Run()
		if err == nil {
			break
		}
		if errors.Is(err, ErrRunInterrupted) {
			if c.stopReq.Load() {
				c.state.Store(int32(VCPUStopped))
				return ExitInfo{}, ErrStopped
			}
			recordRunRetry()
			log.WithField("vcpu", c.index).Trace("vCPU run interrupted, retrying")
			continue
		}

		c.state.Store(int32(VCPUFaulted))
		if errors.Is(err, ErrRunFault) {
			return ExitInfo{}, c.translationFault(err)
		}
		recordControlError()
		log.WithError(err).WithField("vcpu", c.index).Error("vCPU run failed")
		return ExitInfo{}, &HVError{Code: CodeRunFailed, Op: "KVM_RUN", Err: err}
	}

	exit := c.run.Exit()
	c.state.Store(int32(VCPUReady))
	recordExit()
	log.WithFields(logrus.Fields{
		"vcpu": c.index,
		"exit": exit.Reason,
	}).Trace("vCPU exit")
	return exit, nil
}

// translationFault reads the instruction pointer of a vCPU whose run failed
// with a bad address and builds the fatal error for it.
func (c *VCPU) translationFault(runErr error) error {
	recordTranslationFault()

	var regs Regs
	if err := c.dev.GetRegs(&regs); err != nil {
		recordControlError()
		return &HVError{Code: CodeTranslationFault, Op: "KVM_RUN",
			Err: errors.Join(runErr, controlErr("KVM_GET_REGS", err))}
	}
	recordRegisterOp()

	log.WithFields(logrus.Fields{
		"vcpu": c.index,
		"rip":  fmt.Sprintf("0x%016x", regs.RIP),
	}).Error("host/guest translation fault")
	return &HVError{Code: CodeTranslationFault, Op: "KVM_RUN", RIP: regs.RIP, Err: runErr}
}
