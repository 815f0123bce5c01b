package hypervisor

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// ErrorCode classifies a hypervisor failure.
type ErrorCode uint32

const (
	CodeSuccess ErrorCode = iota
	CodeDeviceUnavailable
	CodeVersionMismatch
	CodeControlRequest
	CodeAllocationFailed
	CodeRunStateTooSmall
	CodeTranslationFault
	CodeRunFailed
	CodeBootVCPUNotReady
	CodeAddressNotMapped
	CodeNotRunnable
	CodeStopped
	CodeClosed
	CodeNotSupported
)

// HVError describes a failed hypervisor operation. Op names the control
// request or step that failed (for example "KVM_SET_SREGS") and Err holds the
// underlying host error, if any. RIP is only meaningful for
// CodeTranslationFault.
type HVError struct {
	Code    ErrorCode
	Op      string
	RIP     uint64
	Err     error
	message string // fixed text for sentinels
}

func (e *HVError) Error() string {
	if e.message != "" && e.Op == "" && e.Err == nil {
		return e.message
	}

	var desc string
	if isProductionEnv() {
		desc = e.Code.sanitized()
	} else {
		desc = e.Code.detailed()
	}

	s := "hv: " + desc
	if e.Op != "" {
		s = fmt.Sprintf("hv: %s: %s", e.Op, desc)
	}
	if e.Code == CodeTranslationFault {
		s += fmt.Sprintf(": rip=0x%016x", e.RIP)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *HVError) Unwrap() error { return e.Err }

// Is reports whether target is an *HVError with the same code, so that
// errors.Is(err, ErrTranslationFault) matches any translation fault.
func (e *HVError) Is(target error) bool {
	t, ok := target.(*HVError)
	return ok && t.Code == e.Code
}

// Fatal reports whether the error belongs to the fatal class. Callers must
// tear down the VM after a fatal error.
func (e *HVError) Fatal() bool {
	switch e.Code {
	case CodeAddressNotMapped, CodeStopped, CodeClosed:
		return false
	default:
		return true
	}
}

// IsFatal reports whether err must abort the machine. Errors that did not
// originate in this package are treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var hv *HVError
	if errors.As(err, &hv) {
		return hv.Fatal()
	}
	return true
}

func (c ErrorCode) detailed() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeDeviceUnavailable:
		return "virtualization device unavailable - check that /dev/kvm exists and is accessible"
	case CodeVersionMismatch:
		return "unsupported KVM API version - the host kernel is too old or too new"
	case CodeControlRequest:
		return "control request failed"
	case CodeAllocationFailed:
		return "guest memory allocation failed - check the size and the host memory limits"
	case CodeRunStateTooSmall:
		return "vCPU run-state region is smaller than the kernel structure"
	case CodeTranslationFault:
		return "host/guest translation fault"
	case CodeRunFailed:
		return "vCPU run failed"
	case CodeBootVCPUNotReady:
		return "secondary vCPU initialized before the boot vCPU"
	case CodeAddressNotMapped:
		return "guest-physical address not backed by guest memory"
	case CodeNotRunnable:
		return "vCPU is not runnable - initialize it first and do not run it after a fault"
	case CodeStopped:
		return "vCPU stopped"
	case CodeClosed:
		return "handle is closed"
	case CodeNotSupported:
		return "hardware virtualization is not supported on this platform"
	default:
		return fmt.Sprintf("unknown error code %d", uint32(c))
	}
}

func (c ErrorCode) sanitized() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeDeviceUnavailable, CodeVersionMismatch, CodeNotSupported:
		return "virtualization unavailable"
	case CodeTranslationFault, CodeRunFailed, CodeNotRunnable:
		return "vCPU error"
	case CodeStopped:
		return "vCPU stopped"
	case CodeClosed:
		return "handle is closed"
	default:
		return "hypervisor error"
	}
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("HV_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	if debug := os.Getenv("HV_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

func controlErr(op string, err error) error {
	return &HVError{Code: CodeControlRequest, Op: op, Err: err}
}

// Sentinels for errors.Is.
var (
	ErrDeviceUnavailable = &HVError{Code: CodeDeviceUnavailable, message: "hv: virtualization device unavailable"}
	ErrVersionMismatch   = &HVError{Code: CodeVersionMismatch, message: "hv: unsupported KVM API version"}
	ErrControlRequest    = &HVError{Code: CodeControlRequest, message: "hv: control request failed"}
	ErrAllocationFailed  = &HVError{Code: CodeAllocationFailed, message: "hv: guest memory allocation failed"}
	ErrRunStateTooSmall  = &HVError{Code: CodeRunStateTooSmall, message: "hv: vCPU run-state region too small"}
	ErrTranslationFault  = &HVError{Code: CodeTranslationFault, message: "hv: host/guest translation fault"}
	ErrRunFailed         = &HVError{Code: CodeRunFailed, message: "hv: vCPU run failed"}
	ErrBootVCPUNotReady  = &HVError{Code: CodeBootVCPUNotReady, message: "hv: boot vCPU not initialized"}
	ErrAddressNotMapped  = &HVError{Code: CodeAddressNotMapped, message: "hv: address not mapped"}
	ErrNotRunnable       = &HVError{Code: CodeNotRunnable, message: "hv: vCPU not runnable"}
	ErrStopped           = &HVError{Code: CodeStopped, message: "hv: vCPU stopped"}
	ErrClosed            = &HVError{Code: CodeClosed, message: "hv: handle is closed"}
	ErrNotSupported      = &HVError{Code: CodeNotSupported, message: "hv: hardware virtualization not supported"}
)

// Errors a Device reports from Run. They are classified by the vCPU run loop
// and never escape RunOnce unwrapped.
var (
	ErrRunInterrupted = errors.New("kvm: run interrupted")
	ErrRunFault       = errors.New("kvm: bad address")
)
