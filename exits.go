package hypervisor

import (
	"encoding/binary"
	"fmt"
)

// ExitReason is the cause of a vCPU exit as reported in the run state.
type ExitReason uint32

const (
	ExitReasonUnknown       ExitReason = 0
	ExitReasonException     ExitReason = 1
	ExitReasonIO            ExitReason = 2
	ExitReasonHypercall     ExitReason = 3
	ExitReasonDebug         ExitReason = 4
	ExitReasonHLT           ExitReason = 5
	ExitReasonMMIO          ExitReason = 6
	ExitReasonIRQWindowOpen ExitReason = 7
	ExitReasonShutdown      ExitReason = 8
	ExitReasonFailEntry     ExitReason = 9
	ExitReasonIntr          ExitReason = 10
	ExitReasonSetTPR        ExitReason = 11
	ExitReasonTPRAccess     ExitReason = 12
	ExitReasonNMI           ExitReason = 16
	ExitReasonInternalError ExitReason = 17
	ExitReasonSystemEvent   ExitReason = 24
)

var exitReasonNames = map[ExitReason]string{
	ExitReasonUnknown:       "unknown",
	ExitReasonException:     "exception",
	ExitReasonIO:            "io",
	ExitReasonHypercall:     "hypercall",
	ExitReasonDebug:         "debug",
	ExitReasonHLT:           "hlt",
	ExitReasonMMIO:          "mmio",
	ExitReasonIRQWindowOpen: "irq_window_open",
	ExitReasonShutdown:      "shutdown",
	ExitReasonFailEntry:     "fail_entry",
	ExitReasonIntr:          "intr",
	ExitReasonSetTPR:        "set_tpr",
	ExitReasonTPRAccess:     "tpr_access",
	ExitReasonNMI:           "nmi",
	ExitReasonInternalError: "internal_error",
	ExitReasonSystemEvent:   "system_event",
}

func (r ExitReason) String() string {
	if s, ok := exitReasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("exit(%d)", uint32(r))
}

// IODirection is the direction of a port I/O exit.
type IODirection uint8

const (
	IOIn  IODirection = 0
	IOOut IODirection = 1
)

func (d IODirection) String() string {
	if d == IOOut {
		return "out"
	}
	return "in"
}

// ExitIO is a port I/O access. Data aliases the run state: it holds the
// bytes written by the guest for IOOut, and the host must fill it before
// the next run for IOIn. It is valid until the next RunOnce.
type ExitIO struct {
	Direction  IODirection
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
	Data       []byte
}

// ExitMMIO is an access to guest-physical memory not backed by RAM. Data
// aliases the run state like ExitIO.Data.
type ExitMMIO struct {
	PhysAddr uint64
	Data     []byte
	IsWrite  bool
}

type ExitException struct {
	Exception uint32
	ErrorCode uint32
}

type ExitDebug struct {
	Exception uint32
	PC        uint64
	DR6       uint64
	DR7       uint64
}

// ExitFailEntry reports that hardware refused to enter the guest.
type ExitFailEntry struct {
	HardwareReason uint64
	CPU            uint32
}

type ExitInternalError struct {
	Suberror uint32
	Data     []uint64
}

type ExitSystemEvent struct {
	Type  uint32
	Flags uint64
}

type ExitUnknown struct {
	HardwareReason uint64
}

// ExitInfo describes why the guest stopped running. Data is one of the Exit*
// types above for reasons that carry a payload and nil otherwise.
type ExitInfo struct {
	Reason ExitReason
	Data   any
}

func (e ExitInfo) String() string {
	switch d := e.Data.(type) {
	case ExitIO:
		return fmt.Sprintf("io %s port=0x%x size=%d count=%d", d.Direction, d.Port, d.Size, d.Count)
	case ExitMMIO:
		return fmt.Sprintf("mmio addr=0x%x len=%d write=%t", d.PhysAddr, len(d.Data), d.IsWrite)
	case ExitException:
		return fmt.Sprintf("exception %d error=0x%x", d.Exception, d.ErrorCode)
	case ExitFailEntry:
		return fmt.Sprintf("fail_entry reason=0x%x cpu=%d", d.HardwareReason, d.CPU)
	case ExitInternalError:
		return fmt.Sprintf("internal_error suberror=%d data=%x", d.Suberror, d.Data)
	case nil:
		return e.Reason.String()
	default:
		return fmt.Sprintf("%s %+v", e.Reason, d)
	}
}

// Offsets into struct kvm_run.
const (
	runOffExitReason = 8
	runOffCR8        = 16
	runOffAPICBase   = 24
	runOffExitData   = 32

	// RunStateSize is sizeof(struct kvm_run). The shared region may be larger
	// but never smaller.
	RunStateSize = 2352

	maxInternalErrorData = 16
)

// RunState is the region shared with the kernel that reports the last exit.
type RunState struct {
	buf []byte
}

func newRunState(buf []byte) *RunState { return &RunState{buf: buf} }

func (r *RunState) u16(off int) uint16 { return binary.LittleEndian.Uint16(r.buf[off:]) }
func (r *RunState) u32(off int) uint32 { return binary.LittleEndian.Uint32(r.buf[off:]) }
func (r *RunState) u64(off int) uint64 { return binary.LittleEndian.Uint64(r.buf[off:]) }

func (r *RunState) ExitReason() ExitReason { return ExitReason(r.u32(runOffExitReason)) }
func (r *RunState) APICBase() uint64       { return r.u64(runOffAPICBase) }
func (r *RunState) CR8() uint64            { return r.u64(runOffCR8) }

func (r *RunState) setAPICBase(v uint64) {
	binary.LittleEndian.PutUint64(r.buf[runOffAPICBase:], v)
}

// window returns buf[off:off+n] or nil if it falls outside the region.
func (r *RunState) window(off, n uint64) []byte {
	if off > uint64(len(r.buf)) || n > uint64(len(r.buf))-off {
		return nil
	}
	return r.buf[off : off+n : off+n]
}

// Exit decodes the most recent exit.
func (r *RunState) Exit() ExitInfo {
	reason := r.ExitReason()
	const d = runOffExitData
	info := ExitInfo{Reason: reason}

	switch reason {
	case ExitReasonIO:
		io := ExitIO{
			Direction:  IODirection(r.buf[d]),
			Size:       r.buf[d+1],
			Port:       r.u16(d + 2),
			Count:      r.u32(d + 4),
			DataOffset: r.u64(d + 8),
		}
		io.Data = r.window(io.DataOffset, uint64(io.Size)*uint64(io.Count))
		info.Data = io
	case ExitReasonMMIO:
		n := min(uint64(r.u32(d+16)), 8)
		info.Data = ExitMMIO{
			PhysAddr: r.u64(d),
			Data:     r.window(d+8, n),
			IsWrite:  r.buf[d+20] != 0,
		}
	case ExitReasonException:
		info.Data = ExitException{Exception: r.u32(d), ErrorCode: r.u32(d + 4)}
	case ExitReasonDebug:
		info.Data = ExitDebug{Exception: r.u32(d), PC: r.u64(d + 8), DR6: r.u64(d + 16), DR7: r.u64(d + 24)}
	case ExitReasonFailEntry:
		info.Data = ExitFailEntry{HardwareReason: r.u64(d), CPU: r.u32(d + 8)}
	case ExitReasonInternalError:
		n := min(r.u32(d+4), maxInternalErrorData)
		data := make([]uint64, n)
		for i := range data {
			data[i] = r.u64(d + 8 + 8*i)
		}
		info.Data = ExitInternalError{Suberror: r.u32(d), Data: data}
	case ExitReasonSystemEvent:
		info.Data = ExitSystemEvent{Type: r.u32(d), Flags: r.u64(d + 8)}
	case ExitReasonUnknown:
		info.Data = ExitUnknown{HardwareReason: r.u64(d)}
	}
	return info
}
