package hypervisor

import (
	"sync/atomic"
	"time"
)

// Performance metrics for monitoring hypervisor operations
var (
	// Operation counters
	vmCreateCount     uint64
	vmDestroyCount    uint64
	vcpuCreateCount   uint64
	vcpuDestroyCount  uint64
	regionOperations  uint64
	registerOps       uint64
	runOperations     uint64
	runRetries        uint64
	exitCount         uint64
	guestMemAllocated uint64

	// Timing metrics (nanoseconds)
	totalVMCreateTime uint64
	totalRunTime      uint64

	// Error counters
	controlErrors     uint64
	translationFaults uint64
)

// Metrics provides access to performance metrics
type Metrics struct {
	VMCreated         uint64 `json:"vm_created"`
	VMDestroyed       uint64 `json:"vm_destroyed"`
	VCPUCreated       uint64 `json:"vcpu_created"`
	VCPUDestroyed     uint64 `json:"vcpu_destroyed"`
	RegionsRegistered uint64 `json:"regions_registered"`
	RegisterOps       uint64 `json:"register_operations"`
	RunOperations     uint64 `json:"run_operations"`
	RunRetries        uint64 `json:"run_retries"`
	Exits             uint64 `json:"exits"`
	GuestMemBytes     uint64 `json:"guest_memory_bytes"`
	AvgVMCreateTimeNs uint64 `json:"avg_vm_create_time_ns"`
	AvgRunTimeNs      uint64 `json:"avg_run_time_ns"`
	ControlErrors     uint64 `json:"control_errors"`
	TranslationFaults uint64 `json:"translation_faults"`
	LiveVMs           int32  `json:"live_vms"`
}

// GetMetrics returns current performance metrics
func GetMetrics() Metrics {
	vmCreated := atomic.LoadUint64(&vmCreateCount)
	runOps := atomic.LoadUint64(&runOperations)

	var avgVMCreate, avgRun uint64
	if vmCreated > 0 {
		avgVMCreate = atomic.LoadUint64(&totalVMCreateTime) / vmCreated
	}
	if runOps > 0 {
		avgRun = atomic.LoadUint64(&totalRunTime) / runOps
	}

	return Metrics{
		VMCreated:         vmCreated,
		VMDestroyed:       atomic.LoadUint64(&vmDestroyCount),
		VCPUCreated:       atomic.LoadUint64(&vcpuCreateCount),
		VCPUDestroyed:     atomic.LoadUint64(&vcpuDestroyCount),
		RegionsRegistered: atomic.LoadUint64(&regionOperations),
		RegisterOps:       atomic.LoadUint64(&registerOps),
		RunOperations:     runOps,
		RunRetries:        atomic.LoadUint64(&runRetries),
		Exits:             atomic.LoadUint64(&exitCount),
		GuestMemBytes:     atomic.LoadUint64(&guestMemAllocated),
		AvgVMCreateTimeNs: avgVMCreate,
		AvgRunTimeNs:      avgRun,
		ControlErrors:     atomic.LoadUint64(&controlErrors),
		TranslationFaults: atomic.LoadUint64(&translationFaults),
		LiveVMs:           atomic.LoadInt32(&vmCount),
	}
}

// ResetMetrics clears all performance metrics
func ResetMetrics() {
	for _, p := range []*uint64{
		&vmCreateCount, &vmDestroyCount, &vcpuCreateCount, &vcpuDestroyCount,
		&regionOperations, &registerOps, &runOperations, &runRetries,
		&exitCount, &guestMemAllocated, &totalVMCreateTime, &totalRunTime,
		&controlErrors, &translationFaults,
	} {
		atomic.StoreUint64(p, 0)
	}
}

// Internal metric recording functions
func recordVMCreate(duration time.Duration) {
	atomic.AddUint64(&vmCreateCount, 1)
	atomic.AddUint64(&totalVMCreateTime, uint64(duration.Nanoseconds()))
}

func recordVMDestroy() {
	atomic.AddUint64(&vmDestroyCount, 1)
}

func recordVCPUCreate() {
	atomic.AddUint64(&vcpuCreateCount, 1)
}

func recordVCPUDestroy() {
	atomic.AddUint64(&vcpuDestroyCount, 1)
}

func recordRegionOperation() {
	atomic.AddUint64(&regionOperations, 1)
}

func recordRegisterOp() {
	atomic.AddUint64(&registerOps, 1)
}

func recordRun(duration time.Duration) {
	atomic.AddUint64(&runOperations, 1)
	atomic.AddUint64(&totalRunTime, uint64(duration.Nanoseconds()))
}

func recordRunRetry() {
	atomic.AddUint64(&runRetries, 1)
}

func recordExit() {
	atomic.AddUint64(&exitCount, 1)
}

func recordGuestMemory(delta int64) {
	atomic.AddUint64(&guestMemAllocated, uint64(delta))
}

func recordControlError() {
	atomic.AddUint64(&controlErrors, 1)
}

func recordTranslationFault() {
	atomic.AddUint64(&translationFaults, 1)
}
