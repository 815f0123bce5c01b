package hypervisor

// Control register bits.
const (
	CR0PE uint64 = 1 << 0  // protection enable
	CR0PG uint64 = 1 << 31 // paging

	CR4PAE uint64 = 1 << 5 // physical address extension
)

// Extended feature enable register bits.
const (
	EFERSCE uint64 = 1 << 0  // system call extensions
	EFERLME uint64 = 1 << 8  // long mode enable
	EFERLMA uint64 = 1 << 10 // long mode active
	EFERNXE uint64 = 1 << 11 // no-execute enable
)

// RFlagsReserved is the power-on value of RFLAGS: bit 1 is reserved and
// must always be set.
const RFlagsReserved uint64 = 0x2

// Model-specific registers.
const (
	MSRIA32MiscEnable uint32 = 0x000001a0

	// miscEnableFastStrings enables fast string operations (REP MOVS/STOS).
	miscEnableFastStrings uint64 = 1 << 0
)

// CPUID leaves and feature bits edited by FilterFeatures.
const (
	CPUIDFuncBasicFeatures uint32 = 0x01
	CPUIDFuncPerfMon       uint32 = 0x0a

	CPUIDECXTSCDeadline uint32 = 1 << 24
	CPUIDECXHypervisor  uint32 = 1 << 31
	CPUIDEDXMSR         uint32 = 1 << 5
)
