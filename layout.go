package hypervisor

// Fixed guest-physical layout used during CPU bring-up. These addresses are
// part of the contract with the guest kernel and must not change.
const (
	BootGDTAddr  uint64 = 0x1000
	BootPML4Addr uint64 = 0x10000
	BootPDPTAddr uint64 = 0x11000
	BootPDEAddr  uint64 = 0x12000

	// BootIdentityLimit is the first guest-physical address that the boot
	// page tables leave unmapped.
	BootIdentityLimit uint64 = 0x20000000

	// BootStackPointer is the top of the temporary stack the boot code runs
	// on until the guest installs its own.
	BootStackPointer uint64 = 0x200000 - 0x1000

	// APICDefaultBase is the architectural local APIC base address.
	APICDefaultBase uint64 = 0xfee00000
)

// The legacy 32-bit MMIO hole. Guest RAM is never placed in
// [LegacyGapStart, LegacyGapStart+LegacyGapSize).
const (
	LegacyGapStart uint64 = 0xc0000000
	LegacyGapSize  uint64 = 0x30000000
	LegacyGapEnd   uint64 = LegacyGapStart + LegacyGapSize
)

// Addresses for the identity map and TSS pages that Intel hosts need for
// real-mode emulation.
const (
	identityMapDefault uint64 = 0xfffbc000
	identityMapSyncMMU uint64 = 0xfeffc000
	tssOffsetFromIdMap uint64 = 0x1000

	tablePageSize      uint64 = 0x1000
	bootLargePageSize  uint64 = 0x200000
	pageTableEntrySize uint64 = 8
)

// MinGuestSize is the smallest guest that can hold the boot structures and
// the temporary boot stack.
const MinGuestSize uint64 = 0x200000

// DefaultGuestSize is used when no size is configured.
const DefaultGuestSize uint64 = 32 << 20
