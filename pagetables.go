package hypervisor

import (
	"encoding/binary"
	"fmt"
)

// PageTableEntry is a 4-level paging structure entry.
type PageTableEntry uint64

const (
	ptePresent  PageTableEntry = 1 << 0
	pteWritable PageTableEntry = 1 << 1
	ptePageSize PageTableEntry = 1 << 7

	pteAddrMask PageTableEntry = 0x000ffffffffff000
)

func makePTE(addr uint64, flags PageTableEntry) PageTableEntry {
	return PageTableEntry(addr)&pteAddrMask | flags
}

func (e PageTableEntry) Present() bool  { return e&ptePresent != 0 }
func (e PageTableEntry) Writable() bool { return e&pteWritable != 0 }
func (e PageTableEntry) PageSize() bool { return e&ptePageSize != 0 }

// Address returns the physical address the entry points at.
func (e PageTableEntry) Address() uint64 { return uint64(e & pteAddrMask) }

func (e PageTableEntry) String() string {
	return fmt.Sprintf("%016x addr=%x p=%t rw=%t ps=%t", uint64(e), e.Address(), e.Present(), e.Writable(), e.PageSize())
}

func tableIndex(addr uint64, level uint) int {
	return int(addr>>(12+9*level)) & 0x1ff
}

// WriteBootTables builds the identity map used while the boot code switches
// to long mode: one PML4 entry, one PDPT entry and 2 MiB pages covering
// [0, BootIdentityLimit).
func WriteBootTables(mem *GuestMemory) error {
	tables := make([][]byte, 0, 3)
	for _, addr := range []uint64{BootPML4Addr, BootPDPTAddr, BootPDEAddr} {
		b, err := mem.Slice(addr, tablePageSize)
		if err != nil {
			return fmt.Errorf("failed to write boot page tables: %w", err)
		}
		clear(b)
		tables = append(tables, b)
	}
	pml4, pdpt, pde := tables[0], tables[1], tables[2]

	binary.LittleEndian.PutUint64(pml4, uint64(makePTE(BootPDPTAddr, ptePresent|pteWritable)))
	binary.LittleEndian.PutUint64(pdpt, uint64(makePTE(BootPDEAddr, ptePresent|pteWritable)))

	for paddr := uint64(0); paddr < BootIdentityLimit; paddr += bootLargePageSize {
		off := uint64(tableIndex(paddr, 1)) * pageTableEntrySize
		binary.LittleEndian.PutUint64(pde[off:], uint64(makePTE(paddr, ptePresent|pteWritable|ptePageSize)))
	}
	return nil
}

// WalkBootTables resolves addr through the boot page tables and returns the
// last entry reached. The entry is the 2 MiB leaf for mapped addresses and
// a non-present entry otherwise.
func WalkBootTables(mem *GuestMemory, addr uint64) (PageTableEntry, error) {
	table := BootPML4Addr
	for level := uint(3); ; level-- {
		b, err := mem.Slice(table+uint64(tableIndex(addr, level))*pageTableEntrySize, pageTableEntrySize)
		if err != nil {
			return 0, err
		}
		e := PageTableEntry(binary.LittleEndian.Uint64(b))
		if !e.Present() || e.PageSize() || level == 0 {
			return e, nil
		}
		table = e.Address()
	}
}
