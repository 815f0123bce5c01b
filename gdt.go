package hypervisor

import (
	"encoding/binary"
	"fmt"
)

// SegmentDescriptor is a packed 8-byte GDT entry.
type SegmentDescriptor uint64

// Descriptor flags for the boot GDT: access byte in bits 0-7 and the
// granularity nibble in bits 12-15.
const (
	gdtFlagsCode uint16 = 0xa09b // present, ring 0, code, execute/read, accessed, L=1, G=1
	gdtFlagsData uint16 = 0xc093 // present, ring 0, data, read/write, accessed, DB=1, G=1
)

// Boot GDT slots.
const (
	GDTEntryNull = iota
	GDTEntryCode
	GDTEntryData
	numBootGDTEntries
)

// NewSegmentDescriptor packs flags, base and limit into a descriptor.
func NewSegmentDescriptor(flags uint16, base, limit uint32) SegmentDescriptor {
	f, b, l := uint64(flags), uint64(base), uint64(limit)
	return SegmentDescriptor((b&0xff000000)<<(56-24) |
		(f&0x0000f0ff)<<40 |
		(l&0x000f0000)<<(48-16) |
		(b&0x00ffffff)<<16 |
		l&0x0000ffff)
}

func (d SegmentDescriptor) bit(n uint) uint8 { return uint8(d>>n) & 1 }

func (d SegmentDescriptor) Base() uint32 {
	return uint32((d&0xff00000000000000)>>32 | (d&0x000000ff00000000)>>16 | (d&0x00000000ffff0000)>>16)
}

// Limit returns the raw 20-bit limit.
func (d SegmentDescriptor) Limit() uint32 {
	return uint32((d&0x000f000000000000)>>32 | d&0x000000000000ffff)
}

// ScaledLimit returns the limit in bytes, applying 4 KiB granularity.
func (d SegmentDescriptor) ScaledLimit() uint32 {
	if d.G() == 1 {
		return d.Limit()<<12 | 0xfff
	}
	return d.Limit()
}

func (d SegmentDescriptor) G() uint8    { return d.bit(55) }
func (d SegmentDescriptor) DB() uint8   { return d.bit(54) }
func (d SegmentDescriptor) L() uint8    { return d.bit(53) }
func (d SegmentDescriptor) AVL() uint8  { return d.bit(52) }
func (d SegmentDescriptor) P() uint8    { return d.bit(47) }
func (d SegmentDescriptor) DPL() uint8  { return uint8(d>>45) & 3 }
func (d SegmentDescriptor) S() uint8    { return d.bit(44) }
func (d SegmentDescriptor) Type() uint8 { return uint8(d>>40) & 0xf }

// Segment expands the descriptor into a segment register loaded from GDT
// slot index.
func (d SegmentDescriptor) Segment(index uint16) Segment {
	return Segment{
		Base:     uint64(d.Base()),
		Limit:    d.ScaledLimit(),
		Selector: index * 8,
		Type:     d.Type(),
		Present:  d.P(),
		DPL:      d.DPL(),
		DB:       d.DB(),
		S:        d.S(),
		L:        d.L(),
		G:        d.G(),
		AVL:      d.AVL(),
	}
}

func (d SegmentDescriptor) String() string {
	return fmt.Sprintf("%016x base=%08x limit=%05x type=%x p=%d dpl=%d s=%d l=%d db=%d g=%d",
		uint64(d), d.Base(), d.Limit(), d.Type(), d.P(), d.DPL(), d.S(), d.L(), d.DB(), d.G())
}

// BootGDT returns the flat null/code/data table the boot vCPU starts with.
func BootGDT() [numBootGDTEntries]SegmentDescriptor {
	return [numBootGDTEntries]SegmentDescriptor{
		GDTEntryNull: NewSegmentDescriptor(0, 0, 0),
		GDTEntryCode: NewSegmentDescriptor(gdtFlagsCode, 0, 0xfffff),
		GDTEntryData: NewSegmentDescriptor(gdtFlagsData, 0, 0xfffff),
	}
}

// WriteBootGDT stores BootGDT in guest memory at BootGDTAddr.
func WriteBootGDT(mem *GuestMemory) error {
	gdt := BootGDT()
	b, err := mem.Slice(BootGDTAddr, uint64(len(gdt))*8)
	if err != nil {
		return fmt.Errorf("failed to write boot GDT: %w", err)
	}
	for i, d := range gdt {
		binary.LittleEndian.PutUint64(b[i*8:], uint64(d))
	}
	return nil
}

// setupBootSegments points the descriptor table register at the boot GDT
// and loads the flat segments from it.
func setupBootSegments(sregs *Sregs) {
	gdt := BootGDT()
	sregs.GDT.Base = BootGDTAddr
	sregs.GDT.Limit = uint16(numBootGDTEntries*8 - 1)

	code := gdt[GDTEntryCode].Segment(GDTEntryCode)
	data := gdt[GDTEntryData].Segment(GDTEntryData)
	sregs.CS = code
	sregs.DS = data
	sregs.ES = data
	sregs.FS = data
	sregs.GS = data
	sregs.SS = data

	sregs.APICBase = APICDefaultBase
}

// setupLongMode enables paging with the boot page tables and switches the
// vCPU to 64-bit mode.
func setupLongMode(sregs *Sregs) {
	sregs.CR3 = BootPML4Addr
	sregs.CR4 |= CR4PAE
	sregs.CR0 |= CR0PE | CR0PG
	sregs.EFER |= EFERLME | EFERLMA
}
