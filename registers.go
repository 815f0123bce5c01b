package hypervisor

import (
	"fmt"
	"strings"
)

// Regs is the general-purpose register file. The layout matches
// struct kvm_regs.
type Regs struct {
	RAX    uint64 `json:"rax"`
	RBX    uint64 `json:"rbx"`
	RCX    uint64 `json:"rcx"`
	RDX    uint64 `json:"rdx"`
	RSI    uint64 `json:"rsi"`
	RDI    uint64 `json:"rdi"`
	RSP    uint64 `json:"rsp"`
	RBP    uint64 `json:"rbp"`
	R8     uint64 `json:"r8"`
	R9     uint64 `json:"r9"`
	R10    uint64 `json:"r10"`
	R11    uint64 `json:"r11"`
	R12    uint64 `json:"r12"`
	R13    uint64 `json:"r13"`
	R14    uint64 `json:"r14"`
	R15    uint64 `json:"r15"`
	RIP    uint64 `json:"rip"`
	RFLAGS uint64 `json:"rflags"`
}

// Segment is a loaded segment register. The layout matches
// struct kvm_segment.
type Segment struct {
	Base     uint64 `json:"base"`
	Limit    uint32 `json:"limit"`
	Selector uint16 `json:"selector"`
	Type     uint8  `json:"type"`
	Present  uint8  `json:"present"`
	DPL      uint8  `json:"dpl"`
	DB       uint8  `json:"db"`
	S        uint8  `json:"s"`
	L        uint8  `json:"l"`
	G        uint8  `json:"g"`
	AVL      uint8  `json:"avl"`
	Unusable uint8  `json:"unusable"`
	Padding  uint8  `json:"-"`
}

// Dtable is a descriptor table register (GDTR or IDTR). The layout matches
// struct kvm_dtable.
type Dtable struct {
	Base    uint64    `json:"base"`
	Limit   uint16    `json:"limit"`
	Padding [3]uint16 `json:"-"`
}

const (
	numInterrupts      = 0x100
	interruptBitmapLen = (numInterrupts + 63) / 64
)

// Sregs is the system register file. The layout matches struct kvm_sregs.
type Sregs struct {
	CS              Segment                    `json:"cs"`
	DS              Segment                    `json:"ds"`
	ES              Segment                    `json:"es"`
	FS              Segment                    `json:"fs"`
	GS              Segment                    `json:"gs"`
	SS              Segment                    `json:"ss"`
	TR              Segment                    `json:"tr"`
	LDT             Segment                    `json:"ldt"`
	GDT             Dtable                     `json:"gdt"`
	IDT             Dtable                     `json:"idt"`
	CR0             uint64                     `json:"cr0"`
	CR2             uint64                     `json:"cr2"`
	CR3             uint64                     `json:"cr3"`
	CR4             uint64                     `json:"cr4"`
	CR8             uint64                     `json:"cr8"`
	EFER            uint64                     `json:"efer"`
	APICBase        uint64                     `json:"apic_base"`
	InterruptBitmap [interruptBitmapLen]uint64 `json:"-"`
}

// Reg names a general-purpose register.
type Reg int

const (
	RegRAX Reg = iota
	RegRBX
	RegRCX
	RegRDX
	RegRSI
	RegRDI
	RegRSP
	RegRBP
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegRIP
	RegRFLAGS
)

var regNames = [...]string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rsp", "rbp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rip", "rflags",
}

func (r Reg) String() string {
	if r < RegRAX || r > RegRFLAGS {
		return fmt.Sprintf("Reg(%d)", int(r))
	}
	return regNames[r]
}

// field returns a pointer to register r within regs.
func (regs *Regs) field(r Reg) *uint64 {
	switch r {
	case RegRAX:
		return &regs.RAX
	case RegRBX:
		return &regs.RBX
	case RegRCX:
		return &regs.RCX
	case RegRDX:
		return &regs.RDX
	case RegRSI:
		return &regs.RSI
	case RegRDI:
		return &regs.RDI
	case RegRSP:
		return &regs.RSP
	case RegRBP:
		return &regs.RBP
	case RegR8:
		return &regs.R8
	case RegR9:
		return &regs.R9
	case RegR10:
		return &regs.R10
	case RegR11:
		return &regs.R11
	case RegR12:
		return &regs.R12
	case RegR13:
		return &regs.R13
	case RegR14:
		return &regs.R14
	case RegR15:
		return &regs.R15
	case RegRIP:
		return &regs.RIP
	case RegRFLAGS:
		return &regs.RFLAGS
	default:
		return nil
	}
}

// GetRegs reads the general-purpose registers.
func (c *VCPU) GetRegs() (Regs, error) {
	var regs Regs
	if c == nil {
		return regs, fmt.Errorf("hv: VCPU is nil")
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return regs, ErrClosed
	}
	if err := c.dev.GetRegs(&regs); err != nil {
		recordControlError()
		return regs, controlErr("KVM_GET_REGS", err)
	}
	recordRegisterOp()
	return regs, nil
}

// SetRegs writes the general-purpose registers.
func (c *VCPU) SetRegs(regs Regs) error {
	if c == nil {
		return fmt.Errorf("hv: VCPU is nil")
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if err := c.dev.SetRegs(&regs); err != nil {
		recordControlError()
		return controlErr("KVM_SET_REGS", err)
	}
	recordRegisterOp()
	return nil
}

// GetSregs reads the system registers.
func (c *VCPU) GetSregs() (Sregs, error) {
	var sregs Sregs
	if c == nil {
		return sregs, fmt.Errorf("hv: VCPU is nil")
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return sregs, ErrClosed
	}
	if err := c.dev.GetSregs(&sregs); err != nil {
		recordControlError()
		return sregs, controlErr("KVM_GET_SREGS", err)
	}
	recordRegisterOp()
	return sregs, nil
}

// SetSregs writes the system registers.
func (c *VCPU) SetSregs(sregs Sregs) error {
	if c == nil {
		return fmt.Errorf("hv: VCPU is nil")
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if err := c.dev.SetSregs(&sregs); err != nil {
		recordControlError()
		return controlErr("KVM_SET_SREGS", err)
	}
	recordRegisterOp()
	return nil
}

// GetReg reads a single general-purpose register.
func (c *VCPU) GetReg(r Reg) (uint64, error) {
	if r < RegRAX || r > RegRFLAGS {
		return 0, fmt.Errorf("hv: invalid register %d (must be %d-%d)", r, RegRAX, RegRFLAGS)
	}
	regs, err := c.GetRegs()
	if err != nil {
		return 0, fmt.Errorf("failed to get register %s: %w", r, err)
	}
	return *regs.field(r), nil
}

// SetReg writes a single general-purpose register, leaving the others
// unchanged.
func (c *VCPU) SetReg(r Reg, v uint64) error {
	return c.SetRegBatch(RegBatch{r: v})
}

func (c *VCPU) GetPC() (uint64, error) { return c.GetReg(RegRIP) }
func (c *VCPU) SetPC(v uint64) error   { return c.SetReg(RegRIP, v) }

// RegBatch is a set of register values applied with a single
// read-modify-write of the register file.
type RegBatch map[Reg]uint64

// SetRegBatch applies batch with one KVM_GET_REGS and one KVM_SET_REGS.
func (c *VCPU) SetRegBatch(batch RegBatch) error {
	for r := range batch {
		if r < RegRAX || r > RegRFLAGS {
			return fmt.Errorf("hv: invalid register %d (must be %d-%d)", r, RegRAX, RegRFLAGS)
		}
	}
	regs, err := c.GetRegs()
	if err != nil {
		return err
	}
	for r, v := range batch {
		*regs.field(r) = v
	}
	return c.SetRegs(regs)
}

// String formats the register file the way a debugger dump does.
func (regs Regs) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "rip: %016x   rsp: %016x flags: %016x\n", regs.RIP, regs.RSP, regs.RFLAGS)
	fmt.Fprintf(&sb, "rax: %016x   rbx: %016x   rcx: %016x\n", regs.RAX, regs.RBX, regs.RCX)
	fmt.Fprintf(&sb, "rdx: %016x   rsi: %016x   rdi: %016x\n", regs.RDX, regs.RSI, regs.RDI)
	fmt.Fprintf(&sb, "rbp: %016x    r8: %016x    r9: %016x\n", regs.RBP, regs.R8, regs.R9)
	fmt.Fprintf(&sb, "r10: %016x   r11: %016x   r12: %016x\n", regs.R10, regs.R11, regs.R12)
	fmt.Fprintf(&sb, "r13: %016x   r14: %016x   r15: %016x\n", regs.R13, regs.R14, regs.R15)
	return sb.String()
}

func (s Segment) row(name string) string {
	return fmt.Sprintf("%-4s %04x  %016x  %08x  %02x    %x %x   %x  %x %x %x %x\n",
		name, s.Selector, s.Base, s.Limit, s.Type, s.Present, s.DPL, s.DB, s.S, s.L, s.G, s.AVL)
}

// String formats the control registers and the segment table.
func (s Sregs) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "cr0: %016x   cr2: %016x   cr3: %016x\n", s.CR0, s.CR2, s.CR3)
	fmt.Fprintf(&sb, "cr4: %016x   cr8: %016x  efer: %016x\n", s.CR4, s.CR8, s.EFER)
	fmt.Fprintf(&sb, "apic base: %016x\n", s.APICBase)
	sb.WriteString("\nSegment registers:\n------------------\n")
	sb.WriteString("reg  selector  base              limit     type  p dpl db s l g avl\n")
	for _, seg := range []struct {
		name string
		seg  Segment
	}{
		{"cs", s.CS}, {"ss", s.SS}, {"ds", s.DS}, {"es", s.ES},
		{"fs", s.FS}, {"gs", s.GS}, {"tr", s.TR}, {"ldt", s.LDT},
	} {
		sb.WriteString(seg.seg.row(seg.name))
	}
	fmt.Fprintf(&sb, "\ngdt  %016x  %04x\n", s.GDT.Base, s.GDT.Limit)
	fmt.Fprintf(&sb, "idt  %016x  %04x\n", s.IDT.Base, s.IDT.Limit)
	return sb.String()
}
