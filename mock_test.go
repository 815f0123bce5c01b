package hypervisor

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
)

// resetSregs is the architectural reset state a fresh vCPU reports.
var resetSregs = Sregs{
	CS:       Segment{Base: 0xffff0000, Limit: 0xffff, Selector: 0xf000, Type: 11, Present: 1, S: 1},
	DS:       Segment{Limit: 0xffff, Type: 3, Present: 1, S: 1},
	ES:       Segment{Limit: 0xffff, Type: 3, Present: 1, S: 1},
	FS:       Segment{Limit: 0xffff, Type: 3, Present: 1, S: 1},
	GS:       Segment{Limit: 0xffff, Type: 3, Present: 1, S: 1},
	SS:       Segment{Limit: 0xffff, Type: 3, Present: 1, S: 1},
	TR:       Segment{Limit: 0xffff, Type: 11, Present: 1},
	LDT:      Segment{Limit: 0xffff, Type: 2, Present: 1},
	GDT:      Dtable{Limit: 0xffff},
	IDT:      Dtable{Limit: 0xffff},
	CR0:      0x60000010,
	APICBase: 0xfee00900,
}

type mockDevice struct {
	version    int
	versionErr error
	mmapSize   int
	caps       map[Capability]int
	cpuid      []CPUIDEntry
	cpuidErr   error
	cpuidCalls int

	// failOn makes the named operation fail on every VM and vCPU.
	failOn map[string]error

	mu     sync.Mutex
	vms    []*mockVM
	closed bool
}

func newMockDevice() *mockDevice {
	return &mockDevice{
		version:  APIVersion,
		mmapSize: 3 * 4096,
		caps: map[Capability]int{
			CapSyncMMU:          1,
			CapTSCDeadlineTimer: 1,
		},
		cpuid: []CPUIDEntry{
			{Function: 0x0, EAX: 0xd, EBX: 0x756e6547, ECX: 0x6c65746e, EDX: 0x49656e69},
			{Function: 0x1, EAX: 0x306a9, EBX: 0x10800, ECX: 0x00000201, EDX: 0x0f8bfbff},
			{Function: 0x7, EBX: 0x281},
			{Function: 0xa, EAX: 0x07300403, EDX: 0x603},
		},
		failOn: map[string]error{},
	}
}

func (d *mockDevice) fail(op string) error { return d.failOn[op] }

func (d *mockDevice) APIVersion() (int, error) { return d.version, d.versionErr }

func (d *mockDevice) CheckExtension(c Capability) (int, error) { return d.caps[c], nil }

func (d *mockDevice) CreateVM(flags uint64) (VMDevice, error) {
	if err := d.fail("KVM_CREATE_VM"); err != nil {
		return nil, err
	}
	vm := &mockVM{dev: d}
	d.mu.Lock()
	d.vms = append(d.vms, vm)
	d.mu.Unlock()
	return vm, nil
}

func (d *mockDevice) VCPUMmapSize() (int, error) { return d.mmapSize, nil }

func (d *mockDevice) SupportedCPUID(limit int) ([]CPUIDEntry, error) {
	d.cpuidCalls++
	if d.cpuidErr != nil {
		return nil, d.cpuidErr
	}
	return append([]CPUIDEntry(nil), d.cpuid[:min(limit, len(d.cpuid))]...), nil
}

func (d *mockDevice) Close() error {
	d.closed = true
	return nil
}

func (d *mockDevice) lastVM() *mockVM {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vms[len(d.vms)-1]
}

type mockVM struct {
	dev      *mockDevice
	identity uint64
	tss      uint64
	regions  []MemoryRegion
	calls    []string

	mu     sync.Mutex
	vcpus  []*mockVCPU
	closed bool
}

func (v *mockVM) CheckExtension(c Capability) (int, error) { return v.dev.caps[c], nil }

func (v *mockVM) SetIdentityMapAddr(addr uint64) error {
	v.calls = append(v.calls, "KVM_SET_IDENTITY_MAP_ADDR")
	if err := v.dev.fail("KVM_SET_IDENTITY_MAP_ADDR"); err != nil {
		return err
	}
	v.identity = addr
	return nil
}

func (v *mockVM) SetTSSAddr(addr uint64) error {
	v.calls = append(v.calls, "KVM_SET_TSS_ADDR")
	if err := v.dev.fail("KVM_SET_TSS_ADDR"); err != nil {
		return err
	}
	v.tss = addr
	return nil
}

func (v *mockVM) SetUserMemoryRegion(r *MemoryRegion) error {
	if err := v.dev.fail("KVM_SET_USER_MEMORY_REGION"); err != nil {
		return err
	}
	v.regions = append(v.regions, *r)
	return nil
}

func (v *mockVM) CreateVCPU(id int) (VCPUDevice, error) {
	if err := v.dev.fail("KVM_CREATE_VCPU"); err != nil {
		return nil, err
	}
	c := &mockVCPU{vm: v, id: id, sregs: resetSregs}
	v.mu.Lock()
	v.vcpus = append(v.vcpus, c)
	v.mu.Unlock()
	return c, nil
}

func (v *mockVM) Close() error {
	v.closed = true
	return nil
}

func (v *mockVM) vcpu(id int) *mockVCPU {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, c := range v.vcpus {
		if c.id == id {
			return c
		}
	}
	return nil
}

// runStep is one scripted KVM_RUN: either an error or an exit written into
// the run state. hook runs while the vCPU is inside KVM_RUN.
type runStep struct {
	err  error
	exit func(buf []byte)
	hook func()
}

type mockVCPU struct {
	vm *mockVM
	id int

	cpuid []CPUIDEntry
	mp    MPState
	msrs  []MSREntry
	regs  Regs
	sregs Sregs
	run   []byte

	script   []runStep
	runs     int
	calls    []string
	closed   bool
	setSregs []Sregs
}

func (c *mockVCPU) do(op string) error {
	c.calls = append(c.calls, op)
	return c.vm.dev.fail(op)
}

func (c *mockVCPU) SetCPUID2(entries []CPUIDEntry) error {
	if err := c.do("KVM_SET_CPUID2"); err != nil {
		return err
	}
	c.cpuid = append([]CPUIDEntry(nil), entries...)
	return nil
}

func (c *mockVCPU) SetMPState(s MPState) error {
	if err := c.do("KVM_SET_MP_STATE"); err != nil {
		return err
	}
	c.mp = s
	return nil
}

func (c *mockVCPU) SetMSRs(entries []MSREntry) error {
	if err := c.do("KVM_SET_MSRS"); err != nil {
		return err
	}
	c.msrs = append([]MSREntry(nil), entries...)
	return nil
}

func (c *mockVCPU) GetRegs(regs *Regs) error {
	if err := c.do("KVM_GET_REGS"); err != nil {
		return err
	}
	*regs = c.regs
	return nil
}

func (c *mockVCPU) SetRegs(regs *Regs) error {
	if err := c.do("KVM_SET_REGS"); err != nil {
		return err
	}
	c.regs = *regs
	return nil
}

func (c *mockVCPU) GetSregs(sregs *Sregs) error {
	if err := c.do("KVM_GET_SREGS"); err != nil {
		return err
	}
	*sregs = c.sregs
	return nil
}

func (c *mockVCPU) SetSregs(sregs *Sregs) error {
	if err := c.do("KVM_SET_SREGS"); err != nil {
		return err
	}
	c.sregs = *sregs
	c.setSregs = append(c.setSregs, *sregs)
	return nil
}

var errScriptDone = errors.New("mock: run script exhausted")

func (c *mockVCPU) Run() error {
	c.runs++
	if len(c.script) == 0 {
		return errScriptDone
	}
	step := c.script[0]
	c.script = c.script[1:]
	if step.hook != nil {
		step.hook()
	}
	if step.err != nil {
		return step.err
	}
	clear(c.run[:RunStateSize])
	binary.LittleEndian.PutUint64(c.run[runOffAPICBase:], APICDefaultBase)
	step.exit(c.run)
	return nil
}

func (c *mockVCPU) MapRunState(size int) ([]byte, error) {
	if err := c.vm.dev.fail("mmap"); err != nil {
		return nil, err
	}
	c.run = make([]byte, size)
	return c.run, nil
}

func (c *mockVCPU) Close() error {
	c.closed = true
	return nil
}

func (c *mockVCPU) countCalls(op string) int {
	n := 0
	for _, call := range c.calls {
		if call == op {
			n++
		}
	}
	return n
}

// Exit writers for scripted runs.

func exitSimple(reason ExitReason) func([]byte) {
	return func(buf []byte) {
		binary.LittleEndian.PutUint32(buf[runOffExitReason:], uint32(reason))
	}
}

const mockIODataOffset = 0x1000

func exitIOOut(port uint16, data []byte) func([]byte) {
	return func(buf []byte) {
		d := buf[runOffExitData:]
		binary.LittleEndian.PutUint32(buf[runOffExitReason:], uint32(ExitReasonIO))
		d[0] = byte(IOOut)
		d[1] = byte(len(data))
		binary.LittleEndian.PutUint16(d[2:], port)
		binary.LittleEndian.PutUint32(d[4:], 1)
		binary.LittleEndian.PutUint64(d[8:], mockIODataOffset)
		copy(buf[mockIODataOffset:], data)
	}
}

func interrupted() runStep { return runStep{err: ErrRunInterrupted} }

func exitStep(f func([]byte)) runStep { return runStep{exit: f} }

// newMockHypervisor returns a hypervisor over a fresh mock device.
func newMockHypervisor(t testing.TB) (*Hypervisor, *mockDevice) {
	t.Helper()
	dev := newMockDevice()
	h, err := OpenDevice(dev)
	if err != nil {
		t.Fatalf("OpenDevice() error = %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h, dev
}
