package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// MaxVCPUs bounds Config.NumCPUs.
const MaxVCPUs = 256

// Config describes a machine to build.
type Config struct {
	// MemSize is the guest RAM size in bytes. Zero selects DefaultGuestSize.
	MemSize uint64
	// NumCPUs is the vCPU count. Zero selects one.
	NumCPUs int
	// VMType is passed to KVM_CREATE_VM.
	VMType uint64
}

// ExitHandler handles a vCPU exit. Returning stop ends the vCPU's run loop
// and asks the others to stop. A non-nil error aborts the machine.
type ExitHandler interface {
	HandleExit(vcpu *VCPU, exit ExitInfo) (stop bool, err error)
}

// ExitHandlerFunc adapts a function to ExitHandler.
type ExitHandlerFunc func(vcpu *VCPU, exit ExitInfo) (bool, error)

func (f ExitHandlerFunc) HandleExit(vcpu *VCPU, exit ExitInfo) (bool, error) {
	return f(vcpu, exit)
}

// Machine is a VM with its guest memory, boot structures and vCPUs.
type Machine struct {
	vm    *VM
	mem   *GuestMemory
	vcpus []*VCPU
}

// NewMachine allocates guest memory, writes the boot page tables and GDT,
// and creates cfg.NumCPUs vCPUs.
func NewMachine(h *Hypervisor, cfg Config) (_ *Machine, err error) {
	if cfg.MemSize == 0 {
		cfg.MemSize = DefaultGuestSize
	}
	if cfg.NumCPUs == 0 {
		cfg.NumCPUs = 1
	}
	if cfg.NumCPUs < 0 || cfg.NumCPUs > MaxVCPUs {
		return nil, fmt.Errorf("hv: invalid vCPU count %d (must be 1-%d)", cfg.NumCPUs, MaxVCPUs)
	}

	m := &Machine{}
	defer func() {
		if err != nil {
			_ = m.Close()
		}
	}()

	if m.mem, err = AllocateGuestMemory(cfg.MemSize); err != nil {
		return nil, err
	}
	if m.vm, err = h.NewVM(cfg.VMType); err != nil {
		return nil, err
	}
	if err = m.vm.MapGuestMemory(m.mem); err != nil {
		return nil, err
	}
	if err = WriteBootTables(m.mem); err != nil {
		return nil, err
	}
	if err = WriteBootGDT(m.mem); err != nil {
		return nil, err
	}
	for i := 0; i < cfg.NumCPUs; i++ {
		c, err := m.vm.NewVCPU(i)
		if err != nil {
			return nil, err
		}
		m.vcpus = append(m.vcpus, c)
	}

	log.WithFields(logrus.Fields{
		"mem":   cfg.MemSize,
		"vcpus": cfg.NumCPUs,
	}).Info("created machine")
	return m, nil
}

func (m *Machine) VM() *VM              { return m.vm }
func (m *Machine) Memory() *GuestMemory { return m.mem }
func (m *Machine) VCPUs() []*VCPU       { return m.vcpus }
func (m *Machine) VCPU(i int) *VCPU     { return m.vcpus[i] }

// Init initializes every vCPU with RIP at entryPoint, the boot vCPU first.
func (m *Machine) Init(entryPoint uint64) error {
	for _, c := range m.vcpus {
		if err := c.Init(entryPoint); err != nil {
			return err
		}
	}
	return nil
}

// Run initializes the vCPUs and runs each on its own locked OS thread until
// every vCPU stops, a handler fails or ctx is cancelled. Cancellation is
// observed between exits and returned as ctx.Err(). Stopping only takes
// effect at a vCPU's next exit, so a guest that never exits blocks Run.
func (m *Machine) Run(ctx context.Context, entryPoint uint64, handler ExitHandler) error {
	if err := m.Init(entryPoint); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range m.vcpus {
		c := c // per-iteration copy; module targets go1.21 loop semantics
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			return m.loop(ctx, c, handler)
		})
	}
	return g.Wait()
}

func (m *Machine) loop(ctx context.Context, c *VCPU, handler ExitHandler) error {
	for {
		if err := ctx.Err(); err != nil {
			c.Stop()
			return err
		}
		exit, err := c.RunOnce()
		if errors.Is(err, ErrStopped) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("vcpu %d: %w", c.Index(), err)
		}
		stop, err := handler.HandleExit(c, exit)
		if err != nil {
			return fmt.Errorf("vcpu %d: %s exit: %w", c.Index(), exit.Reason, err)
		}
		if stop {
			m.Stop()
			return nil
		}
	}
}

// Stop asks every vCPU to stop.
func (m *Machine) Stop() {
	for _, c := range m.vcpus {
		c.Stop()
	}
}

// Close destroys the VM and releases guest memory. Idempotent.
func (m *Machine) Close() error {
	var errs []error
	if m.vm != nil {
		errs = append(errs, m.vm.Close())
	}
	if m.mem != nil {
		errs = append(errs, m.mem.Close())
	}
	return errors.Join(errs...)
}
