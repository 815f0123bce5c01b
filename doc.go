// Package hypervisor drives Linux KVM to run 64-bit unikernel guests on
// x86-64 hosts.
//
// It covers the machine-control core: opening the virtualization device,
// creating a VM, backing guest RAM with host memory, building the boot page
// tables and GDT, bringing every vCPU up directly in long mode, and running
// vCPUs until they exit for host handling.
//
// # Requirements
//
//   - Linux on x86-64
//   - Read/write access to /dev/kvm (usually membership in the kvm group)
//   - KVM API version 12
//
// # Basic Usage
//
// Check if hypervisor is supported:
//
//	supported, err := hypervisor.Supported()
//	if err != nil || !supported {
//		log.Fatal("KVM not available on this system")
//	}
//
// Build and run a machine:
//
//	h, err := hypervisor.Open()
//	if err != nil {
//		log.Fatal("Failed to open KVM:", err)
//	}
//	defer h.Close()
//
//	m, err := hypervisor.NewMachine(h, hypervisor.Config{MemSize: 64 << 20, NumCPUs: 2})
//	if err != nil {
//		log.Fatal("Failed to create machine:", err)
//	}
//	defer m.Close()
//
//	// Load the guest image at its entry point
//	code, _ := m.Memory().Slice(0x200000, uint64(len(image)))
//	copy(code, image)
//
//	err = m.Run(ctx, 0x200000, hypervisor.ExitHandlerFunc(
//		func(vcpu *hypervisor.VCPU, exit hypervisor.ExitInfo) (bool, error) {
//			switch d := exit.Data.(type) {
//			case hypervisor.ExitIO:
//				if d.Direction == hypervisor.IOOut && d.Port == 0x3f8 {
//					os.Stdout.Write(d.Data)
//				}
//				return false, nil
//			}
//			return exit.Reason == hypervisor.ExitReasonHLT, nil
//		}))
//
// The lower-level pieces (VM, VCPU, GuestMemory) can be used directly:
//
//	vm, _ := h.NewVM(0)
//	mem, _ := hypervisor.AllocateGuestMemory(64 << 20)
//	_ = vm.MapGuestMemory(mem)
//	_ = hypervisor.WriteBootTables(mem)
//	_ = hypervisor.WriteBootGDT(mem)
//
//	boot, _ := vm.NewVCPU(0)
//	_ = boot.Init(0x200000) // the boot vCPU must be initialized first
//	exit, err := boot.RunOnce()
//
// # Guest Memory Layout
//
// Guests of 3 GiB or more are split around the legacy 32-bit MMIO hole at
// [0xC0000000, 0xF0000000). The boot GDT lives at 0x1000, the page tables at
// 0x10000-0x12FFF and identity map [0, 512 MiB) with 2 MiB pages. Every vCPU
// starts with RSP at 0x1FF000.
//
// # Error Handling
//
// Errors are *HVError values carrying an ErrorCode, the failing operation and
// the host error. Use errors.Is with the Err* sentinels to classify them and
// IsFatal to decide whether the machine must be torn down. A translation
// fault reports the faulting RIP.
//
// # Resource Management
//
// Hypervisor, VM, VCPU, GuestMemory and Machine must be closed with Close().
// Finalizers provide safety net cleanup. Close a VM before the guest memory
// registered with it.
//
// # Platform Support
//
// Linux x86-64 only. Other platforms return ErrNotSupported.
package hypervisor
