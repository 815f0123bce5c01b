package hypervisor

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFilterFeatures(t *testing.T) {
	host := []CPUIDEntry{
		{Function: 0x0, EAX: 0xd},
		{Function: 0x1, EAX: 0x306a9, ECX: 0x201, EDX: 0x0f8bfbdf},
		{Function: 0x4, Index: 0, EAX: 0x1c004121},
		{Function: 0x4, Index: 1, EAX: 0x1c004122},
		{Function: 0xa, EAX: 0x07300403, EBX: 0x7f, EDX: 0x603},
	}
	orig := append([]CPUIDEntry(nil), host...)

	tests := []struct {
		name        string
		tscDeadline bool
		wantLeaf1   CPUIDEntry
	}{
		{
			name:        "without TSC deadline",
			tscDeadline: false,
			wantLeaf1:   CPUIDEntry{Function: 0x1, EAX: 0x306a9, ECX: 0x201 | CPUIDECXHypervisor, EDX: 0x0f8bfbdf | CPUIDEDXMSR},
		},
		{
			name:        "with TSC deadline",
			tscDeadline: true,
			wantLeaf1:   CPUIDEntry{Function: 0x1, EAX: 0x306a9, ECX: 0x201 | CPUIDECXHypervisor | CPUIDECXTSCDeadline, EDX: 0x0f8bfbdf | CPUIDEDXMSR},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := FilterFeatures(host, tt.tscDeadline)

			if f.Len() != len(host) {
				t.Fatalf("Len() = %d, want %d", f.Len(), len(host))
			}
			leaf1, ok := f.Lookup(0x1, 0)
			if !ok {
				t.Fatal("leaf 1 missing")
			}
			if diff := cmp.Diff(tt.wantLeaf1, leaf1); diff != "" {
				t.Errorf("leaf 1 mismatch (-want +got):\n%s", diff)
			}
			perf, _ := f.Lookup(0xa, 0)
			if perf.EAX != 0 || perf.EBX != 0x7f || perf.EDX != 0x603 {
				t.Errorf("leaf 0xa = %v, want only EAX cleared", perf)
			}
			// Leaves without edits pass through in order.
			for _, i := range []int{0, 2, 3} {
				if f.Entry(i) != host[i] {
					t.Errorf("Entry(%d) = %v, want %v", i, f.Entry(i), host[i])
				}
			}
		})
	}

	if diff := cmp.Diff(orig, host); diff != "" {
		t.Errorf("FilterFeatures modified its input (-want +got):\n%s", diff)
	}
}

func TestFilterFeaturesCapped(t *testing.T) {
	host := make([]CPUIDEntry, maxCPUIDEntries+20)
	for i := range host {
		host[i].Function = uint32(0x80000000 + i)
	}
	f := FilterFeatures(host, false)
	if f.Len() != maxCPUIDEntries {
		t.Errorf("Len() = %d, want %d", f.Len(), maxCPUIDEntries)
	}

	entries := f.Entries()
	entries[0].EAX = 0xdead
	if f.Entry(0).EAX == 0xdead {
		t.Error("Entries() returned the internal slice")
	}
}

func TestFeaturesComputedOnce(t *testing.T) {
	h, dev := newMockHypervisor(t)

	if h.Features() != nil {
		t.Fatal("Features() before NewVM should be nil")
	}

	vm1, err := h.NewVM(0)
	if err != nil {
		t.Fatalf("NewVM() error = %v", err)
	}
	defer vm1.Close()

	// Later host changes must not leak into the cached table.
	dev.caps[CapTSCDeadlineTimer] = 0
	dev.cpuid[1].ECX = 0

	vm2, err := h.NewVM(0)
	if err != nil {
		t.Fatalf("NewVM() error = %v", err)
	}
	defer vm2.Close()

	if dev.cpuidCalls != 1 {
		t.Errorf("host CPUID queried %d times, want 1", dev.cpuidCalls)
	}
	if vm1.Features() != vm2.Features() || vm1.Features() != h.Features() {
		t.Error("VMs do not share the feature table")
	}
	if !h.TSCDeadline() {
		t.Error("TSCDeadline() = false, want the first probe result")
	}
	leaf1, _ := h.Features().Lookup(1, 0)
	if leaf1.ECX&CPUIDECXTSCDeadline == 0 || leaf1.ECX&0x201 != 0x201 {
		t.Errorf("leaf 1 ECX = %#x", leaf1.ECX)
	}
}

func TestFeaturesQueryFailure(t *testing.T) {
	h, dev := newMockHypervisor(t)
	dev.cpuidErr = errors.New("e2big")

	vm, err := h.NewVM(0)
	if err == nil {
		vm.Close()
		t.Fatal("NewVM() succeeded with a failing CPUID query")
	}
	if !errors.Is(err, ErrControlRequest) || !IsFatal(err) {
		t.Errorf("NewVM() error = %v, want fatal control request error", err)
	}
	if !dev.lastVM().closed {
		t.Error("VM device leaked after failure")
	}
}
