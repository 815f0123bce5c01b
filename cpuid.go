package hypervisor

import "fmt"

// maxCPUIDEntries bounds the host CPUID query.
const maxCPUIDEntries = 100

// CPUIDEntry is one CPUID leaf. The layout matches struct kvm_cpuid_entry2.
type CPUIDEntry struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAX      uint32
	EBX      uint32
	ECX      uint32
	EDX      uint32
	Padding  [3]uint32
}

func (e CPUIDEntry) String() string {
	return fmt.Sprintf("%08x/%x: eax=%08x ebx=%08x ecx=%08x edx=%08x",
		e.Function, e.Index, e.EAX, e.EBX, e.ECX, e.EDX)
}

// FeatureDescriptor is the CPUID table presented to every guest vCPU. It is
// built once per Hypervisor and is read-only afterwards.
type FeatureDescriptor struct {
	entries []CPUIDEntry
}

// Len returns the number of leaves.
func (f *FeatureDescriptor) Len() int { return len(f.entries) }

// Entry returns the i-th leaf.
func (f *FeatureDescriptor) Entry(i int) CPUIDEntry { return f.entries[i] }

// Entries returns a copy of all leaves.
func (f *FeatureDescriptor) Entries() []CPUIDEntry {
	return append([]CPUIDEntry(nil), f.entries...)
}

// Lookup returns the first leaf matching function and index.
func (f *FeatureDescriptor) Lookup(function, index uint32) (CPUIDEntry, bool) {
	for _, e := range f.entries {
		if e.Function == function && e.Index == index {
			return e, true
		}
	}
	return CPUIDEntry{}, false
}

// FilterFeatures derives the guest feature table from the host's supported
// leaves. Every leaf 1 is marked as running under a hypervisor and as
// supporting MSRs, and advertises the TSC deadline timer when the host
// provides it. Every leaf 0x0A is cleared of architectural performance
// monitoring. All other leaves pass through unchanged. host is not modified.
func FilterFeatures(host []CPUIDEntry, tscDeadline bool) *FeatureDescriptor {
	n := min(len(host), maxCPUIDEntries)
	entries := make([]CPUIDEntry, n)
	copy(entries, host[:n])

	for i := range entries {
		e := &entries[i]
		switch e.Function {
		case CPUIDFuncBasicFeatures:
			e.ECX |= CPUIDECXHypervisor
			if tscDeadline {
				e.ECX |= CPUIDECXTSCDeadline
			}
			e.EDX |= CPUIDEDXMSR
		case CPUIDFuncPerfMon:
			e.EAX = 0
		}
	}
	return &FeatureDescriptor{entries: entries}
}

func computeFeatures(dev Device, tscDeadline bool) (*FeatureDescriptor, error) {
	host, err := dev.SupportedCPUID(maxCPUIDEntries)
	if err != nil {
		recordControlError()
		return nil, controlErr("KVM_GET_SUPPORTED_CPUID", err)
	}
	f := FilterFeatures(host, tscDeadline)
	log.WithField("leaves", f.Len()).WithField("tsc_deadline", tscDeadline).Debug("computed guest CPUID")
	return f, nil
}
