//go:build linux && amd64

package hypervisor

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	cachedPageSize int
	cachedPageMask uint64 // For fast alignment checks: addr & mask == 0
	pageSizeOnce   sync.Once
)

// pageSize returns the system page size, cached for performance
func pageSize() int {
	pageSizeOnce.Do(func() {
		cachedPageSize = unix.Getpagesize()
		cachedPageMask = uint64(cachedPageSize - 1)
	})
	return cachedPageSize
}

// isPageAligned returns true if addr is page-aligned (fast path)
func isPageAligned(addr uint64) bool {
	pageSize()
	return addr&cachedPageMask == 0
}

func validateGuestSize(size uint64) error {
	if size < MinGuestSize {
		return &HVError{Code: CodeAllocationFailed, Err: fmt.Errorf("guest size %d below minimum %d", size, MinGuestSize)}
	}
	if !isPageAligned(size) {
		return &HVError{Code: CodeAllocationFailed, Err: fmt.Errorf("guest size %d not a multiple of the page size %d", size, pageSize())}
	}
	if hostMappingSize(size) > uint64(^uint(0)>>1) {
		return &HVError{Code: CodeAllocationFailed, Err: fmt.Errorf("guest size %d exceeds the host address space", size)}
	}
	return nil
}

// AllocateGuestMemory reserves anonymous host memory for a guest of the given
// size. Guests that reach the legacy gap get one contiguous reservation with
// the gap made inaccessible, so the second slot keeps a fixed offset from the
// first.
func AllocateGuestMemory(size uint64) (*GuestMemory, error) {
	if err := validateGuestSize(size); err != nil {
		return nil, err
	}

	total := hostMappingSize(size)
	mem, err := unix.Mmap(-1, 0, int(total),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, &HVError{Code: CodeAllocationFailed, Op: "mmap", Err: err}
	}

	gap := size >= LegacyGapStart
	if gap {
		if err := unix.Mprotect(mem[LegacyGapStart:LegacyGapEnd], unix.PROT_NONE); err != nil {
			_ = unix.Munmap(mem)
			return nil, &HVError{Code: CodeAllocationFailed, Op: "mprotect", Err: err}
		}
	}
	if err := unix.Madvise(mem, unix.MADV_HUGEPAGE); err != nil {
		log.WithError(err).Warn("transparent huge pages unavailable for guest memory")
	}

	m := &GuestMemory{mem: mem, size: size, unmap: unix.Munmap}
	runtime.SetFinalizer(m, (*GuestMemory).Close)
	recordGuestMemory(int64(size))

	log.WithFields(logrus.Fields{
		"size": size,
		"gap":  gap,
	}).Debug("allocated guest memory")
	return m, nil
}
