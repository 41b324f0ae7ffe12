// Package kalloc is the kernel's backing-page allocator. It hands out
// page-aligned (4096-byte) runs of physical address space from a fixed
// arena obtained once at boot, exactly as the teacher's VirtualMachine
// obtains guest memory with a single syscall.Mmap call up front
// (virtual_machine.go's NewVirtualMachine) rather than negotiating memory
// piecemeal with the OS on every allocation.
package kalloc

import (
	"fmt"
	"sync"

	"example.com/rvkernel/internal/kerr"
)

// PageSize is the fixed page granularity the whole kernel works in.
const PageSize = 4096

// Arena is a bump allocator with an optional free-list fast path. Pages
// released by a dropped Folio go onto the free-list and are reused before
// the bump cursor advances further; the bump cursor itself never retreats
// (spec's Non-goal: "memory reclamation in the bump allocator path").
type Arena struct {
	mu       sync.Mutex
	base     uintptr
	size     uintptr
	cursor   uintptr
	freeList []uintptr
}

// NewArena creates an allocator over [base, base+size). size must be a
// multiple of PageSize.
func NewArena(base, size uintptr) (*Arena, error) {
	if size == 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("kalloc: arena size must be a nonzero multiple of %d: %w", PageSize, kerr.InvalidArg)
	}
	return &Arena{base: base, size: size}, nil
}

// AllocPages returns the physical base address of a freshly allocated,
// zero-filled run of n contiguous pages, or OutOfMemory.
//
// Contiguity is only guaranteed for n==1 out of the free-list (a freed
// single page can be handed back immediately); runs of n>1 always come
// from the bump cursor, matching the spec's framing of the bump path as
// the source of truth for "fresh" folios and the free-list as a recycling
// bin for single torn-down pages.
func (a *Arena) AllocPages(n int) (uintptr, error) {
	if n <= 0 {
		return 0, fmt.Errorf("kalloc: page count must be positive: %w", kerr.InvalidArg)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if n == 1 && len(a.freeList) > 0 {
		last := len(a.freeList) - 1
		addr := a.freeList[last]
		a.freeList = a.freeList[:last]
		return addr, nil
	}

	need := uintptr(n) * PageSize
	if a.cursor+need > a.size {
		return 0, fmt.Errorf("kalloc: arena exhausted (cursor=%d need=%d size=%d): %w", a.cursor, need, a.size, kerr.OutOfMemory)
	}
	addr := a.base + a.cursor
	a.cursor += need
	return addr, nil
}

// FreePage returns a single page to the free-list for reuse. addr must be a
// page the arena previously handed out, either alone or as one page of a
// multi-page run (Folio.Close frees a run page by page); the arena does not
// validate membership beyond page alignment, mirroring
// the trust-the-caller discipline the spec assumes between Folio and the
// allocator.
func (a *Arena) FreePage(addr uintptr) error {
	if addr%PageSize != 0 {
		return fmt.Errorf("kalloc: freed address not page-aligned: %w", kerr.InvalidArg)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeList = append(a.freeList, addr)
	return nil
}

// Stats reports bump-cursor progress and free-list depth, for tests and
// diagnostics.
func (a *Arena) Stats() (used, total uintptr, free int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursor, a.size, len(a.freeList)
}
