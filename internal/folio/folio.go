// Package folio implements spec Section 3/4's Folio: ownership of a
// page-aligned physical range, either freshly allocated and zero-filled or
// pinned over a fixed physical address supplied externally. Folios are
// immutable descriptors; their backing bytes may be concurrently mapped
// into zero or more address spaces (vmspace.VmSpace, hvspace.HvSpace).
package folio

import (
	"fmt"
	"sync/atomic"

	"example.com/rvkernel/internal/kalloc"
	"example.com/rvkernel/internal/kerr"
	"example.com/rvkernel/internal/kobject"
)

// Mode distinguishes a freshly allocated folio from one pinned over
// caller-supplied physical memory (e.g. guest RAM handed to KVM, or an MMIO
// window).
type Mode int

const (
	Owned Mode = iota
	Pinned
)

// Folio is a page-aligned, physically contiguous run of memory. It is a
// Handleable itself (spec Section 3's Folio kind), with no readiness
// concept of its own — NoReadiness is embedded for that surface.
type Folio struct {
	kobject.NoReadiness

	paddr  uintptr
	length uintptr
	mode   Mode
	arena  *kalloc.Arena // nil for Pinned folios
	bytes  []byte        // host-addressable view over the range, for Read/Write helpers
	refs   atomic.Int64
}

// Kind implements kobject.Handleable.
func (f *Folio) Kind() kobject.Kind { return kobject.KindFolio }

// Alloc allocates length bytes (a positive multiple of kalloc.PageSize)
// from arena and returns a zero-filled Owned folio with one reference.
func Alloc(arena *kalloc.Arena, length uintptr) (*Folio, error) {
	if length == 0 || length%kalloc.PageSize != 0 {
		return nil, fmt.Errorf("folio: length must be a nonzero multiple of %d: %w", kalloc.PageSize, kerr.InvalidArg)
	}
	paddr, err := arena.AllocPages(int(length / kalloc.PageSize))
	if err != nil {
		return nil, err
	}
	f := &Folio{paddr: paddr, length: length, mode: Owned, arena: arena, bytes: make([]byte, length)}
	f.refs.Store(1)
	return f, nil
}

// Pin wraps an externally-provided physical range (guest RAM backed by an
// mmap'd slice, an MMIO window) as a Folio without taking ownership of its
// lifecycle: Close on a Pinned folio never returns pages to an arena.
func Pin(paddr uintptr, backing []byte) (*Folio, error) {
	if len(backing) == 0 || uintptr(len(backing))%kalloc.PageSize != 0 {
		return nil, fmt.Errorf("folio: pinned length must be a nonzero multiple of %d: %w", kalloc.PageSize, kerr.InvalidArg)
	}
	f := &Folio{paddr: paddr, length: uintptr(len(backing)), mode: Pinned, bytes: backing}
	f.refs.Store(1)
	return f, nil
}

// PAddr returns the folio's physical base address. Round-trip law R1: for a
// pinned folio, Pin(paddr, n).PAddr() == paddr.
func (f *Folio) PAddr() uintptr { return f.paddr }

// Len returns the folio's length in bytes.
func (f *Folio) Len() uintptr { return f.length }

// Mode reports whether the folio owns allocator-backed pages or wraps a
// pinned external range.
func (f *Folio) Mode() Mode { return f.mode }

// Bytes returns the host-addressable view of the folio's contents. Callers
// mapping the folio into an address space read/write through this slice;
// the slice is immutable in length but not in contents.
func (f *Folio) Bytes() []byte { return f.bytes }

// Clone takes an additional reference, for example when mapping the folio
// into another address space.
func (f *Folio) Clone() *Folio {
	f.refs.Add(1)
	return f
}

// Close drops a reference. When the last reference is released, an Owned
// folio's pages are returned to its arena; a Pinned folio only drops its
// bookkeeping, since it never owned the backing memory.
func (f *Folio) Close() error {
	if f.refs.Add(-1) != 0 {
		return nil
	}
	if f.mode == Owned && f.arena != nil {
		for off := uintptr(0); off < f.length; off += kalloc.PageSize {
			if err := f.arena.FreePage(f.paddr + off); err != nil {
				return err
			}
		}
	}
	return nil
}

// RefCount reports the current number of live references, for tests.
func (f *Folio) RefCount() int64 { return f.refs.Load() }
