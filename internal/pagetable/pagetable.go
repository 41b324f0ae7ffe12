// Package pagetable implements the Sv48/Sv48x4 four-level software
// walker shared by VmSpace and HvSpace (spec Section 4.6). Both address
// space kinds differ only in which control register the root folio's
// physical address is eventually programmed into and in one permission
// bit (HvSpace forces U); the walk, allocation, and rollback logic is
// identical, so it lives here once and each package wraps it with its own
// Handleable surface.
package pagetable

import (
	"fmt"

	"example.com/rvkernel/internal/folio"
	"example.com/rvkernel/internal/kalloc"
	"example.com/rvkernel/internal/kerr"
)

const (
	levels      = 4
	entriesPerLevel = 512
	PageSize    = kalloc.PageSize

	// bitsPerLevel is log2(entriesPerLevel); Sv48 indexes 9 bits per level
	// off of a 4 KiB-page VA, starting at bit 39 for level 3 down to bit 12
	// for level 0.
	bitsPerLevel = 9
)

// Prot is the protection bits requested by a map() call, matching spec
// Section 4.6's PTE bit names.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
	// ProtUser marks the mapping as accessible from U-mode; VmSpace sets
	// this per the caller's request, HvSpace forces it on for every
	// mapping (G-stage "U bit forced for guest mappings").
	ProtUser
)

const (
	pteV = 1 << 0
	pteR = 1 << 1
	pteW = 1 << 2
	pteX = 1 << 3
	pteU = 1 << 4

	// ppnShift is the PTE bit offset at which the physical page number
	// begins, following RISC-V Sv48's PTE layout (10 flag bits reserved
	// in the low bits of the real format; this rendering only needs
	// enough of the bit layout to round-trip PPN + our five flags, so it
	// keeps PPN left-shifted far enough not to collide).
	ppnShift = 12
)

// pte is one page-table entry. In this userspace rendering each table is
// a Go slice of pte backed by a Folio rather than literal guest-physical
// memory, since no MMU ever walks it directly; VCpu/HvSpace instead hand
// KVM the equivalent KVM_SET_USER_MEMORY_REGION slots.
type pte uint64

func (p pte) valid() bool   { return p&pteV != 0 }
func (p pte) ppn() uintptr  { return uintptr(p >> ppnShift) }
func (p pte) isLeaf() bool  { return p.valid() && (p&(pteR|pteW|pteX)) != 0 }

func makePTE(ppn uintptr, flags uint64) pte {
	return pte(uint64(ppn)<<ppnShift | flags)
}

// table is one level's 512-entry node, backed by its own folio so the
// allocator's bookkeeping (refcounts, Close-time release) covers page
// table memory exactly like any other kernel allocation.
type table struct {
	f       *folio.Folio
	entries []pte
}

func newTable(arena *kalloc.Arena) (*table, error) {
	f, err := folio.Alloc(arena, PageSize)
	if err != nil {
		return nil, err
	}
	t := &table{f: f}
	t.entries = make([]pte, entriesPerLevel)
	return t, nil
}

// mapping records one leaf-level page this Space has mapped, so Unmap and
// Close know what to roll back.
type mapping struct {
	va    uintptr
	folio *folio.Folio
}

// Space is a generic Sv48-shaped address space: VmSpace and HvSpace both
// embed one and differ only in forceUser and in what external register
// their RootPAddr() ultimately gets programmed into (satp vs hgatp).
type Space struct {
	arena       *kalloc.Arena
	root        *table
	forceUser   bool
	mappings    []mapping
	vaBits      uint // 48 for VmSpace's Sv48 range, 41 for HvSpace's guest-physical scan bound
	childTables map[uintptr]*table
}

// New creates an empty address space with an allocated root table. vaBits
// bounds the addresses map_anywhere will consider (spec: "arch-defined VA
// range").
func New(arena *kalloc.Arena, forceUser bool, vaBits uint) (*Space, error) {
	root, err := newTable(arena)
	if err != nil {
		return nil, fmt.Errorf("pagetable: allocating root table: %w", err)
	}
	return &Space{arena: arena, root: root, forceUser: forceUser, vaBits: vaBits, childTables: make(map[uintptr]*table)}, nil
}

// RootPAddr returns the physical address to program into satp/hgatp.
func (s *Space) RootPAddr() uintptr {
	return s.root.f.PAddr()
}

func index(va uintptr, level int) int {
	shift := 12 + uint(level)*bitsPerLevel
	return int((va >> shift) & (entriesPerLevel - 1))
}

func protFlags(prot Prot, forceUser bool) (uint64, error) {
	var flags uint64 = pteV | pteR // "always-readable" per spec
	if prot&ProtWrite != 0 {
		flags |= pteW
	}
	if prot&ProtExec != 0 {
		if prot&ProtRead == 0 && flags&pteR == 0 {
			return 0, fmt.Errorf("pagetable: exec requires read: %w", kerr.InvalidArg)
		}
		flags |= pteX
	}
	if forceUser || prot&ProtUser != 0 {
		flags |= pteU
	}
	return flags, nil
}

// Map implements spec Section 4.6's map(): walks from the root, allocating
// missing child tables, and writes one leaf PTE per page in [va, va+len).
// If any leaf in the range is already valid, it fails AlreadyMapped and
// rolls back every write this call made.
func (s *Space) Map(va uintptr, f *folio.Folio, prot Prot) error {
	length := f.Len()
	if length == 0 || length%PageSize != 0 {
		return fmt.Errorf("pagetable: length %d not a positive multiple of %d: %w", length, PageSize, kerr.InvalidArg)
	}
	if va%PageSize != 0 {
		return fmt.Errorf("pagetable: va %#x not page-aligned: %w", va, kerr.InvalidArg)
	}

	flags, err := protFlags(prot, s.forceUser)
	if err != nil {
		return err
	}

	numPages := int(length / PageSize)
	written := make([]uintptr, 0, numPages)

	rollback := func() {
		for _, v := range written {
			leaf, idx, ok := s.walkToLeafSlot(v, false)
			if ok {
				leaf.entries[idx] = 0
			}
		}
	}

	for i := 0; i < numPages; i++ {
		pageVA := va + uintptr(i)*PageSize
		leaf, idx, err := s.walkAllocating(pageVA)
		if err != nil {
			rollback()
			return err
		}
		if leaf.entries[idx].valid() {
			rollback()
			return fmt.Errorf("pagetable: va %#x already mapped: %w", pageVA, kerr.AlreadyMapped)
		}
		pagePAddr := f.PAddr() + uintptr(i)*PageSize
		leaf.entries[idx] = makePTE(pagePAddr/PageSize, flags)
		written = append(written, pageVA)
	}

	s.mappings = append(s.mappings, mapping{va: va, folio: f})
	return nil
}

// walkAllocating walks the 4 levels for va, allocating any missing
// intermediate table along the way, and returns the level-0 (leaf) table
// plus the index within it where va's PTE lives.
func (s *Space) walkAllocating(va uintptr) (*table, int, error) {
	cur := s.root
	for level := levels - 1; level >= 1; level-- {
		idx := index(va, level)
		e := cur.entries[idx]
		if !e.valid() {
			child, err := newTable(s.arena)
			if err != nil {
				return nil, 0, fmt.Errorf("pagetable: allocating level-%d table: %w", level, err)
			}
			cur.entries[idx] = makePTE(child.f.PAddr()/PageSize, pteV)
			s.childTables[child.f.PAddr()] = child
			cur = child
			continue
		}
		if e.isLeaf() {
			return nil, 0, fmt.Errorf("pagetable: va %#x aliases a superpage at level %d: %w", va, level, kerr.AlreadyMapped)
		}
		cur = s.tableAt(e)
	}
	return cur, index(va, 0), nil
}

// walkToLeafSlot walks without allocating, used by rollback and rangeFree.
// alloc is always false today but kept as a parameter for symmetry with
// walkAllocating's signature if a future caller needs the allocating
// variant here too.
func (s *Space) walkToLeafSlot(va uintptr, alloc bool) (*table, int, bool) {
	cur := s.root
	for level := levels - 1; level >= 1; level-- {
		idx := index(va, level)
		e := cur.entries[idx]
		if !e.valid() {
			return nil, 0, false
		}
		cur = s.tableAt(e)
	}
	return cur, index(va, 0), true
}

// tableAt reconstructs the *table wrapper for an intermediate PTE's child.
// Because all tables this Space allocates are tracked only by the parent
// PTE's PPN, we keep a side map from PAddr to *table populated at
// allocation time so we never need to re-derive the []pte slice from raw
// memory (there's no literal physical memory here to read back from).
func (s *Space) tableAt(e pte) *table {
	t, ok := s.childTables[e.ppn()*PageSize]
	if !ok {
		panic("pagetable: dangling intermediate PTE with no tracked child table")
	}
	return t
}

// MapAnywhere implements spec Section 4.6's map_anywhere(): linearly scans
// the arch-defined VA range for len contiguous free pages and maps f
// there, returning the chosen base VA.
func (s *Space) MapAnywhere(f *folio.Folio, prot Prot) (uintptr, error) {
	length := f.Len()
	if length == 0 || length%PageSize != 0 {
		return 0, fmt.Errorf("pagetable: length %d not a positive multiple of %d: %w", length, PageSize, kerr.InvalidArg)
	}
	numPages := uintptr(length / PageSize)
	limit := uintptr(1) << s.vaBits

	for base := uintptr(PageSize); base+length <= limit; base += PageSize {
		if s.rangeFree(base, numPages) {
			if err := s.Map(base, f, prot); err != nil {
				continue
			}
			return base, nil
		}
	}
	return 0, fmt.Errorf("pagetable: no %d-byte free range in VA space: %w", length, kerr.OutOfMemory)
}

func (s *Space) rangeFree(base uintptr, numPages uintptr) bool {
	for i := uintptr(0); i < numPages; i++ {
		if leaf, idx, ok := s.walkToLeafSlot(base+i*PageSize, false); ok && leaf.entries[idx].valid() {
			return false
		}
	}
	return true
}

// Close releases every folio this Space ever Map'd a reference to, plus
// the page-table folios themselves, matching spec Section 4's "VmSpace
// holds a list of folio references keeping mapped pages alive."
func (s *Space) Close() error {
	for _, m := range s.mappings {
		_ = m.folio.Close()
	}
	s.mappings = nil
	for _, t := range s.childTables {
		_ = t.f.Close()
	}
	s.childTables = make(map[uintptr]*table)
	_ = s.root.f.Close()
	return nil
}
