// Package hvspace implements spec Section 3/4.6's HvSpace object: the
// guest-physical to host-physical nested page table a VCpu's guest-mode
// execution is translated through. It shares internal/pagetable's walker
// with vmspace but forces the U permission bit on every mapping (spec
// Section 4.6: "HvSpace differs only in that the root register programmed
// is hgatp and permission semantics follow the G-stage rules (U bit forced
// for guest mappings)").
//
// In this userspace-VMM rendering (see the module's rendering notes), the
// actual guest-physical translation is performed by KVM itself once RAM is
// installed via KVM_SET_USER_MEMORY_REGION; HvSpace's page-table bookkeeping
// here tracks the same mappings for folio-lifetime and AlreadyMapped
// purposes, and its RootPAddr is available for parity with the spec's
// hgatp-centric model even though internal/hostkvm does not program it
// directly into a register the guest's MMU walks.
package hvspace

import (
	"example.com/rvkernel/internal/folio"
	"example.com/rvkernel/internal/kalloc"
	"example.com/rvkernel/internal/kobject"
	"example.com/rvkernel/internal/pagetable"
)

// GPABits bounds the guest-physical range MapAnywhere scans. At 41 bits it
// is narrower than Sv48x4's 50-bit guest-physical space, and the shared
// walker indexes the root level with Sv48's 9 bits, not Sv48x4's 11.
const GPABits = 41

type HvSpace struct {
	kobject.NoReadiness
	space *pagetable.Space
}

func New(arena *kalloc.Arena) (*HvSpace, error) {
	s, err := pagetable.New(arena, true, GPABits)
	if err != nil {
		return nil, err
	}
	return &HvSpace{space: s}, nil
}

func (h *HvSpace) Kind() kobject.Kind { return kobject.KindHvSpace }

// RootPAddr is the physical address conceptually programmed into hgatp.
func (h *HvSpace) RootPAddr() uintptr { return h.space.RootPAddr() }

// Map installs a guest-physical mapping. prot's ProtUser bit is ignored;
// every HvSpace mapping is forced U per the G-stage rule.
func (h *HvSpace) Map(gpa uintptr, f *folio.Folio, prot pagetable.Prot) error {
	return h.space.Map(gpa, f, prot)
}

func (h *HvSpace) Close() error { return h.space.Close() }
