// Package vmspace implements spec Section 3/4.6's VmSpace object: the host
// virtual-to-physical page table a process's threads run under, rooted at
// a folio eventually programmed into satp. All of the walk/allocate/
// rollback logic lives in internal/pagetable; this package only adds the
// Handleable surface and the VmSpace-specific defaults (forceUser=false,
// since only the mapping caller's explicit ProtUser bit grants user
// access, unlike HvSpace which forces it for every guest mapping).
package vmspace

import (
	"example.com/rvkernel/internal/folio"
	"example.com/rvkernel/internal/kalloc"
	"example.com/rvkernel/internal/kobject"
	"example.com/rvkernel/internal/pagetable"
)

// VABits is the arch-defined VA width map_anywhere scans, per Sv48.
const VABits = 48

type VmSpace struct {
	kobject.NoReadiness
	space *pagetable.Space
}

func New(arena *kalloc.Arena) (*VmSpace, error) {
	s, err := pagetable.New(arena, false, VABits)
	if err != nil {
		return nil, err
	}
	return &VmSpace{space: s}, nil
}

func (v *VmSpace) Kind() kobject.Kind { return kobject.KindVmSpace }

// RootPAddr is the physical address to program into satp.
func (v *VmSpace) RootPAddr() uintptr { return v.space.RootPAddr() }

func (v *VmSpace) Map(va uintptr, f *folio.Folio, prot pagetable.Prot) error {
	return v.space.Map(va, f, prot)
}

func (v *VmSpace) MapAnywhere(f *folio.Folio, prot pagetable.Prot) (uintptr, error) {
	return v.space.MapAnywhere(f, prot)
}

func (v *VmSpace) Close() error { return v.space.Close() }
