package hvspace

import (
	"testing"

	"example.com/rvkernel/internal/folio"
	"example.com/rvkernel/internal/kalloc"
	"example.com/rvkernel/internal/kerr"
	"example.com/rvkernel/internal/pagetable"
)

func newArena(t *testing.T) *kalloc.Arena {
	t.Helper()
	a, err := kalloc.NewArena(0x5000_0000, 16*kalloc.PageSize)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	return a
}

func TestMapInstallsGuestPhysicalMapping(t *testing.T) {
	arena := newArena(t)
	h, err := New(arena)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f, err := folio.Alloc(arena, kalloc.PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := h.Map(0x1000, f, pagetable.ProtRead|pagetable.ProtWrite); err != nil {
		t.Fatalf("Map: %v", err)
	}
}

func TestMapOverlappingFailsAlreadyMapped(t *testing.T) {
	arena := newArena(t)
	h, err := New(arena)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f1, _ := folio.Alloc(arena, kalloc.PageSize)
	f2, _ := folio.Alloc(arena, kalloc.PageSize)

	const gpa = 0x2000
	if err := h.Map(gpa, f1, pagetable.ProtRead); err != nil {
		t.Fatalf("first Map: %v", err)
	}
	if err := h.Map(gpa, f2, pagetable.ProtRead); !kerr.IsCode(err, kerr.AlreadyMapped) {
		t.Fatalf("expected AlreadyMapped, got %v", err)
	}
}

// RootPAddr stays stable across unrelated mappings since the root table
// itself isn't reallocated per-Map.
func TestRootPAddrStableAcrossMappings(t *testing.T) {
	arena := newArena(t)
	h, err := New(arena)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	before := h.RootPAddr()
	f, _ := folio.Alloc(arena, kalloc.PageSize)
	if err := h.Map(0x3000, f, pagetable.ProtRead); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if h.RootPAddr() != before {
		t.Fatal("expected RootPAddr to stay stable across Map calls")
	}
}

func TestKindAndClose(t *testing.T) {
	arena := newArena(t)
	h, err := New(arena)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if h.Kind().String() == "" {
		t.Fatal("expected non-empty kind string")
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
