// Package khandle implements spec Section 4.1's per-process handle table: a
// map from HandleId to a tagged, rights-checked kernel object. Guarded by a
// short-held sync.Mutex (not a kspinlock.Spinlock, so a recursive
// acquisition deadlocks rather than panics), the way the teacher guards its
// device registers (PICDevice.lock, SerialPortDevice.lock) — the lock is
// only held for the table mutation itself, never while the object is in use.
package khandle

import (
	"fmt"
	"sync"

	"example.com/rvkernel/internal/kerr"
	"example.com/rvkernel/internal/kobject"
)

// Id is an opaque, positive, process-local handle identifier.
type Id int32

// Rights is a bitset over {READ, WRITE, POLL, MAP}.
type Rights uint8

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightPoll
	RightMap
)

// MaxActiveHandles is the ceiling spec boundary B4 names: 2^20 - 1.
const MaxActiveHandles = (1 << 20) - 1

type entry struct {
	object kobject.Handleable
	rights Rights
}

// Table is a per-process handle table.
type Table struct {
	mu      sync.Mutex
	entries map[Id]entry
	nextId  Id
	active  int
}

// NewTable creates an empty handle table. Ids start at 1 and are strictly
// monotonic for the lifetime of the table (spec: "Reused ids are permitted
// only after close" — this implementation never reuses an id at all, which
// is a conforming, simpler special case of that rule).
func NewTable() *Table {
	return &Table{entries: make(map[Id]entry)}
}

// Insert adds object with the given rights and returns its fresh handle id.
func (t *Table) Insert(object kobject.Handleable, rights Rights) (Id, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active >= MaxActiveHandles {
		return 0, fmt.Errorf("khandle: table full at %d active handles: %w", t.active, kerr.TooManyHandles)
	}
	t.nextId++
	id := t.nextId
	t.entries[id] = entry{object: object, rights: rights}
	t.active++
	return id, nil
}

// Get looks up id and checks that required is a subset of its granted
// rights (an AND-masked check, spec Section 4.1).
func (t *Table) Get(id Id, required Rights) (kobject.Handleable, error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("khandle: handle %d not found: %w", id, kerr.InvalidHandle)
	}
	if e.rights&required != required {
		return nil, fmt.Errorf("khandle: handle %d missing rights %#x (has %#x): %w", id, required, e.rights, kerr.NotAllowed)
	}
	return e.object, nil
}

// Rights returns the rights bits granted to id without requiring any of
// them, for callers (e.g. channel send) that need to inspect rather than
// enforce.
func (t *Table) Rights(id Id) (Rights, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return 0, fmt.Errorf("khandle: handle %d not found: %w", id, kerr.InvalidHandle)
	}
	return e.rights, nil
}

// Remove detaches id from the table and returns its object without closing
// it; Close does both.
func (t *Table) Remove(id Id) (kobject.Handleable, error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
		t.active--
	}
	t.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("khandle: handle %d not found: %w", id, kerr.InvalidHandle)
	}
	return e.object, nil
}

// Close removes id and closes its object in one step, matching the
// HANDLE_CLOSE syscall's contract.
func (t *Table) Close(id Id) error {
	obj, err := t.Remove(id)
	if err != nil {
		return err
	}
	return obj.Close()
}

// InsertWithRightsOf duplicates an object into this table under fresh-id
// allocation with the given rights; it is equivalent to Insert. Channel
// handle transfer calls Insert on the receiving table directly.
func (t *Table) InsertWithRightsOf(object kobject.Handleable, rights Rights) (Id, error) {
	return t.Insert(object, rights)
}

// ActiveCount reports the number of live entries, for tests.
func (t *Table) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}
