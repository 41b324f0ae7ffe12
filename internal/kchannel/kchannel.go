// Package kchannel implements spec Section 4.2's channel IPC transport: a
// pair of endpoints cross-linked at creation, each owning a bounded FIFO of
// message records and a listener set. Queue access is guarded the same way
// the teacher guards PICDevice's IRR/ISR/IMR state — a single mutex held
// only around the enqueue/dequeue critical section.
package kchannel

import (
	"fmt"
	"sync"

	"example.com/rvkernel/internal/kerr"
	"example.com/rvkernel/internal/khandle"
	"example.com/rvkernel/internal/kmessage"
	"example.com/rvkernel/internal/kobject"
)

// DefaultCapacity is the minimum bounded-FIFO depth spec Section 3 names
// ("default implementation target: >=16 entries").
const DefaultCapacity = 16

type record struct {
	kind    uint32
	data    []byte
	handles []khandle.Id
}

// Endpoint is one side of a channel. The zero value is not usable; create
// pairs with CreatePair.
type Endpoint struct {
	bc kobject.Broadcaster

	mu       sync.Mutex
	queue    []record
	capacity int
	closed   bool
	peer     *Endpoint
	table    *khandle.Table // table new transferred handles land in on Recv-side allocation
}

// CreatePair produces two endpoints with empty queues and cross peer
// pointers, per spec Section 4.2's create().
func CreatePair(capacity int) (*Endpoint, *Endpoint) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	a := &Endpoint{capacity: capacity}
	b := &Endpoint{capacity: capacity}
	a.peer = b
	b.peer = a
	// WRITABLE models "my peer's queue has capacity for another send"; both
	// queues start empty, so both sides start WRITABLE.
	a.bc.Set(kobject.Writable)
	b.bc.Set(kobject.Writable)
	return a, b
}

// BindTable associates the endpoint with the handle table handles
// transferred to it (via the peer's Send) should be inserted into. A
// process calls this once, when it installs the endpoint in its own handle
// table.
func (e *Endpoint) BindTable(t *khandle.Table) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.table = t
}

// Kind implements kobject.Handleable.
func (e *Endpoint) Kind() kobject.Kind { return kobject.KindChannel }

// AddListener implements kobject.Handleable, firing an immediate wakeup if
// the endpoint already satisfies interest (spec Section 4.3: "After
// installation, if the object already satisfies interest, fire an
// immediate wakeup so the add is edge-safe").
func (e *Endpoint) AddListener(l kobject.Listener, interest kobject.Readiness) error {
	if already := e.bc.Add(l, interest); already != 0 {
		l.Wake(already)
	}
	return nil
}

// RemoveListener implements kobject.Handleable.
func (e *Endpoint) RemoveListener(l kobject.Listener) error {
	e.bc.Remove(l)
	return nil
}

// Readiness implements kobject.Handleable.
func (e *Endpoint) Readiness() (kobject.Readiness, error) {
	return e.bc.Current(), nil
}

// HandleTransfer describes one handle being sent across a channel: its
// source id in the sender's table and the underlying object + rights,
// looked up by the caller (syscall dispatcher) before calling Send so the
// channel package itself never needs direct access to process internals
// beyond the two tables it is handed.
type HandleTransfer struct {
	SourceId khandle.Id
	Object   kobject.Handleable
	Rights   khandle.Rights
}

// Send implements spec Section 4.2's send(): validates bounds, fails
// NoPeer/Full as appropriate, then atomically detaches the listed handles
// from senderTable and allocates fresh ids for them in the peer's bound
// table before enqueuing the record and waking the peer's listeners.
func (e *Endpoint) Send(senderTable *khandle.Table, kind uint32, data []byte, transfers []HandleTransfer) error {
	if len(data) > kmessage.MaxDataLen {
		return fmt.Errorf("kchannel: data length %d exceeds %d: %w", len(data), kmessage.MaxDataLen, kerr.TooLarge)
	}
	if len(transfers) > kmessage.MaxHandles {
		return fmt.Errorf("kchannel: %d handles exceeds %d: %w", len(transfers), kmessage.MaxHandles, kerr.TooLarge)
	}

	e.mu.Lock()
	peer := e.peer
	e.mu.Unlock()
	if peer == nil {
		return fmt.Errorf("kchannel: send on detached endpoint: %w", kerr.NoPeer)
	}

	peer.mu.Lock()
	if peer.closed {
		peer.mu.Unlock()
		return fmt.Errorf("kchannel: peer closed: %w", kerr.NoPeer)
	}
	if len(peer.queue) >= peer.capacity {
		peer.mu.Unlock()
		return fmt.Errorf("kchannel: peer queue full at %d: %w", peer.capacity, kerr.Full)
	}
	peerTable := peer.table
	peer.mu.Unlock()

	newIds := make([]khandle.Id, 0, len(transfers))
	for _, t := range transfers {
		if senderTable != nil {
			if _, err := senderTable.Remove(t.SourceId); err != nil {
				return fmt.Errorf("kchannel: detaching handle %d from sender: %w", t.SourceId, err)
			}
		}
		if peerTable == nil {
			// Peer endpoint isn't bound to a process table yet (e.g. still
			// held only by the kernel during CreatePair bookkeeping); drop
			// the handle rather than leak it.
			continue
		}
		id, err := peerTable.Insert(t.Object, t.Rights)
		if err != nil {
			return fmt.Errorf("kchannel: inserting transferred handle into peer table: %w", err)
		}
		newIds = append(newIds, id)
	}

	dataCopy := append([]byte(nil), data...)

	peer.mu.Lock()
	if peer.closed {
		peer.mu.Unlock()
		return fmt.Errorf("kchannel: peer closed during transfer: %w", kerr.NoPeer)
	}
	peer.queue = append(peer.queue, record{kind: kind, data: dataCopy, handles: newIds})
	full := len(peer.queue) >= peer.capacity
	peer.mu.Unlock()

	peer.bc.Set(kobject.Readable)
	if full {
		// Peer's queue just reached capacity: this endpoint can't send
		// again until the peer drains it.
		e.bc.Clear(kobject.Writable)
	}
	return nil
}

// Recv implements spec Section 4.2's recv(): dequeues the front record,
// copies its data into buffer, and returns the decoded MessageInfo plus
// the already-inserted handle ids. Returns Empty if the queue is empty and
// the peer is alive, or NoPeer if the queue is empty and the peer has
// closed.
func (e *Endpoint) Recv(buffer []byte) (kmessage.Info, []khandle.Id, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.queue) == 0 {
		if e.peerAliveLocked() {
			return kmessage.Info{}, nil, 0, fmt.Errorf("kchannel: queue empty: %w", kerr.Empty)
		}
		return kmessage.Info{}, nil, 0, fmt.Errorf("kchannel: queue empty and peer closed: %w", kerr.NoPeer)
	}

	rec := e.queue[0]
	e.queue = e.queue[1:]

	n := copy(buffer, rec.data)

	wasFull := len(e.queue)+1 >= e.capacity
	if len(e.queue) == 0 {
		e.bc.Clear(kobject.Readable)
	}
	peer := e.peer
	if wasFull && peer != nil {
		// This queue just drained from full: the peer, who sends into it,
		// regains WRITABLE.
		peer.bc.Set(kobject.Writable)
	}

	return kmessage.Info{Kind: rec.kind, DataLen: uint32(len(rec.data)), NumHandles: uint32(len(rec.handles))}, rec.handles, n, nil
}

// peerAliveLocked reports whether the peer endpoint has not closed. Caller
// must hold e.mu; this only reads e.peer, which is immutable after
// CreatePair, so no additional lock is required to dereference it, but we
// take the peer's own lock to read its closed flag safely.
func (e *Endpoint) peerAliveLocked() bool {
	if e.peer == nil {
		return false
	}
	e.peer.mu.Lock()
	defer e.peer.mu.Unlock()
	return !e.peer.closed
}

// Close implements spec Section 4.2/4.3: marks this endpoint CLOSED,
// detaches its listeners, and atomically marks the peer's state CLOSED too
// (spec Section 3: "closing one side atomically marks the other's state as
// CLOSED without freeing it until its last handle is dropped").
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	peer := e.peer
	e.mu.Unlock()

	e.bc.CloseAll()

	if peer != nil {
		peer.bc.CloseAll()
	}
	return nil
}

// Len reports the number of queued-but-unread messages, for tests.
func (e *Endpoint) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}
