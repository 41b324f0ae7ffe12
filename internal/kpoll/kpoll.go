// Package kpoll implements spec Section 4.3's Poll object: a single
// readiness aggregator a thread blocks on, fed by listeners installed on
// arbitrary Handleable objects. The edge/level discipline (CLOSED sticky,
// READABLE/WRITABLE edge-triggered per Wait call) is split between the
// kobject.Broadcaster each watched object embeds, which wakes listeners
// only with newly set bits, and Poll, which turns those wakeups into a
// queue of (handle, bits) events a waiter drains.
package kpoll

import (
	"fmt"
	"sync"

	"example.com/rvkernel/internal/kerr"
	"example.com/rvkernel/internal/khandle"
	"example.com/rvkernel/internal/kobject"
)

// Event is one readiness notification queued for a waiter.
type Event struct {
	Handle    khandle.Id
	Readiness kobject.Readiness
}

type watch struct {
	handle  khandle.Id
	object  kobject.Handleable
	interest kobject.Readiness
}

// Poll is a Handleable itself (spec Section 3: Poll is one of the 12
// object kinds) though it exposes no readiness of its own — NoReadiness is
// embedded for that surface.
type Poll struct {
	kobject.NoReadiness

	mu      sync.Mutex
	cond    *sync.Cond
	watches map[khandle.Id]*watch
	pending []Event
	closed  bool
}

// New creates an empty Poll with no watches.
func New() *Poll {
	p := &Poll{watches: make(map[khandle.Id]*watch)}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Poll) Kind() kobject.Kind { return kobject.KindPoll }

// Add registers interest in object under handle, with the given interest
// mask. If object already satisfies part of interest, an event for those
// bits is queued immediately (spec Section 4.3: add is edge-safe).
func (p *Poll) Add(handle khandle.Id, object kobject.Handleable, interest kobject.Readiness) error {
	p.mu.Lock()
	if _, exists := p.watches[handle]; exists {
		p.mu.Unlock()
		return fmt.Errorf("kpoll: handle %d already registered: %w", handle, kerr.AlreadyExists)
	}
	w := &watch{handle: handle, object: object, interest: interest}
	p.watches[handle] = w
	p.mu.Unlock()

	return object.AddListener(p.listenerFor(w), interest)
}

// Remove unregisters handle. Returns kerr.InvalidHandle if it was never
// added (or was already removed, e.g. by a CLOSED event's auto-detach).
func (p *Poll) Remove(handle khandle.Id) error {
	p.mu.Lock()
	w, ok := p.watches[handle]
	if ok {
		delete(p.watches, handle)
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("kpoll: handle %d not registered: %w", handle, kerr.InvalidHandle)
	}
	return w.object.RemoveListener(p.listenerFor(w))
}

// listenerFor returns a Listener value that, when woken, enqueues an Event
// for w.handle. A distinct type per watch (rather than reusing Poll itself
// as the Listener) lets RemoveListener address the exact registration even
// if the same Poll watches the same object under two different handles.
func (p *Poll) listenerFor(w *watch) kobject.Listener {
	return pollListener{p: p, w: w}
}

type pollListener struct {
	p *Poll
	w *watch
}

func (pl pollListener) Wake(newReadiness kobject.Readiness) {
	pl.p.mu.Lock()
	if pl.p.closed {
		pl.p.mu.Unlock()
		return
	}
	pl.p.pending = append(pl.p.pending, Event{Handle: pl.w.handle, Readiness: newReadiness})
	if newReadiness.Has(kobject.Closed) {
		delete(pl.p.watches, pl.w.handle)
	}
	pl.p.mu.Unlock()
	pl.p.cond.Broadcast()
}

// TryWait returns the next queued event without blocking, or kerr.Empty if
// none is pending.
func (p *Poll) TryWait() (Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return Event{}, fmt.Errorf("kpoll: no events pending: %w", kerr.Empty)
	}
	ev := p.pending[0]
	p.pending = p.pending[1:]
	return ev, nil
}

// Wait blocks until at least one event is pending, then returns it. Wait
// returns kerr.Closed if the Poll itself has been closed out from under
// the waiter.
func (p *Poll) Wait() (Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.pending) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.pending) == 0 && p.closed {
		return Event{}, fmt.Errorf("kpoll: poll closed: %w", kerr.Closed)
	}
	ev := p.pending[0]
	p.pending = p.pending[1:]
	return ev, nil
}

// Close detaches every remaining watch and unblocks any waiter.
func (p *Poll) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	watches := p.watches
	p.watches = nil
	p.mu.Unlock()

	for _, w := range watches {
		_ = w.object.RemoveListener(p.listenerFor(w))
	}
	p.cond.Broadcast()
	return nil
}
