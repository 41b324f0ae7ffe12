package kobject

import "sync"

// Broadcaster is the reusable listener-set implementation every readiness-
// bearing object kind embeds: it tracks the current Readiness bits and the
// list of (Listener, interest) pairs installed by Poll.Add, and fans out
// wakeups when readiness changes. This is the concrete machinery behind
// spec Section 9's "listener-sets by weak back-reference to the Poll plus
// strong ownership of app-state inside the Poll" — the object only ever
// holds the Listener interface value the Poll handed it, never the Poll
// itself.
type Broadcaster struct {
	mu        sync.Mutex
	readiness Readiness
	listeners []listenerEntry
}

type listenerEntry struct {
	l        Listener
	interest Readiness
}

// Add installs l with the given interest mask and returns the readiness
// bits, if any, that already satisfy interest so the caller (each object's
// AddListener, on Poll.Add's behalf) can fire the "edge-safe" immediate
// wakeup spec Section 4.3 requires.
func (b *Broadcaster) Add(l Listener, interest Readiness) (already Readiness) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, listenerEntry{l: l, interest: interest})
	return b.readiness & interest
}

// Remove detaches l. It is a no-op if l was never installed (e.g. it was
// already detached by a prior Close/CLOSED broadcast).
func (b *Broadcaster) Remove(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.listeners {
		if e.l == l {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Set updates the readiness bitset to newBits and wakes every listener
// whose interest intersects the bits that are newly set relative to the
// previous state. CLOSED, once set, is never cleared.
func (b *Broadcaster) Set(newBits Readiness) {
	b.mu.Lock()
	added := newBits &^ b.readiness
	b.readiness |= newBits
	listeners := append([]listenerEntry(nil), b.listeners...)
	b.mu.Unlock()

	if added == 0 {
		return
	}
	for _, e := range listeners {
		if woken := e.interest & added; woken != 0 {
			e.l.Wake(woken)
		}
	}
}

// Clear unsets the given bits (used for edge-triggered READABLE/WRITABLE
// transitions, e.g. a channel queue draining to empty).
func (b *Broadcaster) Clear(bits Readiness) {
	b.mu.Lock()
	b.readiness &^= bits
	b.mu.Unlock()
}

// CloseAll marks CLOSED, wakes every listener exactly once, and detaches
// them all (spec Section 4.3's cancellation: "wakes all listeners once,
// and detaches").
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	b.readiness |= Closed
	listeners := b.listeners
	b.listeners = nil
	b.mu.Unlock()

	for _, e := range listeners {
		if e.interest&Closed != 0 {
			e.l.Wake(Closed)
		}
	}
}

// Current returns the readiness bits observed so far.
func (b *Broadcaster) Current() Readiness {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readiness
}
