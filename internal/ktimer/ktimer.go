// Package ktimer implements spec Section 3/4's Timer object backing the
// TIMER_CREATE/TIMER_SET/TIMER_NOW syscalls, adapted from the teacher's
// PITDevice (interval tracking) and RTCDevice (wall-clock reads) folded
// into a single object: a Timer either reports the current wall-clock time
// (Now) or, once armed, fires a one-shot readiness transition at a
// deadline (the PIT's IRQ0 role, rendered as Readable rather than an
// injected interrupt since in-kernel apps observe timers through Poll).
package ktimer

import (
	"fmt"
	"sync"
	"time"

	"example.com/rvkernel/internal/kerr"
	"example.com/rvkernel/internal/kobject"
)

// Timer is a Handleable wrapping one deadline.
type Timer struct {
	bc kobject.Broadcaster

	mu       sync.Mutex
	deadline time.Time
	armed    bool
	timer    *time.Timer
	closed   bool
}

// New creates an unarmed Timer.
func New() *Timer {
	return &Timer{}
}

func (t *Timer) Kind() kobject.Kind { return kobject.KindTimer }

// Now returns the current wall-clock time, the TIMER_NOW syscall's payload
// (the RTCDevice's role, without the CMOS register encoding since no guest
// reads this directly).
func Now() time.Time {
	return time.Now()
}

// Set arms the timer to become Readable at deadline (TIMER_SET). Setting
// an already-armed timer replaces its deadline.
func (t *Timer) Set(deadline time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("ktimer: timer closed: %w", kerr.Closed)
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.deadline = deadline
	t.armed = true

	d := time.Until(deadline)
	t.timer = time.AfterFunc(d, func() {
		t.bc.Set(kobject.Readable)
	})
	return nil
}

// Deadline reports the armed deadline, if any.
func (t *Timer) Deadline() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline, t.armed
}

func (t *Timer) AddListener(l kobject.Listener, interest kobject.Readiness) error {
	if already := t.bc.Add(l, interest); already != 0 {
		l.Wake(already)
	}
	return nil
}

func (t *Timer) RemoveListener(l kobject.Listener) error {
	t.bc.Remove(l)
	return nil
}

func (t *Timer) Readiness() (kobject.Readiness, error) {
	return t.bc.Current(), nil
}

func (t *Timer) Close() error {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.closed = true
	t.mu.Unlock()
	t.bc.CloseAll()
	return nil
}
