// Package interrupt implements spec Section 3/4.7's Interrupt object: a
// Handleable wrapping one PLIC IRQ line, exposing readiness READABLE
// whenever the controller reports the line pending.
package interrupt

import (
	"example.com/rvkernel/internal/kobject"
	"example.com/rvkernel/internal/plic"
)

// Interrupt is bound to exactly one IRQ for its lifetime.
type Interrupt struct {
	bc     kobject.Broadcaster
	ctrl   *plic.PLIC
	irq    uint32
	active bool
}

// Attach acquires irq from ctrl and returns a bound Interrupt object, per
// spec Section 4.7.
func Attach(ctrl *plic.PLIC, irq uint32) (*Interrupt, error) {
	i := &Interrupt{ctrl: ctrl, irq: irq}
	if err := ctrl.Attach(irq, i); err != nil {
		return nil, err
	}
	return i, nil
}

func (i *Interrupt) Kind() kobject.Kind { return kobject.KindInterrupt }

// IRQPending implements plic.Listener: called by the PLIC when this
// Interrupt's line transitions to pending.
func (i *Interrupt) IRQPending(irq uint32) {
	i.active = true
	i.bc.Set(kobject.Readable)
}

// Trigger is called from the simulated interrupt path; equivalent to
// ctrl.Trigger(i.irq) but exposed directly for callers that already hold
// the Interrupt object rather than the raw irq number.
func (i *Interrupt) Trigger() error {
	return i.ctrl.Trigger(i.irq)
}

// Acknowledge implements spec Section 4.7's acknowledge(): clears active
// and tells the PLIC to mark the line handled; readiness is recomputed.
func (i *Interrupt) Acknowledge() {
	i.ctrl.Complete(i.irq)
	i.active = false
	i.bc.Clear(kobject.Readable)
}

func (i *Interrupt) AddListener(l kobject.Listener, interest kobject.Readiness) error {
	if already := i.bc.Add(l, interest); already != 0 {
		l.Wake(already)
	}
	return nil
}

func (i *Interrupt) RemoveListener(l kobject.Listener) error {
	i.bc.Remove(l)
	return nil
}

func (i *Interrupt) Readiness() (kobject.Readiness, error) {
	return i.bc.Current(), nil
}

// Close implements spec Section 4.7's close(): notifies CLOSED and
// disables the IRQ at the controller.
func (i *Interrupt) Close() error {
	i.ctrl.Disable(i.irq)
	i.ctrl.Detach(i.irq)
	i.bc.CloseAll()
	return nil
}
