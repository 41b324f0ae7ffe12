// Package kref implements the intrusive shared-reference primitive kernel
// objects use to stay alive exactly as long as some handle or kernel-internal
// pointer names them (spec Section 3's handle-table invariant). It mirrors
// the refcounted-resource-with-explicit-Close shape the teacher uses for
// VirtualMachine/VCPU ownership, generalized into a reusable wrapper instead
// of being hand-rolled per object.
package kref

import "sync/atomic"

// Ref is a shared reference to a value of type T with an on-zero callback.
// The zero Ref is not usable; construct with New.
type Ref[T any] struct {
	value    T
	count    *atomic.Int64
	onZero   func(T)
}

// New wraps value in a Ref with an initial count of 1 and registers onZero
// to run exactly once, when the last clone is dropped.
func New[T any](value T, onZero func(T)) Ref[T] {
	count := &atomic.Int64{}
	count.Store(1)
	return Ref[T]{value: value, count: count, onZero: onZero}
}

// Get returns the underlying value. Valid as long as the caller holds a
// live clone.
func (r Ref[T]) Get() T {
	return r.value
}

// Clone increments the refcount and returns a new handle to the same value.
func (r Ref[T]) Clone() Ref[T] {
	r.count.Add(1)
	return r
}

// Drop decrements the refcount, invoking onZero exactly once when it reaches
// zero. Calling Drop more times than the object was cloned is a programming
// error: the count goes negative and onZero does not run again.
func (r Ref[T]) Drop() {
	if r.count.Add(-1) == 0 {
		if r.onZero != nil {
			r.onZero(r.value)
		}
	}
}

// Count returns the current number of live clones, for tests and debugging.
func (r Ref[T]) Count() int64 {
	return r.count.Load()
}

// Static wraps a value that is created once at boot and never torn down
// (spec Section 9's "process-wide state with init-once/never-teardown
// semantics"). It has no Drop method. No package in this module uses it;
// the scheduler and PLIC singletons are plain pointers.
type Static[T any] struct {
	value T
}

// NewStatic wraps value as a never-freed singleton.
func NewStatic[T any](value T) Static[T] {
	return Static[T]{value: value}
}

// Get returns the underlying singleton value.
func (s Static[T]) Get() T {
	return s.value
}
