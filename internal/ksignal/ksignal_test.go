package ksignal

import (
	"testing"

	"example.com/rvkernel/internal/kobject"
)

type waiter struct{ got kobject.Readiness }

func (w *waiter) Wake(r kobject.Readiness) { w.got |= r }

func TestUnraisedSignalIsNotReady(t *testing.T) {
	s := New()
	if s.Raised() {
		t.Fatal("expected unraised signal")
	}
	r, err := s.Readiness()
	if err != nil || r.Has(kobject.Readable) {
		t.Fatalf("expected not readable, got %v err %v", r, err)
	}
}

func TestRaiseSetsReadableAndWakesListener(t *testing.T) {
	s := New()
	w := &waiter{}
	if err := s.AddListener(w, kobject.Readable); err != nil {
		t.Fatalf("AddListener: %v", err)
	}
	s.Raise()
	if !s.Raised() {
		t.Fatal("expected raised")
	}
	if !w.got.Has(kobject.Readable) {
		t.Fatal("expected listener woken with Readable")
	}
}

func TestAddListenerAfterRaiseFiresImmediately(t *testing.T) {
	s := New()
	s.Raise()
	w := &waiter{}
	if err := s.AddListener(w, kobject.Readable); err != nil {
		t.Fatalf("AddListener: %v", err)
	}
	if !w.got.Has(kobject.Readable) {
		t.Fatal("expected immediate wake for already-raised signal")
	}
}

func TestRaiseTwiceIsNoopSecondTime(t *testing.T) {
	s := New()
	w := &waiter{}
	s.AddListener(w, kobject.Readable)
	s.Raise()
	w.got = 0
	s.Raise()
	if w.got != 0 {
		t.Fatal("expected no second wake from an already-set bit")
	}
}

func TestCloseMarksClosedAndWakesListener(t *testing.T) {
	s := New()
	w := &waiter{}
	s.AddListener(w, kobject.Closed)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !w.got.Has(kobject.Closed) {
		t.Fatal("expected listener woken with Closed")
	}
}

func TestRemoveListenerDetaches(t *testing.T) {
	s := New()
	w := &waiter{}
	s.AddListener(w, kobject.Readable)
	if err := s.RemoveListener(w); err != nil {
		t.Fatalf("RemoveListener: %v", err)
	}
	s.Raise()
	if w.got.Has(kobject.Readable) {
		t.Fatal("expected removed listener not to be woken")
	}
}

func TestKind(t *testing.T) {
	s := New()
	if s.Kind() != kobject.KindSignal {
		t.Fatalf("expected KindSignal, got %v", s.Kind())
	}
}
