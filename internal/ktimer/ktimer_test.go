package ktimer

import (
	"testing"
	"time"

	"example.com/rvkernel/internal/kerr"
	"example.com/rvkernel/internal/kobject"
)

func TestNowAdvances(t *testing.T) {
	a := Now()
	time.Sleep(time.Millisecond)
	b := Now()
	if !b.After(a) {
		t.Fatal("expected Now() to advance")
	}
}

func TestSetFiresReadableAtDeadline(t *testing.T) {
	tm := New()
	if err := tm.Set(time.Now().Add(10 * time.Millisecond)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		ready, err := tm.Readiness()
		if err != nil {
			t.Fatalf("Readiness: %v", err)
		}
		if ready.Has(kobject.Readable) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timer never became READABLE")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSetReplacesExistingDeadline(t *testing.T) {
	tm := New()
	if err := tm.Set(time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Set 1: %v", err)
	}
	later := time.Now().Add(2 * time.Hour)
	if err := tm.Set(later); err != nil {
		t.Fatalf("Set 2: %v", err)
	}
	got, armed := tm.Deadline()
	if !armed || !got.Equal(later) {
		t.Fatalf("expected deadline replaced to %v, got %v armed=%v", later, got, armed)
	}
}

func TestSetOnClosedTimerFails(t *testing.T) {
	tm := New()
	if err := tm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tm.Set(time.Now().Add(time.Second)); !kerr.IsCode(err, kerr.Closed) {
		t.Fatalf("expected Closed, got %v", err)
	}
}

func TestCloseStopsPendingTimer(t *testing.T) {
	tm := New()
	if err := tm.Set(time.Now().Add(50 * time.Millisecond)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := tm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	ready, err := tm.Readiness()
	if err != nil {
		t.Fatalf("Readiness: %v", err)
	}
	if ready.Has(kobject.Readable) {
		t.Fatal("expected a closed timer to never fire READABLE")
	}
	if !ready.Has(kobject.Closed) {
		t.Fatal("expected CLOSED readiness")
	}
}
