package kpoll

import (
	"testing"

	"example.com/rvkernel/internal/kchannel"
	"example.com/rvkernel/internal/kerr"
	"example.com/rvkernel/internal/khandle"
	"example.com/rvkernel/internal/kobject"
)

// S4: Poll readiness. p.add(chan_rx, handle=7, READABLE); a sender writes
// a message; p.wait returns (7, READABLE); recv drains; p.try_wait
// returns Empty.
func TestPollReadinessScenario(t *testing.T) {
	rx, tx := kchannel.CreatePair(0)
	rx.BindTable(khandle.NewTable())
	tx.BindTable(khandle.NewTable())

	p := New()
	const chanHandle khandle.Id = 7
	if err := p.Add(chanHandle, rx, kobject.Readable); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := tx.Send(nil, 1, []byte("hello"), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ev, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if ev.Handle != chanHandle || !ev.Readiness.Has(kobject.Readable) {
		t.Fatalf("expected (7, READABLE), got %+v", ev)
	}

	if _, _, _, err := rx.Recv(make([]byte, 8)); err != nil {
		t.Fatalf("Recv: %v", err)
	}

	if _, err := p.TryWait(); !kerr.IsCode(err, kerr.Empty) {
		t.Fatalf("expected Empty after drain, got %v", err)
	}
}

// R4: add(h, s, i) then wait() returns s immediately iff the object
// already satisfies i.
func TestAddFiresImmediateWakeupWhenAlreadySatisfied(t *testing.T) {
	rx, tx := kchannel.CreatePair(0)
	rx.BindTable(khandle.NewTable())
	tx.BindTable(khandle.NewTable())

	if err := tx.Send(nil, 1, []byte("x"), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	p := New()
	if err := p.Add(3, rx, kobject.Readable); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ev, err := p.TryWait()
	if err != nil {
		t.Fatalf("expected an immediate event from Add, got error %v", err)
	}
	if ev.Handle != 3 || !ev.Readiness.Has(kobject.Readable) {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestAddRejectsDuplicateHandle(t *testing.T) {
	rx, _ := kchannel.CreatePair(0)
	p := New()
	if err := p.Add(1, rx, kobject.Readable); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.Add(1, rx, kobject.Readable); !kerr.IsCode(err, kerr.AlreadyExists) {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}
}

func TestClosedPeerWakesPollWithClosed(t *testing.T) {
	a, b := kchannel.CreatePair(0)
	p := New()
	if err := p.Add(1, b, kobject.Closed); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ev, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !ev.Readiness.Has(kobject.Closed) {
		t.Fatalf("expected CLOSED event, got %+v", ev)
	}
}
