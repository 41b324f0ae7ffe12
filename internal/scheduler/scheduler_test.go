package scheduler

import (
	"sync"
	"testing"
	"time"

	"example.com/rvkernel/internal/kerr"
)

func TestSpawnRunsFunctionAndExits(t *testing.T) {
	s := New(2)
	defer s.Stop()

	done := make(chan struct{})
	var th *Thread
	th = s.Spawn("worker", nil, nil, func(self *Thread) {
		if self != th {
			t.Error("fn should receive the Thread Spawn created")
		}
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("spawned thread never ran")
	}

	deadline := time.Now().Add(time.Second)
	for th.State() != Exited {
		if time.Now().After(deadline) {
			t.Fatalf("thread did not reach Exited, stuck at %v", th.State())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestYieldReturnsThreadToRunqueue(t *testing.T) {
	s := New(1)
	defer s.Stop()

	var mu sync.Mutex
	order := []string{}
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	doneA := make(chan struct{})
	doneB := make(chan struct{})
	s.Spawn("a", nil, nil, func(self *Thread) {
		record("a1")
		self.Yield()
		record("a2")
		close(doneA)
	})
	s.Spawn("b", nil, nil, func(self *Thread) {
		record("b1")
		close(doneB)
	})

	<-doneA
	<-doneB

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("expected 3 recorded steps, got %v", order)
	}
}

func TestBlockAndWake(t *testing.T) {
	s := New(1)
	defer s.Stop()

	var th *Thread
	woken := make(chan struct{})
	th = s.Spawn("blocker", nil, nil, func(self *Thread) {
		self.Block()
		close(woken)
	})

	deadline := time.Now().Add(time.Second)
	for th.State() != Blocked {
		if time.Now().After(deadline) {
			t.Fatal("thread never reached Blocked")
		}
		time.Sleep(time.Millisecond)
	}

	th.Wake()
	select {
	case <-woken:
	case <-time.After(time.Second):
		t.Fatal("Wake did not resume the blocked thread")
	}
}

func TestVmSpaceOrErr(t *testing.T) {
	th := &Thread{VmSpace: "not-a-vmspace"}
	if _, err := VmSpaceOrErr[int](th); !kerr.IsCode(err, kerr.InvalidState) {
		t.Fatalf("expected InvalidState for wrong type, got %v", err)
	}

	th2 := &Thread{VmSpace: 42}
	v, err := VmSpaceOrErr[int](th2)
	if err != nil || v != 42 {
		t.Fatalf("expected (42, nil), got (%v, %v)", v, err)
	}
}
