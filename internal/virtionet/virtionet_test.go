package virtionet

import (
	"errors"
	"testing"
	"time"

	"example.com/rvkernel/internal/virtiommio"
)

type fakeMemory struct {
	buf map[uint64][]byte
}

func (m *fakeMemory) ReadU16(gpa uint64) (uint16, error) { return 0, nil }
func (m *fakeMemory) ReadAt(gpa uint64, dst []byte) error {
	copy(dst, m.buf[gpa])
	return nil
}
func (m *fakeMemory) WriteAt(gpa uint64, src []byte) error {
	m.buf[gpa] = append([]byte(nil), src...)
	return nil
}

type fakeHost struct {
	written  [][]byte
	toRead   chan []byte
	closed   bool
}

func (h *fakeHost) ReadPacket() ([]byte, error) {
	select {
	case p, ok := <-h.toRead:
		if !ok {
			return nil, errors.New("closed")
		}
		return p, nil
	case <-time.After(time.Second):
		return nil, nil
	}
}
func (h *fakeHost) WritePacket(p []byte) error {
	h.written = append(h.written, append([]byte(nil), p...))
	return nil
}
func (h *fakeHost) Close() error {
	h.closed = true
	return nil
}

func TestOnNotifyConcatenatesReaderDescriptorsIntoOneFrame(t *testing.T) {
	mem := &fakeMemory{buf: map[uint64][]byte{0x100: []byte("hel"), 0x200: []byte("lo")}}
	host := &fakeHost{toRead: make(chan []byte)}
	d := New(mem, host, false)
	// Configure the TX queue's size so PublishUsed's modulo arithmetic has
	// a nonzero divisor, matching what a real driver does before notifying.
	if err := d.mmio.WriteReg(virtiommio.RegQueueSel, 1); err != nil {
		t.Fatalf("WriteReg sel: %v", err)
	}
	if err := d.mmio.WriteReg(virtiommio.RegQueueNum, 4); err != nil {
		t.Fatalf("WriteReg num: %v", err)
	}

	chain := virtiommio.Chain{Reader: []virtiommio.Descriptor{
		{Addr: 0x100, Length: 3},
		{Addr: 0x200, Length: 2},
	}}
	d.onNotify(1, chain, 0)

	if len(host.written) != 1 || string(host.written[0]) != "hello" {
		t.Fatalf("expected one frame %q, got %v", "hello", host.written)
	}
}

func TestOnNotifyIgnoresNonTXQueue(t *testing.T) {
	mem := &fakeMemory{buf: map[uint64][]byte{}}
	host := &fakeHost{toRead: make(chan []byte)}
	d := New(mem, host, false)

	d.onNotify(0, virtiommio.Chain{Reader: []virtiommio.Descriptor{{Addr: 0x100, Length: 1}}}, 0)
	if len(host.written) != 0 {
		t.Fatal("expected queue 0 (RX) notifications to be ignored by onNotify")
	}
}

func TestPumpRXDeliversPacketsUntilStop(t *testing.T) {
	mem := &fakeMemory{buf: map[uint64][]byte{}}
	host := &fakeHost{toRead: make(chan []byte, 1)}
	d := New(mem, host, false)

	delivered := make(chan []byte, 1)
	go func() {
		_ = d.PumpRX(func(p []byte) error {
			delivered <- p
			d.Stop()
			return nil
		})
	}()

	host.toRead <- []byte("packet")
	select {
	case p := <-delivered:
		if string(p) != "packet" {
			t.Fatalf("expected packet, got %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("PumpRX never delivered the packet")
	}
}

func TestCloseStopsPumpAndClosesHost(t *testing.T) {
	mem := &fakeMemory{buf: map[uint64][]byte{}}
	host := &fakeHost{toRead: make(chan []byte)}
	d := New(mem, host, false)
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !host.closed {
		t.Fatal("expected host to be closed")
	}
	select {
	case <-d.stop:
	default:
		t.Fatal("expected stop channel to be closed")
	}
}
