package iobus

import (
	"testing"

	"example.com/rvkernel/internal/kerr"
	"example.com/rvkernel/internal/virtiommio"
)

func TestDispatchRoutesToRegisteredWindow(t *testing.T) {
	b := New()
	dev := virtiommio.NewDevice(virtiommio.DeviceIDNet, 0, 1, nil, nil)
	b.Register("net0", 0x1000_0000, virtiommio.WindowSize, dev)

	value, err := b.Dispatch(0x1000_0000+virtiommio.RegMagicValue, false, 0)
	if err != nil {
		t.Fatalf("Dispatch read: %v", err)
	}
	if value != virtiommio.MagicValue {
		t.Fatalf("expected magic value, got %#x", value)
	}
}

func TestDispatchWriteReachesDevice(t *testing.T) {
	b := New()
	dev := virtiommio.NewDevice(virtiommio.DeviceIDNet, 0, 1, nil, nil)
	b.Register("net0", 0x2000_0000, virtiommio.WindowSize, dev)

	if _, err := b.Dispatch(0x2000_0000+virtiommio.RegDeviceFeatureSel, true, 1); err != nil {
		t.Fatalf("Dispatch write: %v", err)
	}
	got, err := dev.ReadReg(virtiommio.RegDeviceFeatureSel)
	// RegDeviceFeatureSel is write-only (returns 0 on read per device's
	// default case), so this only confirms that the write and a read of the
	// same register both complete without error.
	_ = got
	if err != nil {
		t.Fatalf("ReadReg: %v", err)
	}
}

func TestDispatchMatchesCorrectWindowAmongMultiple(t *testing.T) {
	b := New()
	devA := virtiommio.NewDevice(virtiommio.DeviceIDNet, 0, 1, nil, nil)
	devB := virtiommio.NewDevice(virtiommio.DeviceIDBlock, 0, 1, nil, nil)
	b.Register("net0", 0x1000, virtiommio.WindowSize, devA)
	b.Register("blk0", 0x1000+virtiommio.WindowSize, virtiommio.WindowSize, devB)

	v, err := b.Dispatch(0x1000+virtiommio.WindowSize+virtiommio.RegDeviceID, false, 0)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if v != virtiommio.DeviceIDBlock {
		t.Fatalf("expected to hit blk0's device id, got %d", v)
	}
}

func TestDispatchOutsideAnyWindowFails(t *testing.T) {
	b := New()
	dev := virtiommio.NewDevice(virtiommio.DeviceIDNet, 0, 1, nil, nil)
	b.Register("net0", 0x1000_0000, virtiommio.WindowSize, dev)

	if _, err := b.Dispatch(0x9000_0000, false, 0); !kerr.IsCode(err, kerr.NotADevice) {
		t.Fatalf("expected NotADevice, got %v", err)
	}
}

func TestKindAndClose(t *testing.T) {
	b := New()
	if b.Kind().String() == "" {
		t.Fatal("expected a non-empty kind string")
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
