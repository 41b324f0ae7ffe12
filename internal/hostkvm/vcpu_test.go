package hostkvm

import (
	"encoding/binary"
	"testing"
)

func TestCoreRegIDEncodesRiscvSizeAndOffset(t *testing.T) {
	id := coreRegID(regOffsetA0)
	if id&kvmRegRiscv != kvmRegRiscv {
		t.Fatalf("expected KVM_REG_RISCV|SIZE_U64 bits set, got %#x", id)
	}
	if id&0xffff != regOffsetA0 {
		t.Fatalf("expected offset %d in low bits, got %#x", regOffsetA0, id)
	}
}

func TestCoreRegIDDiffersAcrossOffsets(t *testing.T) {
	if coreRegID(regOffsetA0) == coreRegID(regOffsetA1) {
		t.Fatal("expected distinct ids for distinct register offsets")
	}
	if coreRegID(regOffsetA1) == coreRegID(regOffsetPC) {
		t.Fatal("expected distinct ids for distinct register offsets")
	}
}

func newFakeVCpu() *VCpu {
	return &VCpu{runPage: make([]byte, 256), stopChan: make(chan struct{})}
}

func TestExitReasonReadsRunPageHeader(t *testing.T) {
	v := newFakeVCpu()
	binary.LittleEndian.PutUint32(v.runPage[8:12], KVM_EXIT_MMIO)
	if v.exitReason() != KVM_EXIT_MMIO {
		t.Fatalf("expected exit reason %d, got %d", KVM_EXIT_MMIO, v.exitReason())
	}
}

func TestMMIOExitDecodesUnionMember(t *testing.T) {
	v := newFakeVCpu()
	const off = 32
	binary.LittleEndian.PutUint64(v.runPage[off:off+8], 0x1000)
	copy(v.runPage[off+8:off+16], []byte{1, 2, 3, 4, 0, 0, 0, 0})
	binary.LittleEndian.PutUint32(v.runPage[off+16:off+20], 4)
	v.runPage[off+20] = 1

	m := v.MMIOExit()
	if m.PhysAddr != 0x1000 {
		t.Fatalf("expected PhysAddr 0x1000, got %#x", m.PhysAddr)
	}
	if m.Len != 4 {
		t.Fatalf("expected Len 4, got %d", m.Len)
	}
	if m.IsWrite != 1 {
		t.Fatal("expected IsWrite 1")
	}
	if m.Data[0] != 1 || m.Data[3] != 4 {
		t.Fatalf("unexpected data bytes: %v", m.Data)
	}
}

func TestWriteMMIODataStoresAtDataOffset(t *testing.T) {
	v := newFakeVCpu()
	v.WriteMMIOData([]byte{9, 9, 9, 9, 9, 9, 9, 9})
	const dataOff = 40
	for i := 0; i < 8; i++ {
		if v.runPage[dataOff+i] != 9 {
			t.Fatalf("expected byte %d to be 9, got %d", i, v.runPage[dataOff+i])
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	v := newFakeVCpu()
	v.Stop()
	v.Stop()
	select {
	case <-v.stopChan:
	default:
		t.Fatal("expected stopChan closed after Stop")
	}
}

func TestRunReturnsImmediatelyAfterStop(t *testing.T) {
	v := newFakeVCpu()
	v.Stop()
	err := v.Run(func(reason uint32) (bool, error) {
		t.Fatal("onExit should not be called once stopped")
		return false, nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
