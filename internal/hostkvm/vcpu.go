package hostkvm

import (
	"encoding/binary"
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"example.com/rvkernel/internal/kerr"
)

// RISC-V KVM_{GET,SET}_ONE_REG register ids for the general-purpose
// registers the boot protocol needs (spec Section 4.10 step 5: "Create a
// VCpu with a0 = hartid, a1 = fdt_gpa, sepc = entry"). Real ids encode
// register size/type/offset in a packed bitfield per
// linux/arch/riscv/include/uapi/asm/kvm.h; these follow that same
// KVM_REG_RISCV | KVM_REG_SIZE_U64 | subtype | offset scheme for the
// three registers this module actually touches.
const (
	kvmRegRiscv      = uint64(0x8000000000000000) | uint64(0x0030000000000000) // KVM_REG_RISCV | KVM_REG_SIZE_U64
	kvmRegCoreOffset = uint64(0x0000000002000000)                              // KVM_REG_RISCV_CORE

	regOffsetA0  = 10 // a0 is x10 in the integer register file
	regOffsetA1  = 11
	regOffsetPC  = 0 // sepc tracked at the core register file's PC slot
)

func coreRegID(offset uint64) uint64 {
	return kvmRegRiscv | kvmRegCoreOffset | offset
}

// VCpu wraps one KVM_CREATE_VCPU fd and its mmap'd kvm_run page, following
// the shape of the teacher's VCPU (fd + mmap'd run struct + a ticker-driven
// run loop) with the x86 register file and KVM_EXIT_IO handling removed.
type VCpu struct {
	fd      int
	runPage []byte
	runSize int

	mu       sync.Mutex
	stopChan chan struct{}
}

// NewVCpu creates a VCpu over an already-created vcpu fd, mmapping its
// shared kvm_run page.
func NewVCpu(vcpuFD int, mmapSize int) (*VCpu, error) {
	page, err := mmapSharedPage(vcpuFD, mmapSize)
	if err != nil {
		return nil, err
	}
	return &VCpu{fd: vcpuFD, runPage: page, runSize: mmapSize, stopChan: make(chan struct{})}, nil
}

// SetBootRegs programs a0=hartid, a1=fdtGPA, sepc=entry, spec Section
// 4.10 step 5's three boot registers.
func (v *VCpu) SetBootRegs(hartid, fdtGPA, entry uint64) error {
	if err := setOneReg(uintptr(v.fd), coreRegID(regOffsetA0), unsafe.Pointer(&hartid)); err != nil {
		return fmt.Errorf("hostkvm: setting a0: %w", err)
	}
	if err := setOneReg(uintptr(v.fd), coreRegID(regOffsetA1), unsafe.Pointer(&fdtGPA)); err != nil {
		return fmt.Errorf("hostkvm: setting a1: %w", err)
	}
	if err := setOneReg(uintptr(v.fd), coreRegID(regOffsetPC), unsafe.Pointer(&entry)); err != nil {
		return fmt.Errorf("hostkvm: setting sepc: %w", err)
	}
	return nil
}

// ExitReason reads the kvm_run page's exit_reason field (offset 8, a
// uint32 after request_interrupt_window, immediate_exit and six padding
// bytes, per struct kvm_run's layout on every architecture).
func (v *VCpu) exitReason() uint32 {
	return binary.LittleEndian.Uint32(v.runPage[8:12])
}

// MMIOExit reads out the mmio union member, valid only when exitReason()
// == KVM_EXIT_MMIO. The offset (32) follows struct kvm_run's common
// prologue (8 bytes of flags/padding, exit_reason, ready_for_interrupt_injection,
// if_flag, flags, cr8, apic_base), and the member itself is phys_addr at
// +0, data[8] at +8, len at +16 and is_write at +20, the way the
// teacher's KvmIo union member is read out of its own fixed offset.
func (v *VCpu) MMIOExit() KvmMMIO {
	const mmioOffset = 32
	var m KvmMMIO
	m.PhysAddr = binary.LittleEndian.Uint64(v.runPage[mmioOffset : mmioOffset+8])
	copy(m.Data[:], v.runPage[mmioOffset+8:mmioOffset+16])
	m.Len = binary.LittleEndian.Uint32(v.runPage[mmioOffset+16 : mmioOffset+20])
	m.IsWrite = v.runPage[mmioOffset+20]
	return m
}

// WriteMMIOData stores a read result back into the kvm_run page's mmio
// data field after a KVM_EXIT_MMIO read exit, so the next KVM_RUN resumes
// the guest with the fetched value.
func (v *VCpu) WriteMMIOData(data []byte) {
	const mmioDataOffset = 40
	copy(v.runPage[mmioDataOffset:mmioDataOffset+8], data)
}

// Run enters the vcpu's run loop, calling onExit for every exit reason
// other than the ones this loop itself handles (HLT, SHUTDOWN, FAIL_ENTRY). onExit
// returns true to keep running, false to stop. Stop() unblocks a run loop
// waiting for the next KVM_RUN by closing stopChan, mirroring the
// teacher's VCPU.Run select over stopChan.
func (v *VCpu) Run(onExit func(reason uint32) (keepGoing bool, err error)) error {
	for {
		select {
		case <-v.stopChan:
			return nil
		default:
		}

		_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(v.fd), KVM_RUN, 0)
		if errno == syscall.EINTR {
			continue
		}
		if errno != 0 {
			return fmt.Errorf("hostkvm: KVM_RUN: %w", errno)
		}

		reason := v.exitReason()
		switch reason {
		case KVM_EXIT_HLT:
			return nil
		case KVM_EXIT_SHUTDOWN:
			return fmt.Errorf("hostkvm: guest shutdown exit: %w", kerr.InvalidState)
		case KVM_EXIT_FAIL_ENTRY:
			return fmt.Errorf("hostkvm: fail-entry exit: %w", kerr.InvalidState)
		default:
			keepGoing, err := onExit(reason)
			if err != nil {
				return err
			}
			if !keepGoing {
				return nil
			}
		}
	}
}

// Stop signals a running Run loop to return at its next iteration.
func (v *VCpu) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	select {
	case <-v.stopChan:
	default:
		close(v.stopChan)
	}
}

// Close unmaps the kvm_run page and closes the vcpu fd.
func (v *VCpu) Close() error {
	if v.runPage != nil {
		_ = unix.Munmap(v.runPage)
		v.runPage = nil
	}
	return syscall.Close(v.fd)
}
