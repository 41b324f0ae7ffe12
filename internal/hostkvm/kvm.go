// Package hostkvm wraps the Linux /dev/kvm RISC-V ioctl surface, adapted
// from the teacher's core_engine/hypervisor/kvm.go: the same "named ioctl
// constant + small wrapper function doing one syscall.Syscall(SYS_IOCTL,
// ...)" shape, with the x86-specific ioctls (KVM_GET/SET_SREGS' segment
// registers, KVM_INTERRUPT_REQ's vector injection) replaced by RISC-V's
// KVM_SET_ONE_REG/KVM_GET_ONE_REG register access and
// KVM_IRQ_LINE-style interrupt delivery, and KVM_EXIT_IO removed entirely
// since RISC-V has no port I/O — traps fall to KVM_EXIT_MMIO or
// KVM_EXIT_RISCV_SBI instead.
package hostkvm

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	kvmIoctlBase = 0xAE

	KVM_CREATE_VM              = (kvmIoctlBase << 8) | 0x01
	KVM_GET_VCPU_MMAP_SIZE     = (kvmIoctlBase << 8) | 0x04
	KVM_CREATE_VCPU            = (kvmIoctlBase << 8) | 0x41
	KVM_SET_USER_MEMORY_REGION = (kvmIoctlBase << 8) | 0x46
	KVM_RUN                    = (kvmIoctlBase << 8) | 0x80
	KVM_GET_ONE_REG            = (kvmIoctlBase << 8) | 0xab
	KVM_SET_ONE_REG            = (kvmIoctlBase << 8) | 0xac
	KVM_IRQ_LINE               = (kvmIoctlBase << 8) | 0x61

	// KVM exit reasons relevant on RISC-V: no KVM_EXIT_IO (no port I/O on
	// this architecture), MMIO and the SBI ecall trap take its place.
	KVM_EXIT_UNKNOWN     = 0
	KVM_EXIT_MMIO        = 6
	KVM_EXIT_HLT         = 5
	KVM_EXIT_SHUTDOWN    = 8
	KVM_EXIT_FAIL_ENTRY  = 9
	KVM_EXIT_RISCV_SBI   = 35
	KVM_EXIT_RISCV_CSR   = 36
)

// KvmUserspaceMemoryRegion mirrors struct kvm_userspace_memory_region; the
// same fields the teacher's KvmUserspaceMemoryRegion carries, unchanged
// across architectures.
type KvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// KvmOneReg mirrors struct kvm_one_reg, the RISC-V register-access ioctl
// payload replacing x86's whole-struct KvmRegs/KvmSregs gets/sets.
type KvmOneReg struct {
	ID   uint64
	Addr uint64
}

// KvmMMIO mirrors the mmio member of the kvm_run union, read out of the
// mmap'd kvm_run page at a fixed offset the way the teacher's KvmIo reads
// the io member.
type KvmMMIO struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

// KvmIrqLevel mirrors struct kvm_irq_level, used with KVM_IRQ_LINE to
// raise/lower a PLIC-routed interrupt line on an in-kernel irqchip.
type KvmIrqLevel struct {
	Irq   uint32
	Level uint32
}

// Device opens /dev/kvm once and creates VMs from it, analogous to the
// teacher's VirtualMachine holding a bare kvmFD.
type Device struct {
	file *os.File
	fd   uintptr
}

// Open opens /dev/kvm.
func Open() (*Device, error) {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hostkvm: opening /dev/kvm: %w", err)
	}
	return &Device{file: f, fd: f.Fd()}, nil
}

func (d *Device) Close() error { return d.file.Close() }

// CreateVM issues KVM_CREATE_VM and returns the VM's fd.
func (d *Device) CreateVM() (int, error) {
	fd, _, errno := syscall.Syscall(syscall.SYS_IOCTL, d.fd, KVM_CREATE_VM, 0)
	if errno != 0 {
		return 0, fmt.Errorf("hostkvm: KVM_CREATE_VM: %w", errno)
	}
	return int(fd), nil
}

// VCpuMmapSize issues KVM_GET_VCPU_MMAP_SIZE, the byte length to mmap over
// each vcpu fd to reach its shared kvm_run page.
func (d *Device) VCpuMmapSize() (int, error) {
	size, _, errno := syscall.Syscall(syscall.SYS_IOCTL, d.fd, KVM_GET_VCPU_MMAP_SIZE, 0)
	if errno != 0 {
		return 0, fmt.Errorf("hostkvm: KVM_GET_VCPU_MMAP_SIZE: %w", errno)
	}
	return int(size), nil
}

// VM wraps a KVM_CREATE_VM fd.
type VM struct {
	fd uintptr

	mu    sync.Mutex
	slots uint32
}

func NewVM(vmFD int) *VM {
	return &VM{fd: uintptr(vmFD)}
}

// SetUserMemoryRegion installs a guest-physical memory slot backed by
// userspaceAddr, the userspace-VMM analogue of mapping RAM into an HvSpace
// (spec Section 4.10 step 2).
func (vm *VM) SetUserMemoryRegion(gpa, size uint64, userspaceAddr uintptr) error {
	vm.mu.Lock()
	slot := vm.slots
	vm.slots++
	vm.mu.Unlock()

	region := KvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: gpa,
		MemorySize:    size,
		UserspaceAddr: uint64(userspaceAddr),
	}
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, vm.fd, KVM_SET_USER_MEMORY_REGION, uintptr(unsafe.Pointer(&region)))
	if errno != 0 {
		return fmt.Errorf("hostkvm: KVM_SET_USER_MEMORY_REGION slot %d: %w", slot, errno)
	}
	return nil
}

// CreateVCpu issues KVM_CREATE_VCPU and returns the vcpu's fd.
func (vm *VM) CreateVCpu(id uint32) (int, error) {
	fd, _, errno := syscall.Syscall(syscall.SYS_IOCTL, vm.fd, KVM_CREATE_VCPU, uintptr(id))
	if errno != 0 {
		return 0, fmt.Errorf("hostkvm: KVM_CREATE_VCPU %d: %w", id, errno)
	}
	return int(fd), nil
}

// IrqLine raises (level=1) or lowers (level=0) irq on the VM's in-kernel
// irqchip, if one is configured; used as the fallback path when PLIC
// routing is delegated to KVM rather than fully emulated in
// internal/plic.
func (vm *VM) IrqLine(irq uint32, level uint32) error {
	req := KvmIrqLevel{Irq: irq, Level: level}
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, vm.fd, KVM_IRQ_LINE, uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		return fmt.Errorf("hostkvm: KVM_IRQ_LINE irq=%d level=%d: %w", irq, level, errno)
	}
	return nil
}

// getOneReg/setOneReg are the shared RISC-V one-reg primitives VCpu's
// register accessors build on.
func getOneReg(vcpuFD uintptr, id uint64, addr unsafe.Pointer) error {
	r := KvmOneReg{ID: id, Addr: uint64(uintptr(addr))}
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, vcpuFD, KVM_GET_ONE_REG, uintptr(unsafe.Pointer(&r)))
	if errno != 0 {
		return fmt.Errorf("hostkvm: KVM_GET_ONE_REG %#x: %w", id, errno)
	}
	return nil
}

func setOneReg(vcpuFD uintptr, id uint64, addr unsafe.Pointer) error {
	r := KvmOneReg{ID: id, Addr: uint64(uintptr(addr))}
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, vcpuFD, KVM_SET_ONE_REG, uintptr(unsafe.Pointer(&r)))
	if errno != 0 {
		return fmt.Errorf("hostkvm: KVM_SET_ONE_REG %#x: %w", id, errno)
	}
	return nil
}

// mmapSharedPage mmaps size bytes of fd at offset 0, the same call the
// teacher's VCPU constructor makes to reach its kvm_run page.
func mmapSharedPage(fd int, size int) ([]byte, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("hostkvm: mmap kvm_run: %w", err)
	}
	return data, nil
}
