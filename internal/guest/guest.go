// Package guest implements spec Section 4.10's guest boot glue: RAM
// assembly, Linux RISC-V Image header parsing, flattened-device-tree
// synthesis, and the vcpu run loop dispatching MMIO exits to the
// virtio-MMIO bus. Grounded on the teacher's VirtualMachine (the
// struct-of-devices-plus-guest-memory-plus-vcpus shape, and
// NewVirtualMachine's open-/dev/kvm -> mmap guest RAM -> install memory
// region -> construct devices sequencing) with the x86-specific GDT/
// real-mode bootloader steps replaced by RISC-V's Image-header-plus-FDT
// boot protocol (spec Section 4.10 steps 3-5).
package guest

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"unsafe"

	"example.com/rvkernel/internal/folio"
	"example.com/rvkernel/internal/hostkvm"
	"example.com/rvkernel/internal/hvspace"
	"example.com/rvkernel/internal/iobus"
	"example.com/rvkernel/internal/kalloc"
	"example.com/rvkernel/internal/kerr"
	"example.com/rvkernel/internal/pagetable"
	"example.com/rvkernel/internal/virtiommio"
)

// imageMagic2 is the Linux RISC-V Image header's secondary magic value at
// offset 56 ("RSC\x05"), the one spec Section 4.10 step 3 says to verify.
const imageMagic2 = 0x05435352

// imageAlign is the 2 MiB alignment the kernel image must be placed at
// within guest RAM.
const imageAlign = 2 * 1024 * 1024

// imageHeader is the subset of the Linux RISC-V Image header this loader
// reads: (code0/code1 ignored), text_offset at 8, image_size at 16, and
// magic2 at 56.
type imageHeader struct {
	TextOffset uint64
	ImageSize  uint64
	Magic2     uint32
}

func parseImageHeader(image []byte) (imageHeader, error) {
	if len(image) < 64 {
		return imageHeader{}, fmt.Errorf("guest: image too short for header: %w", kerr.InvalidArg)
	}
	h := imageHeader{
		TextOffset: binary.LittleEndian.Uint64(image[8:16]),
		ImageSize:  binary.LittleEndian.Uint64(image[16:24]),
		Magic2:     binary.LittleEndian.Uint32(image[56:60]),
	}
	if h.Magic2 != imageMagic2 {
		return imageHeader{}, fmt.Errorf("guest: image magic2 %#x != %#x: %w", h.Magic2, imageMagic2, kerr.InvalidArg)
	}
	return h, nil
}

// DeviceSlot describes one virtio-mmio device's placement for FDT
// synthesis: its MMIO base/size and routed IRQ.
type DeviceSlot struct {
	Name    string
	Base    uint64
	Size    uint64
	IRQ     uint32
	Device  *virtiommio.Device
}

// Config configures a Runtime, mirroring NewVirtualMachine's (memSize,
// numVCPUs, enableDebug) constructor parameters.
type Config struct {
	MemSizeBytes uint64
	NumVCPUs     int
	Debug        bool
	RAMBase      uint64 // guest-physical base of RAM, spec Section 4.10 step 1
	BootArgs     string
}

// Runtime is the top-level guest VMM instance, the RISC-V analogue of the
// teacher's VirtualMachine.
type Runtime struct {
	kvm *hostkvm.Device
	vm  *hostkvm.VM

	ram     *folio.Folio
	ramBase uint64

	hv *hvspace.HvSpace

	vcpus []*hostkvm.VCpu

	devices []DeviceSlot
	bus     *iobus.Bus

	cfg      Config
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New opens /dev/kvm, creates a VM, allocates and installs guest RAM, and
// creates numVCPUs vcpus, following NewVirtualMachine's sequencing.
func New(cfg Config, arena *kalloc.Arena) (*Runtime, error) {
	if cfg.MemSizeBytes == 0 {
		cfg.MemSizeBytes = 128 * 1024 * 1024
	}
	if cfg.NumVCPUs == 0 {
		cfg.NumVCPUs = 1
	}

	kvm, err := hostkvm.Open()
	if err != nil {
		return nil, err
	}

	vmFD, err := kvm.CreateVM()
	if err != nil {
		kvm.Close()
		return nil, fmt.Errorf("guest: creating vm: %w", err)
	}
	vm := hostkvm.NewVM(vmFD)

	ram, err := folio.Alloc(arena, uintptr(cfg.MemSizeBytes))
	if err != nil {
		kvm.Close()
		return nil, fmt.Errorf("guest: allocating guest RAM: %w", err)
	}

	hv, err := hvspace.New(arena)
	if err != nil {
		kvm.Close()
		return nil, fmt.Errorf("guest: creating hvspace: %w", err)
	}
	// Step 2: map RAM into the HvSpace R/W/X.
	if err := hv.Map(uintptr(cfg.RAMBase), ram, pagetable.ProtRead|pagetable.ProtWrite|pagetable.ProtExec); err != nil {
		kvm.Close()
		return nil, fmt.Errorf("guest: mapping ram into hvspace: %w", err)
	}
	if err := vm.SetUserMemoryRegion(cfg.RAMBase, cfg.MemSizeBytes, uintptr(unsafe.Pointer(&ram.Bytes()[0]))); err != nil {
		kvm.Close()
		return nil, fmt.Errorf("guest: installing guest RAM: %w", err)
	}

	r := &Runtime{
		kvm:      kvm,
		vm:       vm,
		ram:      ram,
		ramBase:  cfg.RAMBase,
		hv:       hv,
		bus:      iobus.New(),
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}

	mmapSize, err := kvm.VCpuMmapSize()
	if err != nil {
		return nil, err
	}
	for i := 0; i < cfg.NumVCPUs; i++ {
		fd, err := vm.CreateVCpu(uint32(i))
		if err != nil {
			return nil, fmt.Errorf("guest: creating vcpu %d: %w", i, err)
		}
		vcpu, err := hostkvm.NewVCpu(fd, mmapSize)
		if err != nil {
			return nil, err
		}
		r.vcpus = append(r.vcpus, vcpu)
	}

	return r, nil
}

// RegisterDevice installs a virtio-mmio device at a fixed MMIO window,
// recording it both for FDT synthesis (r.devices) and for MMIO exit
// dispatch (r.bus, the IoBus object), and wires the device's interrupt
// line to KVM_IRQ_LINE so a completion actually interrupts the guest
// instead of relying on it to poll RegInterruptStatus.
func (r *Runtime) RegisterDevice(slot DeviceSlot) {
	r.devices = append(r.devices, slot)
	r.bus.Register(slot.Name, slot.Base, slot.Size, slot.Device)
	irq := slot.IRQ
	slot.Device.SetIRQNotify(func(asserted bool) {
		level := uint32(0)
		if asserted {
			level = 1
		}
		if err := r.vm.IrqLine(irq, level); err != nil && r.cfg.Debug {
			log.Printf("guest: irq %d line %d: %v", irq, level, err)
		}
	})
}

// VCpus exposes the fixed vcpu pool so a privileged process's
// internal/syscall.Env can bind VCPU_CREATE handles against it.
func (r *Runtime) VCpus() []*hostkvm.VCpu {
	return r.vcpus
}

// LoadImage implements spec Section 4.10 step 3: verifies the Linux
// RISC-V Image header and copies the image into RAM at a 2 MiB-aligned
// offset, returning the guest-physical entry address.
func (r *Runtime) LoadImage(image []byte) (entryGPA uint64, err error) {
	h, err := parseImageHeader(image)
	if err != nil {
		return 0, err
	}
	_ = h.ImageSize

	loadOffset := alignUp(0x200000, imageAlign) // conventional RISC-V load offset
	ramBytes := r.ram.Bytes()
	if loadOffset+uint64(len(image)) > uint64(len(ramBytes)) {
		return 0, fmt.Errorf("guest: image does not fit in ram: %w", kerr.TooLarge)
	}
	copy(ramBytes[loadOffset:], image)

	return r.ramBase + loadOffset, nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// BootVCpu implements spec Section 4.10 step 5: a0=hartid, a1=fdt_gpa,
// sepc=entry.
func (r *Runtime) BootVCpu(idx int, hartid uint64, fdtGPA uint64, entry uint64) error {
	if idx >= len(r.vcpus) {
		return fmt.Errorf("guest: vcpu index %d out of range: %w", idx, kerr.InvalidArg)
	}
	return r.vcpus[idx].SetBootRegs(hartid, fdtGPA, entry)
}

// Run implements spec Section 4.10 step 6: enters vcpu idx's run loop,
// forwarding MMIO load/store exits to the registered virtio-mmio devices
// and stopping on a reboot/shutdown exit.
func (r *Runtime) Run(idx int) error {
	vcpu := r.vcpus[idx]
	return vcpu.Run(func(reason uint32) (bool, error) {
		switch reason {
		case hostkvm.KVM_EXIT_MMIO:
			return true, r.handleMMIOExit(vcpu)
		case hostkvm.KVM_EXIT_RISCV_SBI:
			// SBI ecalls (console putchar, shutdown requests, etc.) are
			// out of this module's scope beyond not crashing the run
			// loop; treat every SBI call as a no-op continue.
			return true, nil
		default:
			if r.cfg.Debug {
				log.Printf("guest: vcpu %d unhandled exit reason %d", idx, reason)
			}
			return true, nil
		}
	})
}

func (r *Runtime) handleMMIOExit(vcpu *hostkvm.VCpu) error {
	m := vcpu.MMIOExit()
	if m.IsWrite != 0 {
		value := binary.LittleEndian.Uint32(m.Data[:4])
		_, err := r.bus.Dispatch(m.PhysAddr, true, value)
		return err
	}
	value, err := r.bus.Dispatch(m.PhysAddr, false, 0)
	if err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:4], value)
	vcpu.WriteMMIOData(buf[:])
	return nil
}

// Stop signals every vcpu run loop to return.
func (r *Runtime) Stop() {
	for _, v := range r.vcpus {
		v.Stop()
	}
	close(r.stopChan)
}

// Close releases the guest RAM, HvSpace, vcpus, and VM fd.
func (r *Runtime) Close() error {
	for _, v := range r.vcpus {
		_ = v.Close()
	}
	_ = r.hv.Close()
	_ = r.ram.Close()
	return r.kvm.Close()
}
