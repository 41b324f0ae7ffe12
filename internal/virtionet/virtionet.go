// Package virtionet implements a virtio-net device backend over
// internal/nettap, replacing the teacher's NE2000Device emulation (an
// ISA-era NIC register model) with the virtio-mmio net device spec
// Section 6 names (device id 1). It reuses the teacher's
// HostNetInterface-shaped contract (ReadPacket/WritePacket/Close) from
// core_engine/devices/net_iface.go, backed by internal/nettap instead of
// core_engine/network.TapDevice.
package virtionet

import (
	"log"

	"example.com/rvkernel/internal/virtiommio"
)

// HostInterface is the packet-I/O contract a virtio-net device's backend
// satisfies, matching the teacher's core_engine/devices/net_iface.go
// HostNetInterface shape exactly.
type HostInterface interface {
	ReadPacket() ([]byte, error)
	WritePacket(packet []byte) error
	Close() error
}

const deviceFeatures = 0 // no negotiated feature bits beyond the baseline

// Device wires a virtiommio.Device (device id 1, net) to a HostInterface
// backend: guest transmits are delivered via the device's notify callback
// on the TX queue (index 1). PumpRX hands host-side reads to a
// caller-supplied function; this type does not itself place them into the
// RX queue (index 0).
type Device struct {
	mmio *virtiommio.Device
	host HostInterface
	mem  virtiommio.Memory
	debug bool

	stop chan struct{}
}

// New creates a virtio-net device bound to host.
func New(mem virtiommio.Memory, host HostInterface, debug bool) *Device {
	d := &Device{host: host, mem: mem, debug: debug, stop: make(chan struct{})}
	d.mmio = virtiommio.NewDevice(virtiommio.DeviceIDNet, deviceFeatures, 2, mem, d.onNotify)
	return d
}

// MMIO returns the underlying register-file device for Runtime.RegisterDevice.
func (d *Device) MMIO() *virtiommio.Device { return d.mmio }

// onNotify handles TX queue (index 1) notifications: each available chain's
// reader descriptors are concatenated into one Ethernet frame and handed to
// the host interface.
func (d *Device) onNotify(queueIdx int, chain virtiommio.Chain, head uint16) {
	if queueIdx != 1 {
		return
	}
	var frame []byte
	for _, desc := range chain.Reader {
		buf := make([]byte, desc.Length)
		if err := d.mem.ReadAt(desc.Addr, buf); err != nil {
			if d.debug {
				log.Printf("virtionet: reading tx descriptor: %v", err)
			}
			return
		}
		frame = append(frame, buf...)
	}
	if len(frame) > 0 {
		if err := d.host.WritePacket(frame); err != nil && d.debug {
			log.Printf("virtionet: writing packet to host: %v", err)
		}
	}
	if err := d.mmio.PublishUsed(queueIdx, head, 0); err != nil && d.debug {
		log.Printf("virtionet: publishing tx used entry: %v", err)
	}
}

// PumpRX polls the host interface for inbound packets until stopped,
// intended to run in its own goroutine. Each packet is handed to fn, which
// is responsible for placing it into the RX virtqueue and raising the
// interrupt (left to the caller since only it holds the RX queue's current
// descriptor under the guest's control, unlike TX which is driven purely
// by notify).
func (d *Device) PumpRX(fn func(packet []byte) error) error {
	for {
		select {
		case <-d.stop:
			return nil
		default:
		}
		packet, err := d.host.ReadPacket()
		if err != nil {
			return err
		}
		if packet == nil {
			continue
		}
		if err := fn(packet); err != nil {
			return err
		}
	}
}

// Stop halts PumpRX.
func (d *Device) Stop() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
}

// Close closes the host backend.
func (d *Device) Close() error {
	d.Stop()
	return d.host.Close()
}
