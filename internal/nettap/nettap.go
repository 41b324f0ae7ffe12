// Package nettap implements the host-side tap device backing the
// virtio-net device's packet I/O, carried over from the teacher's
// core_engine/network/tap_device.go nearly verbatim: open /dev/net/tun,
// TUNSETIFF into tap mode, then plain read/write of Ethernet frames.
package nettap

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Device implements the packet-I/O backend the virtio-net device wraps.
type Device struct {
	fd   int
	name string
}

// Open creates and configures a tap device named name.
func Open(name string) (*Device, error) {
	fd, err := syscall.Open("/dev/net/tun", syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("nettap: opening /dev/net/tun: %w", err)
	}

	var ifr struct {
		Name  [16]byte
		Flags uint16
		_     [2]byte
	}
	copy(ifr.Name[:], name)
	ifr.Flags = unix.IFF_TAP | unix.IFF_NO_PI

	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr)))
	if errno != 0 {
		syscall.Close(fd)
		return nil, fmt.Errorf("nettap: TUNSETIFF for %s: %w", name, errno)
	}

	return &Device{fd: fd, name: name}, nil
}

// ReadPacket reads one Ethernet frame. A nil slice with a nil error means
// no data was available right now (EAGAIN/EWOULDBLOCK), not an error.
func (d *Device) ReadPacket() ([]byte, error) {
	buf := make([]byte, 2048)
	n, err := syscall.Read(d.fd, buf)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return nil, nil
		}
		return nil, fmt.Errorf("nettap: reading from %s: %w", d.name, err)
	}
	return buf[:n], nil
}

// WritePacket writes one Ethernet frame to the tap device.
func (d *Device) WritePacket(packet []byte) error {
	if _, err := syscall.Write(d.fd, packet); err != nil {
		return fmt.Errorf("nettap: writing to %s: %w", d.name, err)
	}
	return nil
}

// Close closes the tap device's file descriptor.
func (d *Device) Close() error {
	return syscall.Close(d.fd)
}
