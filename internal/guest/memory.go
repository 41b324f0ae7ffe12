package guest

import (
	"encoding/binary"
	"fmt"

	"example.com/rvkernel/internal/kerr"
	"example.com/rvkernel/internal/virtiommio"
)

// ramMemory adapts Runtime's guest RAM folio to virtiommio.Memory, the
// guest-physical byte accessor every virtqueue walk and register config
// read/write goes through.
type ramMemory struct {
	ramBase uint64
	bytes   []byte
}

var _ virtiommio.Memory = (*ramMemory)(nil)

func (m *ramMemory) bounds(gpa uint64, length int) (int, error) {
	if gpa < m.ramBase {
		return 0, fmt.Errorf("guest: gpa %#x below ram base %#x: %w", gpa, m.ramBase, kerr.InvalidArg)
	}
	off := int(gpa - m.ramBase)
	if off < 0 || off+length > len(m.bytes) {
		return 0, fmt.Errorf("guest: access [%#x, %#x) out of ram bounds: %w", gpa, gpa+uint64(length), kerr.InvalidArg)
	}
	return off, nil
}

func (m *ramMemory) ReadU16(gpa uint64) (uint16, error) {
	off, err := m.bounds(gpa, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(m.bytes[off : off+2]), nil
}

func (m *ramMemory) ReadAt(gpa uint64, buf []byte) error {
	off, err := m.bounds(gpa, len(buf))
	if err != nil {
		return err
	}
	copy(buf, m.bytes[off:off+len(buf)])
	return nil
}

func (m *ramMemory) WriteAt(gpa uint64, buf []byte) error {
	off, err := m.bounds(gpa, len(buf))
	if err != nil {
		return err
	}
	copy(m.bytes[off:off+len(buf)], buf)
	return nil
}

// Memory returns the virtiommio.Memory view over this Runtime's guest RAM.
func (r *Runtime) Memory() virtiommio.Memory {
	return &ramMemory{ramBase: r.ramBase, bytes: r.ram.Bytes()}
}
