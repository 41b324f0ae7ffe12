package virtiommio

import (
	"encoding/binary"
	"fmt"

	"example.com/rvkernel/internal/kerr"
)

// Queue is spec Section 3's Virtqueue record: (index, size, desc_addr,
// driver_addr, device_addr, last_seen_avail, last_used). Descriptor
// chains are walked on demand, no caching, per spec.
type Queue struct {
	size    uint16
	maxSize uint16
	ready   bool

	descAddr  uint64
	availAddr uint64 // "driver_addr" in spec terms
	usedAddr  uint64 // "device_addr" in spec terms

	lastSeenAvail uint16
	lastUsed      uint16
}

// descFlagNext/Write mirror the virtio descriptor flag bits.
const (
	descFlagNext  uint16 = 1 << 0
	descFlagWrite uint16 = 1 << 1
)

// Descriptor is one decoded entry from a descriptor table.
type Descriptor struct {
	Addr   uint64
	Length uint32
}

// Chain is a walked descriptor chain split into its device-readable
// prefix and device-writable suffix, per spec Section 4.8: "A chain
// splits into a reader (device-readable descriptors) followed by a writer
// (device-writable descriptors); the concatenation order in the chain is
// contract."
type Chain struct {
	Reader []Descriptor
	Writer []Descriptor
}

// Memory is the narrow guest-physical memory accessor virtio-mmio needs:
// byte-range read/write plus the two 16-bit ring-index reads the notify
// path performs. Backed in production by internal/guest's RAM folio.
type Memory interface {
	ReadU16(gpa uint64) (uint16, error)
	ReadAt(gpa uint64, buf []byte) error
	WriteAt(gpa uint64, buf []byte) error
}

// walkChain follows descriptors starting at head via (next, flags) while
// flags&NEXT is set, splitting into reader then writer descriptors. Per
// spec, once a writable descriptor is seen, every subsequent descriptor in
// the chain must also be writable (readers must precede writers); a chain
// that violates this ordering is rejected as malformed.
func walkChain(mem Memory, q *Queue, head uint16) (Chain, error) {
	var chain Chain
	seenWriter := false
	idx := head
	visited := 0

	for {
		if visited > int(q.size) {
			return Chain{}, fmt.Errorf("virtiommio: descriptor chain longer than queue size %d (cycle?): %w", q.size, kerr.InvalidState)
		}
		visited++

		entryOffset := q.descAddr + uint64(idx)*16
		var raw [16]byte
		if err := mem.ReadAt(entryOffset, raw[:]); err != nil {
			return Chain{}, fmt.Errorf("virtiommio: reading descriptor %d: %w", idx, err)
		}
		addr := binary.LittleEndian.Uint64(raw[0:8])
		length := binary.LittleEndian.Uint32(raw[8:12])
		flags := binary.LittleEndian.Uint16(raw[12:14])
		next := binary.LittleEndian.Uint16(raw[14:16])

		d := Descriptor{Addr: addr, Length: length}
		if flags&descFlagWrite != 0 {
			seenWriter = true
			chain.Writer = append(chain.Writer, d)
		} else {
			if seenWriter {
				return Chain{}, fmt.Errorf("virtiommio: reader descriptor after writer in chain: %w", kerr.InvalidState)
			}
			chain.Reader = append(chain.Reader, d)
		}

		if flags&descFlagNext == 0 {
			break
		}
		idx = next
	}

	return chain, nil
}

// PublishUsed writes a used-ring entry (id, len) at the queue's current
// used index and advances it, the device-side half of the virtqueue
// protocol invoked after a chain has been fully serviced.
func PublishUsed(mem Memory, q *Queue, id uint16, length uint32) error {
	ringSlot := q.lastUsed % q.size
	entryOffset := q.usedAddr + 4 + uint64(ringSlot)*8

	var raw [8]byte
	binary.LittleEndian.PutUint32(raw[0:4], uint32(id))
	binary.LittleEndian.PutUint32(raw[4:8], length)
	if err := mem.WriteAt(entryOffset, raw[:]); err != nil {
		return fmt.Errorf("virtiommio: writing used entry: %w", err)
	}

	q.lastUsed++
	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], q.lastUsed)
	if err := mem.WriteAt(q.usedAddr+2, idxBuf[:]); err != nil {
		return fmt.Errorf("virtiommio: updating used.idx: %w", err)
	}
	return nil
}
