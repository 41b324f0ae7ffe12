// Package virtiofs implements spec Section 4.9's virtio-fs & FUSE engine:
// opcode dispatch over descriptor chains, a Filesystem capability trait,
// and reply framing. Wire struct layouts and opcode numbers are grounded
// on original_source's FUSE protocol definitions
// (libs/rust/starina_linux/src/virtio/virtio_fs/fuse.rs), translated from
// Rust #[repr(C)] structs into Go structs with explicit little-endian
// encode/decode methods rather than unsafe reinterpret-casts, matching the
// teacher's own style of hand-encoding wire structs byte-by-byte
// (core_engine/hypervisor/kvm.go's KvmIo/KvmUserspaceMemoryRegion).
package virtiofs

import "encoding/binary"

// FUSE opcodes (original_source fuse.rs).
const (
	OpLookup  = 1
	OpGetattr = 3
	OpOpen    = 14
	OpRead    = 15
	OpWrite   = 16
	OpRelease = 18
	OpGetxattr = 22
	OpFlush   = 25
	OpInit    = 26
	OpReaddir = 28
	OpIoctl   = 39
	OpStatfs  = 17
)

// Errno values, negative mirroring POSIX, per spec Section 4.9.
type Errno int32

const (
	EACCES    Errno = -13
	ENOTDIR   Errno = -20
	EINVAL    Errno = -22
	EOPNOTSUPP Errno = -95
	ENOENT    Errno = -2
	EIO       Errno = -5
)

// RootIno is the FUSE root directory inode number.
const RootIno uint64 = 1

const inHeaderSize = 40

// InHeader mirrors struct fuse_in_header.
type InHeader struct {
	Len      uint32
	Opcode   uint32
	Unique   uint64
	NodeID   uint64
	UID      uint32
	GID      uint32
	PID      uint32
	_        uint16 // total_extlen
	_        uint16 // padding
}

func decodeInHeader(b []byte) InHeader {
	return InHeader{
		Len:    binary.LittleEndian.Uint32(b[0:4]),
		Opcode: binary.LittleEndian.Uint32(b[4:8]),
		Unique: binary.LittleEndian.Uint64(b[8:16]),
		NodeID: binary.LittleEndian.Uint64(b[16:24]),
		UID:    binary.LittleEndian.Uint32(b[24:28]),
		GID:    binary.LittleEndian.Uint32(b[28:32]),
		PID:    binary.LittleEndian.Uint32(b[32:36]),
	}
}

// OutHeader mirrors struct fuse_out_header.
type OutHeader struct {
	Len    uint32
	Error  int32
	Unique uint64
}

func (h OutHeader) encode() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:4], h.Len)
	binary.LittleEndian.PutUint32(b[4:8], uint32(h.Error))
	binary.LittleEndian.PutUint64(b[8:16], h.Unique)
	return b
}

// Attr mirrors struct fuse_attr.
type Attr struct {
	Ino, Size, Blocks           uint64
	Atime, Mtime, Ctime         uint64
	Atimensec, Mtimensec, Ctimensec uint32
	Mode, Nlink, UID, GID, Rdev, Blksize uint32
}

func (a Attr) encode() []byte {
	b := make([]byte, 88)
	binary.LittleEndian.PutUint64(b[0:8], a.Ino)
	binary.LittleEndian.PutUint64(b[8:16], a.Size)
	binary.LittleEndian.PutUint64(b[16:24], a.Blocks)
	binary.LittleEndian.PutUint64(b[24:32], a.Atime)
	binary.LittleEndian.PutUint64(b[32:40], a.Mtime)
	binary.LittleEndian.PutUint64(b[40:48], a.Ctime)
	binary.LittleEndian.PutUint32(b[48:52], a.Atimensec)
	binary.LittleEndian.PutUint32(b[52:56], a.Mtimensec)
	binary.LittleEndian.PutUint32(b[56:60], a.Ctimensec)
	binary.LittleEndian.PutUint32(b[60:64], a.Mode)
	binary.LittleEndian.PutUint32(b[64:68], a.Nlink)
	binary.LittleEndian.PutUint32(b[68:72], a.UID)
	binary.LittleEndian.PutUint32(b[72:76], a.GID)
	binary.LittleEndian.PutUint32(b[76:80], a.Rdev)
	binary.LittleEndian.PutUint32(b[80:84], a.Blksize)
	return b
}

// EntryOut mirrors struct fuse_entry_out.
type EntryOut struct {
	NodeID, Generation, EntryValid, AttrValid uint64
	EntryValidNsec, AttrValidNsec             uint32
	Attr                                       Attr
}

func (e EntryOut) encode() []byte {
	b := make([]byte, 0, 40+88)
	var hdr [40]byte
	binary.LittleEndian.PutUint64(hdr[0:8], e.NodeID)
	binary.LittleEndian.PutUint64(hdr[8:16], e.Generation)
	binary.LittleEndian.PutUint64(hdr[16:24], e.EntryValid)
	binary.LittleEndian.PutUint64(hdr[24:32], e.AttrValid)
	binary.LittleEndian.PutUint32(hdr[32:36], e.EntryValidNsec)
	binary.LittleEndian.PutUint32(hdr[36:40], e.AttrValidNsec)
	b = append(b, hdr[:]...)
	b = append(b, e.Attr.encode()...)
	return b
}

// GetattrOut mirrors struct fuse_getattr_out.
type GetattrOut struct {
	AttrValid     uint64
	AttrValidNsec uint32
	Attr          Attr
}

func (g GetattrOut) encode() []byte {
	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[0:8], g.AttrValid)
	binary.LittleEndian.PutUint32(hdr[8:12], g.AttrValidNsec)
	return append(hdr[:], g.Attr.encode()...)
}

// OpenOut mirrors struct fuse_open_out.
type OpenOut struct {
	FH        uint64
	OpenFlags uint32
}

func (o OpenOut) encode() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], o.FH)
	binary.LittleEndian.PutUint32(b[8:12], o.OpenFlags)
	return b
}

// WriteOut mirrors struct fuse_write_out.
type WriteOut struct {
	Size uint32
}

func (w WriteOut) encode() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], w.Size)
	return b
}

// StatfsOut mirrors struct fuse_statfs_out / struct statvfs subset.
type StatfsOut struct {
	Blocks, Bfree, Bavail, Files, Ffree uint64
	Bsize, Namelen, Frsize              uint32
}

func (s StatfsOut) encode() []byte {
	b := make([]byte, 80)
	binary.LittleEndian.PutUint64(b[0:8], s.Blocks)
	binary.LittleEndian.PutUint64(b[8:16], s.Bfree)
	binary.LittleEndian.PutUint64(b[16:24], s.Bavail)
	binary.LittleEndian.PutUint64(b[24:32], s.Files)
	binary.LittleEndian.PutUint64(b[32:40], s.Ffree)
	binary.LittleEndian.PutUint32(b[40:44], s.Bsize)
	binary.LittleEndian.PutUint32(b[44:48], s.Namelen)
	binary.LittleEndian.PutUint32(b[48:52], s.Frsize)
	return b
}

// ReadIn mirrors struct fuse_read_in / fuse_write_in (same leading shape).
type ReadIn struct {
	FH     uint64
	Offset uint64
	Size   uint32
}

func decodeReadIn(b []byte) ReadIn {
	return ReadIn{
		FH:     binary.LittleEndian.Uint64(b[0:8]),
		Offset: binary.LittleEndian.Uint64(b[8:16]),
		Size:   binary.LittleEndian.Uint32(b[16:20]),
	}
}

// OpenIn mirrors struct fuse_open_in.
type OpenIn struct {
	Flags uint32
}

func decodeOpenIn(b []byte) OpenIn {
	return OpenIn{Flags: binary.LittleEndian.Uint32(b[0:4])}
}

// InitIn/InitOut mirror struct fuse_init_in/out, the handshake opcode.
type InitIn struct {
	Major, Minor, MaxReadahead, Flags uint32
}

type InitOut struct {
	Major, Minor, MaxReadahead, Flags uint32
	MaxWrite                          uint32
}

func (o InitOut) encode() []byte {
	b := make([]byte, 88)
	binary.LittleEndian.PutUint32(b[0:4], o.Major)
	binary.LittleEndian.PutUint32(b[4:8], o.Minor)
	binary.LittleEndian.PutUint32(b[8:12], o.MaxReadahead)
	binary.LittleEndian.PutUint32(b[12:16], o.Flags)
	binary.LittleEndian.PutUint32(b[24:28], o.MaxWrite)
	return b
}
