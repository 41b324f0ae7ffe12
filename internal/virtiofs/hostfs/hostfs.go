// Package hostfs implements virtiofs.FileSystem over a real host directory
// tree, the production counterpart to original_source's DemoFileSystem
// (apps/servers/lx/src/fs.rs), which only ever serves one hardcoded inode
// and one hardcoded file. hostfs keeps DemoFileSystem's inode-by-lookup
// shape (lookup assigns/reuses a stable inode number per path) but resolves
// attributes, reads, writes, and directory listings against actual files
// under Root, using golang.org/x/sys/unix for statfs/xattr the way the
// teacher reaches for unix for every raw syscall it needs
// (core_engine/network/tap_device.go's TUNSETIFF, core_engine/hypervisor's
// mmap).
package hostfs

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"example.com/rvkernel/internal/virtiofs"
)

// FS serves Root's contents over the virtiofs.FileSystem capability
// surface. Inode numbers are assigned on first Lookup/Getattr and held
// stable for the process lifetime; there is no persistence across restarts,
// matching the teacher's in-memory device-state idiom.
type FS struct {
	root string

	mu      sync.Mutex
	paths   map[uint64]string // ino -> path relative to root
	inodes  map[string]uint64 // path -> ino
	nextIno uint64
}

// New serves root as the virtio-fs mount's filesystem tree. RootIno (1)
// is pre-bound to root itself.
func New(root string) *FS {
	fs := &FS{
		root:    root,
		paths:   map[uint64]string{virtiofs.RootIno: "."},
		inodes:  map[string]uint64{".": virtiofs.RootIno},
		nextIno: virtiofs.RootIno + 1,
	}
	return fs
}

func (fs *FS) inoFor(rel string) uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if ino, ok := fs.inodes[rel]; ok {
		return ino
	}
	ino := fs.nextIno
	fs.nextIno++
	fs.inodes[rel] = ino
	fs.paths[ino] = rel
	return ino
}

func (fs *FS) pathFor(ino virtiofs.Ino) (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rel, ok := fs.paths[uint64(ino)]
	return rel, ok
}

func (fs *FS) fullPath(rel string) string {
	return filepath.Join(fs.root, rel)
}

func statToAttr(ino uint64, st os.FileInfo) virtiofs.Attr {
	var blocks, rdev, nlink uint64
	if sys, ok := st.Sys().(*syscall.Stat_t); ok {
		blocks = uint64(sys.Blocks)
		rdev = uint64(sys.Rdev)
		nlink = uint64(sys.Nlink)
	}
	mode := uint32(st.Mode().Perm())
	if st.IsDir() {
		mode |= 0o40000
	} else {
		mode |= 0o100000
	}
	return virtiofs.Attr{
		Ino:     ino,
		Size:    uint64(st.Size()),
		Blocks:  blocks,
		Mtime:   uint64(st.ModTime().Unix()),
		Ctime:   uint64(st.ModTime().Unix()),
		Mode:    mode,
		Nlink:   uint32(nlink),
		Rdev:    uint32(rdev),
		Blksize: 4096,
	}
}

func (fs *FS) Lookup(dir virtiofs.Ino, name string) (virtiofs.EntryOut, virtiofs.Errno) {
	dirRel, ok := fs.pathFor(dir)
	if !ok {
		return virtiofs.EntryOut{}, virtiofs.ENOENT
	}
	rel := filepath.Join(dirRel, name)
	st, err := os.Stat(fs.fullPath(rel))
	if err != nil {
		return virtiofs.EntryOut{}, virtiofs.ENOENT
	}
	ino := fs.inoFor(rel)
	return virtiofs.EntryOut{NodeID: ino, Attr: statToAttr(ino, st)}, 0
}

func (fs *FS) Getattr(ino virtiofs.Ino) (virtiofs.GetattrOut, virtiofs.Errno) {
	rel, ok := fs.pathFor(ino)
	if !ok {
		return virtiofs.GetattrOut{}, virtiofs.ENOENT
	}
	st, err := os.Stat(fs.fullPath(rel))
	if err != nil {
		return virtiofs.GetattrOut{}, virtiofs.ENOENT
	}
	return virtiofs.GetattrOut{Attr: statToAttr(uint64(ino), st)}, 0
}

func (fs *FS) Open(ino virtiofs.Ino, in virtiofs.OpenIn) (virtiofs.OpenOut, virtiofs.Errno) {
	if _, ok := fs.pathFor(ino); !ok {
		return virtiofs.OpenOut{}, virtiofs.ENOENT
	}
	// File handles are the inode number itself; every request re-resolves
	// the path, so there is no separate open-file table to leak.
	return virtiofs.OpenOut{FH: uint64(ino)}, 0
}

func (fs *FS) Read(ino virtiofs.Ino, in virtiofs.ReadIn, c virtiofs.ReadCompleter) virtiofs.ReadResult {
	rel, ok := fs.pathFor(ino)
	if !ok {
		return c.Error(virtiofs.ENOENT)
	}
	f, err := os.Open(fs.fullPath(rel))
	if err != nil {
		return c.Error(virtiofs.EACCES)
	}
	defer f.Close()

	buf := make([]byte, in.Size)
	n, err := f.ReadAt(buf, int64(in.Offset))
	if err != nil && err != io.EOF {
		return c.Error(virtiofs.EIO)
	}
	return c.Complete(buf[:n])
}

func (fs *FS) Write(ino virtiofs.Ino, in virtiofs.ReadIn, data []byte) (virtiofs.WriteOut, virtiofs.Errno) {
	rel, ok := fs.pathFor(ino)
	if !ok {
		return virtiofs.WriteOut{}, virtiofs.ENOENT
	}
	f, err := os.OpenFile(fs.fullPath(rel), os.O_WRONLY, 0)
	if err != nil {
		return virtiofs.WriteOut{}, virtiofs.EACCES
	}
	defer f.Close()

	n, err := f.WriteAt(data, int64(in.Offset))
	if err != nil {
		return virtiofs.WriteOut{}, virtiofs.EIO
	}
	return virtiofs.WriteOut{Size: uint32(n)}, 0
}

func (fs *FS) Readdir(ino virtiofs.Ino, offset uint64, c virtiofs.ReadDirCompleter) virtiofs.DirResult {
	rel, ok := fs.pathFor(ino)
	if !ok {
		return c.Error(virtiofs.ENOENT)
	}
	entries, err := os.ReadDir(fs.fullPath(rel))
	if err != nil {
		return c.Error(virtiofs.ENOTDIR)
	}
	if offset >= uint64(len(entries)) {
		return c.Complete(nil)
	}

	var out []virtiofs.Dirent
	for i := offset; i < uint64(len(entries)); i++ {
		e := entries[i]
		childRel := filepath.Join(rel, e.Name())
		dtype := uint32(8) // DT_REG
		if e.IsDir() {
			dtype = 4 // DT_DIR
		}
		out = append(out, virtiofs.Dirent{
			Ino:  fs.inoFor(childRel),
			Off:  i + 1,
			Type: dtype,
			Name: e.Name(),
		})
	}
	return c.Complete(out)
}

func (fs *FS) Release(ino virtiofs.Ino, fh uint64) virtiofs.Errno { return 0 }
func (fs *FS) Flush(ino virtiofs.Ino, fh uint64) virtiofs.Errno   { return 0 }

func (fs *FS) Statfs(ino virtiofs.Ino) (virtiofs.StatfsOut, virtiofs.Errno) {
	var st unix.Statfs_t
	if err := unix.Statfs(fs.root, &st); err != nil {
		return virtiofs.StatfsOut{}, virtiofs.EIO
	}
	return virtiofs.StatfsOut{
		Blocks:  st.Blocks,
		Bfree:   st.Bfree,
		Bavail:  st.Bavail,
		Files:   st.Files,
		Ffree:   st.Ffree,
		Bsize:   uint32(st.Bsize),
		Namelen: uint32(st.Namelen),
		Frsize:  uint32(st.Frsize),
	}, 0
}

// Ioctl is unsupported: hostfs serves plain files, which have no
// filesystem-specific ioctls to forward.
func (fs *FS) Ioctl(ino virtiofs.Ino, cmd uint32, arg []byte, c virtiofs.IoctlCompleter) virtiofs.IoctlResult {
	return c.Error(virtiofs.EOPNOTSUPP)
}

func (fs *FS) Getxattr(ino virtiofs.Ino, name string) ([]byte, virtiofs.Errno) {
	rel, ok := fs.pathFor(ino)
	if !ok {
		return nil, virtiofs.ENOENT
	}
	buf := make([]byte, 4096)
	n, err := unix.Getxattr(fs.fullPath(rel), name, buf)
	if err != nil {
		return nil, virtiofs.EOPNOTSUPP
	}
	return buf[:n], 0
}
