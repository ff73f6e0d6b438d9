package vfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/justanotherdot/mello/internal/common"
)

// memInode is a minimal in-memory Inode used only to exercise the
// resolver, mount table, and page cache without a real filesystem
// engine underneath.
type memInode struct {
	ino     uint64
	typ     FileType
	data    []byte
	link    string
	entries map[string]*memInode
}

var nextIno uint64 = 1

func newMemDir() *memInode {
	nextIno++
	d := &memInode{ino: nextIno, typ: TypeDir, entries: make(map[string]*memInode)}
	d.entries["."] = d
	return d
}

func newMemFile() *memInode {
	nextIno++
	return &memInode{ino: nextIno, typ: TypeRegular}
}

func (m *memInode) Ino() uint64    { return m.ino }
func (m *memInode) Type() FileType { return m.typ }

func (m *memInode) Stat(dst *common.Stat_t) common.Err_t {
	dst.Ino = m.ino
	dst.Size = int64(len(m.data))
	return 0
}
func (m *memInode) Setattr(st *common.Stat_t) common.Err_t { return 0 }
func (m *memInode) Sync() common.Err_t                     { return 0 }

func (m *memInode) ReadAt(dst []byte, off int64) (int, common.Err_t) {
	if off >= int64(len(m.data)) {
		return 0, 0
	}
	n := copy(dst, m.data[off:])
	return n, 0
}

func (m *memInode) WriteAt(src []byte, off int64) (int, common.Err_t) {
	end := off + int64(len(src))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[off:end], src)
	return len(src), 0
}

func (m *memInode) Truncate(size int64) common.Err_t {
	if size < int64(len(m.data)) {
		m.data = m.data[:size]
	}
	return 0
}

func (m *memInode) Lookup(name string) (Inode, common.Err_t) {
	if m.typ != TypeDir {
		return nil, common.ENOTDIR
	}
	if name == ".." {
		return m, 0 // root points to itself; good enough for these tests
	}
	child, ok := m.entries[name]
	if !ok {
		return nil, common.ENOENT
	}
	return child, 0
}

func (m *memInode) Readdir(offset int) ([]DirEntry, common.Err_t) {
	var out []DirEntry
	for name, e := range m.entries {
		out = append(out, DirEntry{Name: name, Ino: e.ino, Type: e.typ})
	}
	return out, 0
}

func (m *memInode) Create(name string, mode uint32) (Inode, common.Err_t) {
	if _, exists := m.entries[name]; exists {
		return nil, common.EEXIST
	}
	f := newMemFile()
	m.entries[name] = f
	return f, 0
}

func (m *memInode) Mkdir(name string, mode uint32) (Inode, common.Err_t) {
	if _, exists := m.entries[name]; exists {
		return nil, common.EEXIST
	}
	d := newMemDir()
	m.entries[name] = d
	return d, 0
}

func (m *memInode) Unlink(name string) common.Err_t {
	if _, ok := m.entries[name]; !ok {
		return common.ENOENT
	}
	delete(m.entries, name)
	return 0
}

func (m *memInode) Rmdir(name string) common.Err_t { return m.Unlink(name) }

func (m *memInode) Link(name string, target Inode) common.Err_t {
	t, ok := target.(*memInode)
	if !ok {
		return common.EINVAL
	}
	m.entries[name] = t
	return 0
}

func (m *memInode) Symlink(name, target string) common.Err_t {
	nextIno++
	m.entries[name] = &memInode{ino: nextIno, typ: TypeSymlink, link: target}
	return 0
}

func (m *memInode) Readlink() (string, common.Err_t) {
	if m.typ != TypeSymlink {
		return "", common.EINVAL
	}
	return m.link, 0
}

func TestResolveNestedPath(t *testing.T) {
	root := newMemDir()
	sub, err := root.Mkdir("etc", 0755)
	require.Equal(t, common.Err_t(0), err)
	_, err = sub.(*memInode).Create("passwd", 0644)
	require.Equal(t, common.Err_t(0), err)

	r := NewResolver(NewMountTable())
	node, err := r.Resolve(root, root, "/etc/passwd", ResolveOpts{})
	require.Equal(t, common.Err_t(0), err)
	require.Equal(t, TypeRegular, node.Type())
}

func TestResolveMissingReturnsENOENT(t *testing.T) {
	root := newMemDir()
	r := NewResolver(NewMountTable())
	_, err := r.Resolve(root, root, "/nope", ResolveOpts{})
	require.Equal(t, common.ENOENT, err)
}

func TestResolveTrailingSlashRequiresDir(t *testing.T) {
	root := newMemDir()
	_, err := root.Create("f", 0644)
	require.Equal(t, common.Err_t(0), err)

	r := NewResolver(NewMountTable())
	_, err = r.Resolve(root, root, "/f/", ResolveOpts{})
	require.Equal(t, common.ENOTDIR, err)
}

func TestResolveFollowsSymlink(t *testing.T) {
	root := newMemDir()
	_, err := root.Create("target", 0644)
	require.Equal(t, common.Err_t(0), err)
	require.Equal(t, common.Err_t(0), root.Symlink("link", "/target"))

	r := NewResolver(NewMountTable())
	node, err := r.Resolve(root, root, "/link", ResolveOpts{})
	require.Equal(t, common.Err_t(0), err)
	require.Equal(t, TypeRegular, node.Type())
}

func TestResolveNoFollowReturnsSymlinkItself(t *testing.T) {
	root := newMemDir()
	_, err := root.Create("target", 0644)
	require.Equal(t, common.Err_t(0), err)
	require.Equal(t, common.Err_t(0), root.Symlink("link", "target"))

	r := NewResolver(NewMountTable())
	node, err := r.Resolve(root, root, "/link", ResolveOpts{NoFollowTrailingSymlink: true})
	require.Equal(t, common.Err_t(0), err)
	require.Equal(t, TypeSymlink, node.Type())
}

func TestResolveSymlinkLoopReturnsELOOP(t *testing.T) {
	root := newMemDir()
	require.Equal(t, common.Err_t(0), root.Symlink("a", "/b"))
	require.Equal(t, common.Err_t(0), root.Symlink("b", "/a"))

	r := NewResolver(NewMountTable())
	_, err := r.Resolve(root, root, "/a", ResolveOpts{})
	require.Equal(t, common.ELOOP, err)
}

func TestMountSubstitution(t *testing.T) {
	root := newMemDir()
	mountPoint, _ := root.Mkdir("mnt", 0755)
	mounted := newMemDir()
	_, err := mounted.(*memInode).Create("hello", 0644)
	require.Equal(t, common.Err_t(0), err)

	mounts := NewMountTable()
	require.Equal(t, common.Err_t(0), mounts.Mount(mountPoint.Ino(), mounted))

	r := NewResolver(mounts)
	node, err := r.Resolve(root, root, "/mnt/hello", ResolveOpts{})
	require.Equal(t, common.Err_t(0), err)
	require.Equal(t, TypeRegular, node.Type())
}

func TestPageCacheReadWriteRoundTrip(t *testing.T) {
	f := newMemFile()
	c := NewPageCache(f, 4)
	require.Equal(t, common.Err_t(0), c.WritePage(0, bytesOf('a')))
	page, err := c.ReadPage(0)
	require.Equal(t, common.Err_t(0), err)
	require.Equal(t, byte('a'), page[0])
}

func TestPageCacheEvictsLRUAndWritesBackDirty(t *testing.T) {
	f := newMemFile()
	c := NewPageCache(f, 2)
	require.Equal(t, common.Err_t(0), c.WritePage(0, bytesOf('a')))
	require.Equal(t, common.Err_t(0), c.WritePage(1, bytesOf('b')))
	_, err := c.ReadPage(0) // read-ahead (window 2) also touches page 1, so page 0 becomes LRU
	require.Equal(t, common.Err_t(0), err)
	require.Equal(t, common.Err_t(0), c.WritePage(2, bytesOf('c'))) // forces eviction of page 0

	require.Len(t, c.pages, 2)
	// the evicted dirty page (page 0) must have been flushed to the backing
	// inode before being dropped, not silently lost.
	buf := make([]byte, pageSize)
	n, rerr := f.ReadAt(buf, 0)
	require.Equal(t, common.Err_t(0), rerr)
	require.Equal(t, pageSize, n)
	require.Equal(t, byte('a'), buf[0])
}

func TestPageCacheReadaheadWindowGrows(t *testing.T) {
	f := newMemFile()
	for i := 0; i < 200; i++ {
		f.WriteAt(bytesOf('x'), int64(i)*pageSize)
	}
	c := NewPageCache(f, 64)
	for pn := int64(0); pn < 5; pn++ {
		_, err := c.ReadPage(pn)
		require.Equal(t, common.Err_t(0), err)
	}
	require.Greater(t, c.readWindow, minReadaheadWin)
}

func TestOpenCreatesMissingFile(t *testing.T) {
	root := newMemDir()
	r := NewResolver(NewMountTable())
	fd, err := Open(r, root, root, "/new.txt", OpenFlags{Create: true}, 0644, common.FD_READ|common.FD_WRITE)
	require.Equal(t, common.Err_t(0), err)
	require.NotNil(t, fd)
}

func TestOpenExclFailsIfExists(t *testing.T) {
	root := newMemDir()
	_, _ = root.Create("f", 0644)
	r := NewResolver(NewMountTable())
	_, err := Open(r, root, root, "/f", OpenFlags{Create: true, Excl: true}, 0644, common.FD_READ)
	require.Equal(t, common.EEXIST, err)
}

func bytesOf(b byte) []byte {
	buf := make([]byte, pageSize)
	for i := range buf {
		buf[i] = b
	}
	return buf
}
