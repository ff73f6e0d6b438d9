package mfs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/justanotherdot/mello/internal/common"
	"github.com/justanotherdot/mello/internal/klog"
	"github.com/justanotherdot/mello/internal/vfs"
)

const common0 common.Err_t = 0

func newTestFS(t *testing.T) (*Filesystem, BlockDevice) {
	t.Helper()
	dev := NewMemDevice(4096)
	fs, err := Format(dev, klog.Discard())
	require.NoError(t, err)
	return fs, dev
}

func TestFormatCreatesRootDir(t *testing.T) {
	fs, _ := newTestFS(t)
	root := fs.Root()
	require.Equal(t, rootDirIno, root.Ino())
	require.Equal(t, vfs.TypeDir, root.Type())

	entries, errno := root.Readdir(0)
	require.Equal(t, common0, errno)
	require.Empty(t, entries)
}

func TestCreateWriteReadFile(t *testing.T) {
	fs, _ := newTestFS(t)
	root := fs.Root()

	f, errno := root.Create("hello.txt", 0o644)
	require.Equal(t, common0, errno)

	n, errno := f.WriteAt([]byte("HELLO"), 0)
	require.Equal(t, common0, errno)
	require.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, errno = f.ReadAt(buf, 0)
	require.Equal(t, common0, errno)
	require.Equal(t, 5, n)
	require.Equal(t, "HELLO", string(buf))

	var st common.Stat_t
	errno = f.Stat(&st)
	require.Equal(t, common0, errno)
	require.Equal(t, int64(5), st.Size)
}

func TestLookupAndReaddir(t *testing.T) {
	fs, _ := newTestFS(t)
	root := fs.Root()

	_, errno := root.Create("a", 0o644)
	require.Equal(t, common0, errno)
	_, errno = root.Mkdir("b", 0o755)
	require.Equal(t, common0, errno)

	entries, errno := root.Readdir(0)
	require.Equal(t, common0, errno)
	require.Len(t, entries, 2)

	got, errno := root.Lookup("b")
	require.Equal(t, common0, errno)
	require.Equal(t, vfs.TypeDir, got.Type())

	_, errno = root.Lookup("missing")
	require.NotEqual(t, common0, errno)
}

func TestUnlinkRemovesEntryAndFreesInodeAtZeroNlink(t *testing.T) {
	fs, _ := newTestFS(t)
	root := fs.Root()

	f, errno := root.Create("doomed", 0o644)
	require.Equal(t, common0, errno)
	ino := f.Ino()
	_, errno = f.WriteAt([]byte("x"), 0)
	require.Equal(t, common0, errno)

	errno = root.Unlink("doomed")
	require.Equal(t, common0, errno)

	_, errno = root.Lookup("doomed")
	require.NotEqual(t, common0, errno)

	fs.mu.Lock()
	_, gerr := fs.getInode(ino)
	fs.mu.Unlock()
	require.Error(t, gerr)
}

func TestRmdirRefusesNonEmpty(t *testing.T) {
	fs, _ := newTestFS(t)
	root := fs.Root()

	dir, errno := root.Mkdir("d", 0o755)
	require.Equal(t, common0, errno)
	di := dir.(*mfsInode)
	_, errno = di.Create("child", 0o644)
	require.Equal(t, common0, errno)

	errno = root.Rmdir("d")
	require.NotEqual(t, common0, errno)
}

func TestSymlinkRoundTrip(t *testing.T) {
	fs, _ := newTestFS(t)
	root := fs.Root()

	errno := root.Symlink("link", "/target/path")
	require.Equal(t, common0, errno)

	n, errno := root.Lookup("link")
	require.Equal(t, common0, errno)
	require.Equal(t, vfs.TypeSymlink, n.Type())

	target, errno := n.Readlink()
	require.Equal(t, common0, errno)
	require.Equal(t, "/target/path", target)
}

// TestCommitThenMountSeesDurableData exercises spec 8 scenario 5's shape:
// write, commit (the stand-in for msync(MS_SYNC)), then mount a fresh
// Filesystem over the same device and read the data back.
func TestCommitThenMountSeesDurableData(t *testing.T) {
	fs, dev := newTestFS(t)
	root := fs.Root()

	f, errno := root.Create("durable", 0o644)
	require.Equal(t, common0, errno)
	_, errno = f.WriteAt([]byte("HELLO"), 0)
	require.Equal(t, common0, errno)

	require.NoError(t, fs.Commit())

	remounted, err := Mount(dev, klog.Discard())
	require.NoError(t, err)

	got, errno := remounted.Root().Lookup("durable")
	require.Equal(t, common0, errno)

	buf := make([]byte, 5)
	n, errno := got.ReadAt(buf, 0)
	require.Equal(t, common0, errno)
	require.Equal(t, 5, n)
	require.Equal(t, "HELLO", string(buf))
}

// TestMountReconstructsFreeBlocksExcludesLiveData guards testable
// property 7 ("the in-memory free-block count equals the total blocks
// minus blocks reachable from the allocator tree"): a remount must
// reconstruct the same free-block count the live filesystem had, and
// must never hand out a block still holding committed data.
func TestMountReconstructsFreeBlocksExcludesLiveData(t *testing.T) {
	fs, dev := newTestFS(t)
	root := fs.Root()

	f, errno := root.Create("keepme", 0o644)
	require.Equal(t, common0, errno)
	_, errno = f.WriteAt([]byte("PRECIOUS"), 0)
	require.Equal(t, common0, errno)
	require.NoError(t, fs.Commit())

	freeBeforeRemount := fs.alloc.FreeBlocks()

	remounted, err := Mount(dev, klog.Discard())
	require.NoError(t, err)
	require.Equal(t, freeBeforeRemount, remounted.alloc.FreeBlocks())

	for i := 0; i < 20; i++ {
		_, errno := remounted.Root().Create(fmt.Sprintf("new%d", i), 0o644)
		require.Equal(t, common0, errno)
	}

	got, errno := remounted.Root().Lookup("keepme")
	require.Equal(t, common0, errno)
	buf := make([]byte, 8)
	n, errno := got.ReadAt(buf, 0)
	require.Equal(t, common0, errno)
	require.Equal(t, 8, n)
	require.Equal(t, "PRECIOUS", string(buf))
}

func TestChecksumMismatchOnCorruptedNodeRejectsRead(t *testing.T) {
	fs, dev := newTestFS(t)
	require.NoError(t, fs.Commit())

	mem := dev.(*MemDevice)
	buf := make([]byte, BlockSize)
	require.NoError(t, mem.ReadBlock(fs.inodes.RootLBA(), buf))
	buf[nodeHeaderSize] ^= 0xff // flip a byte inside the encoded key/value region
	require.NoError(t, mem.WriteBlock(fs.inodes.RootLBA(), buf))

	_, err := fs.inodes.Search(inoKey(rootDirIno))
	require.Error(t, err)
}
