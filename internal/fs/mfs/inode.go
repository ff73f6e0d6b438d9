package mfs

import (
	"github.com/justanotherdot/mello/internal/common"
	"github.com/justanotherdot/mello/internal/kerrors"
	"github.com/justanotherdot/mello/internal/vfs"
)

// mfsInode adapts one on-disk inode number to vfs.Inode, so path
// resolution and the fd layer can address a file in this engine without
// either of them knowing a B-tree is involved.
type mfsInode struct {
	fs  *Filesystem
	ino uint64
}

var _ vfs.Inode = (*mfsInode)(nil)

func (n *mfsInode) Ino() uint64 { return n.ino }

func (n *mfsInode) Type() vfs.FileType {
	d, err := n.disk()
	if err != nil {
		return vfs.TypeRegular
	}
	return d.fileType()
}

func (n *mfsInode) disk() (*DiskInode, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	return n.fs.getInode(n.ino)
}

func (n *mfsInode) Stat(dst *common.Stat_t) common.Err_t {
	d, err := n.disk()
	if err != nil {
		return kerrors.ToErrno(err)
	}
	dst.Dev = 0
	dst.Ino = n.ino
	dst.Mode = d.Mode
	dst.Nlink = d.Nlink
	dst.UID = d.UID
	dst.GID = d.GID
	dst.Size = d.Size
	dst.Atime = d.Atime
	dst.Mtime = d.Mtime
	dst.Ctime = d.Ctime
	return 0
}

func (n *mfsInode) Setattr(st *common.Stat_t) common.Err_t {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	d, err := n.fs.getInode(n.ino)
	if err != nil {
		return kerrors.ToErrno(err)
	}
	d.UID = st.UID
	d.GID = st.GID
	d.Mode = (d.Mode &^ 0o7777) | (st.Mode & 0o7777)
	d.Atime = st.Atime
	d.Mtime = st.Mtime
	d.Ctime = st.Ctime
	if err := n.fs.putInode(n.ino, d); err != nil {
		return kerrors.ToErrno(err)
	}
	return 0
}

func (n *mfsInode) Sync() common.Err_t {
	if err := n.fs.Commit(); err != nil {
		return kerrors.ToErrno(err)
	}
	return 0
}

func (n *mfsInode) ReadAt(dst []byte, off int64) (int, common.Err_t) {
	d, err := n.disk()
	if err != nil {
		return 0, kerrors.ToErrno(err)
	}
	if off >= d.Size || len(dst) == 0 {
		return 0, 0
	}
	end := off + int64(len(dst))
	if end > d.Size {
		end = d.Size
	}

	total := 0
	buf := make([]byte, BlockSize)
	for pos := off; pos < end; {
		blockIdx := int(pos / BlockSize)
		if blockIdx >= directBlocks {
			break
		}
		blockOff := pos % BlockSize

		n.fs.mu.Lock()
		rerr := n.fs.readDataBlock(d.Direct[blockIdx], buf)
		n.fs.mu.Unlock()
		if rerr != nil {
			return total, kerrors.ToErrno(rerr)
		}

		chunk := int64(BlockSize) - blockOff
		if pos+chunk > end {
			chunk = end - pos
		}
		copy(dst[total:], buf[blockOff:blockOff+chunk])
		total += int(chunk)
		pos += chunk
	}
	return total, 0
}

func (n *mfsInode) WriteAt(src []byte, off int64) (int, common.Err_t) {
	if len(src) == 0 {
		return 0, 0
	}
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()

	d, err := n.fs.getInode(n.ino)
	if err != nil {
		return 0, kerrors.ToErrno(err)
	}
	end := off + int64(len(src))
	maxSize := int64(directBlocks) * BlockSize
	if end > maxSize {
		return 0, common.ENOSPC
	}

	total := 0
	buf := make([]byte, BlockSize)
	for pos := off; pos < end; {
		blockIdx := int(pos / BlockSize)
		blockOff := pos % BlockSize
		chunk := int64(BlockSize) - blockOff
		if pos+chunk > end {
			chunk = end - pos
		}

		oldLBA := d.Direct[blockIdx]
		if rerr := n.fs.readDataBlock(oldLBA, buf); rerr != nil {
			return total, kerrors.ToErrno(rerr)
		}
		copy(buf[blockOff:blockOff+chunk], src[total:total+int(chunk)])

		newLBA, aerr := n.fs.allocDataBlock()
		if aerr != nil {
			return total, kerrors.ToErrno(aerr)
		}
		if werr := n.fs.dev.WriteBlock(newLBA, buf); werr != nil {
			n.fs.freeDataBlock(newLBA)
			return total, kerrors.ToErrno(kerrors.Wrap(kerrors.IoError, werr, "write data block"))
		}
		n.fs.freeDataBlock(oldLBA)
		if oldLBA == 0 {
			d.Blocks++
		}
		d.Direct[blockIdx] = newLBA

		total += int(chunk)
		pos += chunk
	}

	if end > d.Size {
		d.Size = end
	}
	if err := n.fs.putInode(n.ino, d); err != nil {
		return total, kerrors.ToErrno(err)
	}
	return total, 0
}

func (n *mfsInode) Truncate(size int64) common.Err_t {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()

	d, err := n.fs.getInode(n.ino)
	if err != nil {
		return kerrors.ToErrno(err)
	}
	maxSize := int64(directBlocks) * BlockSize
	if size > maxSize {
		return common.ENOSPC
	}

	firstFreedBlock := int((size + BlockSize - 1) / BlockSize)
	for i := firstFreedBlock; i < directBlocks; i++ {
		if d.Direct[i] != 0 {
			n.fs.freeDataBlock(d.Direct[i])
			d.Direct[i] = 0
			if d.Blocks > 0 {
				d.Blocks--
			}
		}
	}
	d.Size = size
	if err := n.fs.putInode(n.ino, d); err != nil {
		return kerrors.ToErrno(err)
	}
	return 0
}

func (n *mfsInode) Lookup(name string) (vfs.Inode, common.Err_t) {
	n.fs.mu.Lock()
	ino, ok, err := n.fs.lookupDirEntry(n.ino, name)
	n.fs.mu.Unlock()
	if err != nil {
		return nil, kerrors.ToErrno(err)
	}
	if !ok {
		return nil, common.ENOENT
	}
	return &mfsInode{fs: n.fs, ino: ino}, 0
}

func (n *mfsInode) Readdir(offset int) ([]vfs.DirEntry, common.Err_t) {
	n.fs.mu.Lock()
	entries, err := n.fs.readdirEntries(n.ino)
	n.fs.mu.Unlock()
	if err != nil {
		return nil, kerrors.ToErrno(err)
	}
	if offset >= len(entries) {
		return nil, 0
	}
	return entries[offset:], 0
}

func (n *mfsInode) create(name string, mode uint32, t vfs.FileType) (vfs.Inode, common.Err_t) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()

	if _, ok, _ := n.fs.lookupDirEntry(n.ino, name); ok {
		return nil, common.EEXIST
	}
	ino := n.fs.allocIno()
	d := &DiskInode{Mode: modeForType(t, mode&0o7777), Nlink: 1}
	if t == vfs.TypeDir {
		d.Nlink = 2
	}
	if err := n.fs.putInode(ino, d); err != nil {
		return nil, kerrors.ToErrno(err)
	}
	if err := n.fs.addDirEntry(n.ino, name, ino); err != nil {
		return nil, kerrors.ToErrno(err)
	}
	return &mfsInode{fs: n.fs, ino: ino}, 0
}

func (n *mfsInode) Create(name string, mode uint32) (vfs.Inode, common.Err_t) {
	return n.create(name, mode, vfs.TypeRegular)
}

func (n *mfsInode) Mkdir(name string, mode uint32) (vfs.Inode, common.Err_t) {
	return n.create(name, mode, vfs.TypeDir)
}

func (n *mfsInode) Unlink(name string) common.Err_t {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()

	ino, ok, err := n.fs.lookupDirEntry(n.ino, name)
	if err != nil {
		return kerrors.ToErrno(err)
	}
	if !ok {
		return common.ENOENT
	}
	d, derr := n.fs.getInode(ino)
	if derr != nil {
		return kerrors.ToErrno(derr)
	}
	if d.fileType() == vfs.TypeDir {
		return common.EISDIR
	}
	if err := n.fs.removeDirEntry(n.ino, name); err != nil {
		return kerrors.ToErrno(err)
	}
	d.Nlink--
	if d.Nlink == 0 {
		for _, lba := range d.Direct {
			n.fs.freeDataBlock(lba)
		}
		if err := n.fs.deleteInode(ino); err != nil {
			return kerrors.ToErrno(err)
		}
		return 0
	}
	if err := n.fs.putInode(ino, d); err != nil {
		return kerrors.ToErrno(err)
	}
	return 0
}

func (n *mfsInode) Rmdir(name string) common.Err_t {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()

	ino, ok, err := n.fs.lookupDirEntry(n.ino, name)
	if err != nil {
		return kerrors.ToErrno(err)
	}
	if !ok {
		return common.ENOENT
	}
	d, derr := n.fs.getInode(ino)
	if derr != nil {
		return kerrors.ToErrno(derr)
	}
	if d.fileType() != vfs.TypeDir {
		return common.ENOTDIR
	}
	entries, rerr := n.fs.readdirEntries(ino)
	if rerr != nil {
		return kerrors.ToErrno(rerr)
	}
	if len(entries) > 0 {
		// common's errno set carries no ENOTEMPTY; EINVAL is the closest fit.
		return common.EINVAL
	}
	if err := n.fs.removeDirEntry(n.ino, name); err != nil {
		return kerrors.ToErrno(err)
	}
	if err := n.fs.deleteInode(ino); err != nil {
		return kerrors.ToErrno(err)
	}
	return 0
}

func (n *mfsInode) Link(name string, target vfs.Inode) common.Err_t {
	t, ok := target.(*mfsInode)
	if !ok || t.fs != n.fs {
		return common.EOPNOTSUPP
	}
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()

	if _, exists, _ := n.fs.lookupDirEntry(n.ino, name); exists {
		return common.EEXIST
	}
	d, err := n.fs.getInode(t.ino)
	if err != nil {
		return kerrors.ToErrno(err)
	}
	if d.fileType() == vfs.TypeDir {
		return common.EISDIR
	}
	d.Nlink++
	if err := n.fs.putInode(t.ino, d); err != nil {
		return kerrors.ToErrno(err)
	}
	if err := n.fs.addDirEntry(n.ino, name, t.ino); err != nil {
		return kerrors.ToErrno(err)
	}
	return 0
}

func (n *mfsInode) Symlink(name, target string) common.Err_t {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()

	if len(target) > BlockSize {
		return common.ENAMETOOLONG
	}
	if _, exists, _ := n.fs.lookupDirEntry(n.ino, name); exists {
		return common.EEXIST
	}

	ino := n.fs.allocIno()
	d := &DiskInode{Mode: modeForType(vfs.TypeSymlink, 0o777), Nlink: 1}

	buf := make([]byte, BlockSize)
	copy(buf, target)
	lba, aerr := n.fs.allocDataBlock()
	if aerr != nil {
		return kerrors.ToErrno(aerr)
	}
	if werr := n.fs.dev.WriteBlock(lba, buf); werr != nil {
		n.fs.freeDataBlock(lba)
		return kerrors.ToErrno(kerrors.Wrap(kerrors.IoError, werr, "write symlink target"))
	}
	d.Direct[0] = lba
	d.Blocks = 1
	d.Size = int64(len(target))

	if err := n.fs.putInode(ino, d); err != nil {
		return kerrors.ToErrno(err)
	}
	if err := n.fs.addDirEntry(n.ino, name, ino); err != nil {
		return kerrors.ToErrno(err)
	}
	return 0
}

func (n *mfsInode) Readlink() (string, common.Err_t) {
	d, err := n.disk()
	if err != nil {
		return "", kerrors.ToErrno(err)
	}
	if d.fileType() != vfs.TypeSymlink {
		return "", common.EINVAL
	}
	buf := make([]byte, BlockSize)
	n.fs.mu.Lock()
	rerr := n.fs.readDataBlock(d.Direct[0], buf)
	n.fs.mu.Unlock()
	if rerr != nil {
		return "", kerrors.ToErrno(rerr)
	}
	return string(buf[:d.Size]), 0
}
