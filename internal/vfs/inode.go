// Package vfs implements the kernel's filesystem-independent layer: the
// inode capability interface, iterative path resolution with mount
// substitution, the per-process file-descriptor open path, and a
// per-inode page cache with adaptive read-ahead. internal/fs/mfs is the
// only Inode implementation today, but nothing here names it; a device
// or pipe inode would plug in the same way.
package vfs

import "github.com/justanotherdot/mello/internal/common"

// FileType is the on-disk inode variant (spec 3's "Variants on disk").
type FileType int

const (
	TypeRegular FileType = iota
	TypeDir
	TypeSymlink
	TypeDevice
)

// DirEntry is one entry returned by Inode.Readdir.
type DirEntry struct {
	Name string
	Ino  uint64
	Type FileType
}

// Inode is the capability set spec 3 names: stat, read_at, write_at,
// truncate, create, mkdir, unlink, rmdir, lookup, readdir, link,
// symlink, readlink, setattr, sync. Every method that can fail reports
// it as a common.Err_t so syscall handlers can hand the result straight
// back to userspace without a second translation step.
type Inode interface {
	Ino() uint64
	Type() FileType

	Stat(dst *common.Stat_t) common.Err_t
	Setattr(st *common.Stat_t) common.Err_t
	Sync() common.Err_t

	ReadAt(dst []byte, off int64) (int, common.Err_t)
	WriteAt(src []byte, off int64) (int, common.Err_t)
	Truncate(size int64) common.Err_t

	Lookup(name string) (Inode, common.Err_t)
	Readdir(offset int) ([]DirEntry, common.Err_t)
	Create(name string, mode uint32) (Inode, common.Err_t)
	Mkdir(name string, mode uint32) (Inode, common.Err_t)
	Unlink(name string) common.Err_t
	Rmdir(name string) common.Err_t
	Link(name string, target Inode) common.Err_t
	Symlink(name, target string) common.Err_t
	Readlink() (string, common.Err_t)
}
