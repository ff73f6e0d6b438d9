package vfs

import (
	"strings"
	"sync"

	"github.com/justanotherdot/mello/internal/common"
)

// OpenFlags mirrors the subset of POSIX open(2) flags spec 4.11 names:
// "Opening creates or looks up the inode according to O_CREAT/O_EXCL/O_TRUNC."
type OpenFlags struct {
	Create    bool
	Excl      bool
	Trunc     bool
	Directory bool
	NoFollow  bool
	Append    bool
}

const pageCacheCapacityPerFile = 64

// Open resolves path (creating it under O_CREAT semantics if missing)
// and returns a ready-to-install common.Fd_t. perms is the FD_READ/
// FD_WRITE bitmask the caller has already derived from the access mode.
func Open(r *Resolver, root, cwd Inode, path string, flags OpenFlags, mode uint32, perms int) (*common.Fd_t, common.Err_t) {
	opts := ResolveOpts{NoFollowTrailingSymlink: flags.NoFollow}
	node, err := r.Resolve(root, cwd, path, opts)
	switch {
	case err == 0:
		if flags.Create && flags.Excl {
			return nil, common.EEXIST
		}
	case err == common.ENOENT && flags.Create:
		parent, name, perr := resolveParent(r, root, cwd, path)
		if perr != 0 {
			return nil, perr
		}
		node, err = parent.Create(name, mode)
		if err != 0 {
			return nil, err
		}
	default:
		return nil, err
	}
	if flags.Directory && node.Type() != TypeDir {
		return nil, common.ENOTDIR
	}
	if flags.Trunc && node.Type() == TypeRegular {
		if terr := node.Truncate(0); terr != 0 {
			return nil, terr
		}
	}

	f := &file{inode: node, cache: NewPageCache(node, pageCacheCapacityPerFile)}
	return &common.Fd_t{Fops: f, Perms: perms}, 0
}

// resolveParent splits path into its parent directory and final
// component, resolving only the parent -- the create path needs the
// parent inode and the literal leaf name, not the (nonexistent) leaf.
func resolveParent(r *Resolver, root, cwd Inode, path string) (Inode, string, common.Err_t) {
	trimmed := strings.TrimSuffix(path, "/")
	idx := strings.LastIndex(trimmed, "/")
	var dirPath, name string
	if idx < 0 {
		dirPath, name = ".", trimmed
	} else if idx == 0 {
		dirPath, name = "/", trimmed[1:]
	} else {
		dirPath, name = trimmed[:idx], trimmed[idx+1:]
	}
	if name == "" {
		return nil, "", common.EINVAL
	}
	parent, err := r.Resolve(root, cwd, dirPath, ResolveOpts{})
	if err != 0 {
		return nil, "", err
	}
	if parent.Type() != TypeDir {
		return nil, "", common.ENOTDIR
	}
	return parent, name, 0
}

// file implements common.Fops_i over an Inode plus its page cache; it
// is what Open hands back inside a common.Fd_t.
type file struct {
	mu    sync.Mutex
	inode Inode
	cache *PageCache
}

func (f *file) Read(dst []byte, offset int64) (int, common.Err_t) {
	total := 0
	for total < len(dst) {
		pageNum := (offset + int64(total)) / pageSize
		pageOff := (offset + int64(total)) % pageSize
		page, err := f.cache.ReadPage(pageNum)
		if err != 0 {
			if total > 0 {
				return total, 0
			}
			return 0, err
		}
		n := copy(dst[total:], page[pageOff:])
		total += n
		if n == 0 {
			break
		}
	}
	return total, 0
}

func (f *file) Write(src []byte, offset int64, append bool) (int, common.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if append {
		var st common.Stat_t
		if err := f.inode.Stat(&st); err != 0 {
			return 0, err
		}
		offset = st.Size
	}
	total := 0
	for total < len(src) {
		pageNum := (offset + int64(total)) / pageSize
		pageOff := (offset + int64(total)) % pageSize
		page, err := f.cache.ReadPage(pageNum)
		if err != 0 {
			page = make([]byte, pageSize)
		}
		n := copy(page[pageOff:], src[total:])
		if werr := f.cache.WritePage(pageNum, page); werr != 0 {
			return total, werr
		}
		total += n
	}
	return total, 0
}

func (f *file) Close() common.Err_t {
	return f.cache.Fsync()
}

func (f *file) Reopen() common.Err_t {
	return 0
}

func (f *file) Stat(dst *common.Stat_t) common.Err_t {
	return f.inode.Stat(dst)
}

// Inode returns the backing inode, so callers that need it for path
// resolution (chdir/getcwd's "resolve relative to a Fd_t") can reach past
// the narrow common.Fops_i surface. FdInode is the interface other
// packages type-assert a common.Fd_t.Fops against, rather than importing
// this unexported type.
func (f *file) Inode() Inode { return f.inode }

// FdInode is satisfied by any common.Fops_i that is backed by a VFS
// inode (every regular open file; not a pty endpoint or a pipe).
type FdInode interface {
	Inode() Inode
}
