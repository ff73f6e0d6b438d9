package vfs

import (
	"sync"

	"github.com/justanotherdot/mello/internal/common"
)

// MountTable maps a mount-point inode id to the root inode of the
// substitute filesystem mounted there (spec 4.11: "A mount table maps
// mount-point inode ids to substitute superblocks; path resolution
// substitutes accordingly"). The table is keyed on the underlying inode
// id rather than a path string so a rename of the mount-point directory
// never invalidates an active mount.
type MountTable struct {
	mu     sync.RWMutex
	mounts map[uint64]Inode
}

func NewMountTable() *MountTable {
	return &MountTable{mounts: make(map[uint64]Inode)}
}

// Mount installs root as the substitute tree rooted at mountPointIno.
func (m *MountTable) Mount(mountPointIno uint64, root Inode) common.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.mounts[mountPointIno]; exists {
		return common.EEXIST
	}
	m.mounts[mountPointIno] = root
	return 0
}

func (m *MountTable) Unmount(mountPointIno uint64) common.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.mounts[mountPointIno]; !exists {
		return common.EINVAL
	}
	delete(m.mounts, mountPointIno)
	return 0
}

// Substitute returns the mounted root for ino, if any, and whether one
// exists -- the resolver calls this after every lookup step.
func (m *MountTable) Substitute(ino uint64) (Inode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	root, ok := m.mounts[ino]
	return root, ok
}
