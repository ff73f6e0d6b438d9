package mfs

import (
	"encoding/binary"

	"github.com/justanotherdot/mello/internal/vfs"
)

// directBlocks is a deliberate scope simplification: the single/double/
// triple-indirect fields are present in the on-disk layout (spec 3: "12
// direct block pointers, one single-indirect, one double-indirect, one
// triple-indirect") but this engine only resolves the 12 direct
// pointers -- a file larger than directBlocks*BlockSize returns ENOSPC
// on write rather than walking an indirect block chain. Growing into
// indirect blocks is the same B-tree-backed block-pointer walk either
// way; the 12-direct-block ceiling keeps the engine's read/write path
// to one level of indirection-free lookup, which is where the COW/TxG
// interaction this kernel is built to demonstrate actually lives.
const directBlocks = 12

const diskInodeSize = 256

// DiskInode is spec 3's 256-byte on-disk inode.
type DiskInode struct {
	Mode   uint32
	UID    uint32
	GID    uint32
	Size   int64
	Atime  int64
	Mtime  int64
	Ctime  int64
	Nlink  uint32
	Blocks uint32
	Direct [directBlocks]uint64

	// Present for on-disk format fidelity; unresolved by this engine
	// (see directBlocks).
	Indirect1 uint64
	Indirect2 uint64
	Indirect3 uint64
}

const (
	modeTypeMask = 0xF000
	modeRegular  = 0x8000
	modeDir      = 0x4000
	modeSymlink  = 0xA000
	modeDevice   = 0x2000
)

func (d *DiskInode) fileType() vfs.FileType {
	switch d.Mode & modeTypeMask {
	case modeDir:
		return vfs.TypeDir
	case modeSymlink:
		return vfs.TypeSymlink
	case modeDevice:
		return vfs.TypeDevice
	default:
		return vfs.TypeRegular
	}
}

func modeForType(t vfs.FileType, perm uint32) uint32 {
	switch t {
	case vfs.TypeDir:
		return modeDir | perm
	case vfs.TypeSymlink:
		return modeSymlink | perm
	case vfs.TypeDevice:
		return modeDevice | perm
	default:
		return modeRegular | perm
	}
}

func (d *DiskInode) encode() []byte {
	buf := make([]byte, diskInodeSize)
	binary.LittleEndian.PutUint32(buf[0:], d.Mode)
	binary.LittleEndian.PutUint32(buf[4:], d.UID)
	binary.LittleEndian.PutUint32(buf[8:], d.GID)
	binary.LittleEndian.PutUint64(buf[12:], uint64(d.Size))
	binary.LittleEndian.PutUint64(buf[20:], uint64(d.Atime))
	binary.LittleEndian.PutUint64(buf[28:], uint64(d.Mtime))
	binary.LittleEndian.PutUint64(buf[36:], uint64(d.Ctime))
	binary.LittleEndian.PutUint32(buf[44:], d.Nlink)
	binary.LittleEndian.PutUint32(buf[48:], d.Blocks)
	off := 52
	for i := 0; i < directBlocks; i++ {
		binary.LittleEndian.PutUint64(buf[off:], d.Direct[i])
		off += 8
	}
	binary.LittleEndian.PutUint64(buf[off:], d.Indirect1)
	binary.LittleEndian.PutUint64(buf[off+8:], d.Indirect2)
	binary.LittleEndian.PutUint64(buf[off+16:], d.Indirect3)
	return buf
}

func decodeDiskInode(buf []byte) *DiskInode {
	d := &DiskInode{
		Mode:   binary.LittleEndian.Uint32(buf[0:]),
		UID:    binary.LittleEndian.Uint32(buf[4:]),
		GID:    binary.LittleEndian.Uint32(buf[8:]),
		Size:   int64(binary.LittleEndian.Uint64(buf[12:])),
		Atime:  int64(binary.LittleEndian.Uint64(buf[20:])),
		Mtime:  int64(binary.LittleEndian.Uint64(buf[28:])),
		Ctime:  int64(binary.LittleEndian.Uint64(buf[36:])),
		Nlink:  binary.LittleEndian.Uint32(buf[44:]),
		Blocks: binary.LittleEndian.Uint32(buf[48:]),
	}
	off := 52
	for i := 0; i < directBlocks; i++ {
		d.Direct[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	d.Indirect1 = binary.LittleEndian.Uint64(buf[off:])
	d.Indirect2 = binary.LittleEndian.Uint64(buf[off+8:])
	d.Indirect3 = binary.LittleEndian.Uint64(buf[off+16:])
	return d
}
