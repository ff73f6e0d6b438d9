package mfs

import "github.com/pkg/errors"

// BlockSize is the fixed on-disk block size; every structure (superblock,
// inode block, B-tree node) occupies a whole number of blocks.
const BlockSize = 4096

// BlockDevice is the block-read/block-write interface the filesystem
// engine consumes -- the specific device driver is explicitly out of
// scope (spec 1's "Explicitly OUT of scope... the specific block device
// driver, consumed as a block-read/block-write interface").
type BlockDevice interface {
	ReadBlock(lba uint64, buf []byte) error
	WriteBlock(lba uint64, buf []byte) error
	NumBlocks() uint64
	Flush() error
}

// MemDevice is an in-memory BlockDevice for tests; cmd/mkmfs and
// cmd/mellokernel use FileDevice, and a real boot would hand the engine a
// device backed by the actual disk driver instead.
type MemDevice struct {
	blocks [][]byte
}

func NewMemDevice(numBlocks uint64) *MemDevice {
	blocks := make([][]byte, numBlocks)
	for i := range blocks {
		blocks[i] = make([]byte, BlockSize)
	}
	return &MemDevice{blocks: blocks}
}

func (d *MemDevice) ReadBlock(lba uint64, buf []byte) error {
	if lba >= uint64(len(d.blocks)) {
		return errors.Errorf("mfs: read beyond device end: lba=%d", lba)
	}
	copy(buf, d.blocks[lba])
	return nil
}

func (d *MemDevice) WriteBlock(lba uint64, buf []byte) error {
	if lba >= uint64(len(d.blocks)) {
		return errors.Errorf("mfs: write beyond device end: lba=%d", lba)
	}
	copy(d.blocks[lba], buf)
	return nil
}

func (d *MemDevice) NumBlocks() uint64 { return uint64(len(d.blocks)) }
func (d *MemDevice) Flush() error      { return nil }
