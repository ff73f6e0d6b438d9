package mfs

import (
	"os"

	"github.com/pkg/errors"
)

// FileDevice is a BlockDevice backed by a real file, the device cmd/mkmfs
// formats an image onto -- MemDevice's test/dry-run-only counterpart for
// when the image actually needs to land on disk.
type FileDevice struct {
	f         *os.File
	numBlocks uint64
}

// OpenFileDevice opens (creating if absent) path and sizes it to
// numBlocks*BlockSize, the fixed-size image layout spec 6's "block size
// is fixed per filesystem" assumes.
func OpenFileDevice(path string, numBlocks uint64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "mfs: open image")
	}
	if err := f.Truncate(int64(numBlocks) * BlockSize); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "mfs: size image")
	}
	return &FileDevice{f: f, numBlocks: numBlocks}, nil
}

func (d *FileDevice) ReadBlock(lba uint64, buf []byte) error {
	if lba >= d.numBlocks {
		return errors.Errorf("mfs: read beyond device end: lba=%d", lba)
	}
	_, err := d.f.ReadAt(buf, int64(lba)*BlockSize)
	return err
}

func (d *FileDevice) WriteBlock(lba uint64, buf []byte) error {
	if lba >= d.numBlocks {
		return errors.Errorf("mfs: write beyond device end: lba=%d", lba)
	}
	_, err := d.f.WriteAt(buf, int64(lba)*BlockSize)
	return err
}

func (d *FileDevice) NumBlocks() uint64 { return d.numBlocks }

func (d *FileDevice) Flush() error { return d.f.Sync() }

func (d *FileDevice) Close() error { return d.f.Close() }
