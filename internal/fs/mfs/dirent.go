package mfs

import (
	"encoding/binary"

	"github.com/justanotherdot/mello/internal/kerrors"
)

// dirKey is the directory tree's key shape, spec 3/4.13: "{parent inode,
// name}". Packing parent_ino first keeps every entry for a directory
// contiguous in key order (Btree.AscendPrefix relies on this for
// Readdir).
func dirKey(parentIno uint64, name string) []byte {
	key := make([]byte, 8+len(name))
	binary.LittleEndian.PutUint64(key[0:], parentIno)
	copy(key[8:], name)
	return key
}

func dirKeyPrefix(parentIno uint64) []byte {
	prefix := make([]byte, 8)
	binary.LittleEndian.PutUint64(prefix, parentIno)
	return prefix
}

func dirKeyName(key []byte) string {
	return string(key[8:])
}

// encodeDirValue packs one directory entry's value per spec section 6:
// "(inode:u64 little-endian, name_len:u16 little-endian, name:bytes)".
// The name is carried a second time here (it's already the key's
// suffix) so a value read off a leaf is a self-contained dirent in the
// on-disk wire shape section 6 specifies, independent of how the key
// happens to be built.
func encodeDirValue(ino uint64, name string) []byte {
	buf := make([]byte, 8+2+len(name))
	binary.LittleEndian.PutUint64(buf[0:], ino)
	binary.LittleEndian.PutUint16(buf[8:], uint16(len(name)))
	copy(buf[10:], name)
	return buf
}

func decodeDirValue(buf []byte) (ino uint64, name string, err error) {
	if len(buf) < 10 {
		return 0, "", kerrors.New(kerrors.InvalidFormat)
	}
	ino = binary.LittleEndian.Uint64(buf[0:])
	nlen := int(binary.LittleEndian.Uint16(buf[8:]))
	if 10+nlen > len(buf) {
		return 0, "", kerrors.New(kerrors.InvalidFormat)
	}
	name = string(buf[10 : 10+nlen])
	return ino, name, nil
}
