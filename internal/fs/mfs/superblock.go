package mfs

import (
	"encoding/binary"

	"github.com/justanotherdot/mello/internal/kerrors"
)

const sbMagic uint32 = 0x4D465330 // "MFS0"

const (
	superblockLBAPrimary   = 0
	superblockLBAAlternate = 1
	firstFreeLBA           = 2
)

const sbFeatureBits uint64 = 0 // no optional features defined yet; any set bit we don't recognize refuses mount.

// Superblock is spec 4.13/3's superblock: "names the current root of
// each B-tree (inode, directory, block allocator), the current TxG id,
// and the location of an alternate superblock."
type Superblock struct {
	Magic        uint32
	FeatureBits  uint64
	TxgID        uint64
	NextNodeID   uint64
	NextIno      uint64
	InodeRootLBA uint64
	DirRootLBA   uint64

	// AllocRootLBA is carried for on-disk format fidelity with spec 3/6
	// ("names the current root of each B-tree (inode, directory, block
	// allocator)") but is always zero: this engine reconstructs the
	// allocator's free-block index at Mount by walking InodeRootLBA and
	// DirRootLBA instead of maintaining a third persisted tree (see
	// Mount's doc comment in fs.go).
	AllocRootLBA uint64
	RootIno      uint64
	Checksum     uint64
}

const sbChecksumOffset = 4 + 8 + 8 + 8 + 8 + 8 + 8 + 8 + 8 // everything before the checksum field

func (sb *Superblock) encode() []byte {
	buf := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(buf[0:], sb.Magic)
	binary.LittleEndian.PutUint64(buf[4:], sb.FeatureBits)
	binary.LittleEndian.PutUint64(buf[12:], sb.TxgID)
	binary.LittleEndian.PutUint64(buf[20:], sb.NextNodeID)
	binary.LittleEndian.PutUint64(buf[28:], sb.NextIno)
	binary.LittleEndian.PutUint64(buf[36:], sb.InodeRootLBA)
	binary.LittleEndian.PutUint64(buf[44:], sb.DirRootLBA)
	binary.LittleEndian.PutUint64(buf[52:], sb.AllocRootLBA)
	binary.LittleEndian.PutUint64(buf[60:], sb.RootIno)
	cs := checksum(buf[:sbChecksumOffset])
	sb.Checksum = uint64(cs)
	binary.LittleEndian.PutUint64(buf[68:], sb.Checksum)
	return buf
}

func decodeSuperblock(buf []byte) (*Superblock, error) {
	sb := &Superblock{
		Magic:        binary.LittleEndian.Uint32(buf[0:]),
		FeatureBits:  binary.LittleEndian.Uint64(buf[4:]),
		TxgID:        binary.LittleEndian.Uint64(buf[12:]),
		NextNodeID:   binary.LittleEndian.Uint64(buf[20:]),
		NextIno:      binary.LittleEndian.Uint64(buf[28:]),
		InodeRootLBA: binary.LittleEndian.Uint64(buf[36:]),
		DirRootLBA:   binary.LittleEndian.Uint64(buf[44:]),
		AllocRootLBA: binary.LittleEndian.Uint64(buf[52:]),
		RootIno:      binary.LittleEndian.Uint64(buf[60:]),
		Checksum:     binary.LittleEndian.Uint64(buf[68:]),
	}
	if sb.Magic != sbMagic {
		return nil, kerrors.New(kerrors.InvalidFormat)
	}
	if uint64(checksum(buf[:sbChecksumOffset])) != sb.Checksum {
		return nil, kerrors.New(kerrors.ChecksumMismatch)
	}
	if sb.FeatureBits&^sbFeatureBits != 0 {
		return nil, kerrors.New(kerrors.NotSupported)
	}
	return sb, nil
}

// readSuperblockSlot reads and validates one superblock slot, reporting
// whether it is usable at all (spec 4.13: "on checksum failure the other
// slot is tried").
func readSuperblockSlot(dev BlockDevice, lba uint64) (*Superblock, bool) {
	buf := make([]byte, BlockSize)
	if err := dev.ReadBlock(lba, buf); err != nil {
		return nil, false
	}
	sb, err := decodeSuperblock(buf)
	if err != nil {
		return nil, false
	}
	return sb, true
}

// chooseSuperblock implements spec 4.13's mount rule: "the superblock
// with the higher txg_id and valid checksum is chosen; on checksum
// failure the other slot is tried." It also reports which slot number
// the winner came from, so the next commit targets the *other* slot.
func chooseSuperblock(dev BlockDevice) (sb *Superblock, wonSlot int, err error) {
	primary, primaryOK := readSuperblockSlot(dev, superblockLBAPrimary)
	alternate, alternateOK := readSuperblockSlot(dev, superblockLBAAlternate)

	switch {
	case primaryOK && alternateOK:
		if primary.TxgID >= alternate.TxgID {
			return primary, superblockLBAPrimary, nil
		}
		return alternate, superblockLBAAlternate, nil
	case primaryOK:
		return primary, superblockLBAPrimary, nil
	case alternateOK:
		return alternate, superblockLBAAlternate, nil
	default:
		return nil, 0, kerrors.New(kerrors.ChecksumMismatch)
	}
}
