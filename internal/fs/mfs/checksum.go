package mfs

import "hash/crc32"

// crc32cTable is the Castagnoli polynomial table (spec 4.13: "every
// metadata block carries a CRC32C"). No example repo in the corpus wires
// a dedicated CRC32C library (and none expose a hardware-accelerated
// table beyond what crc32.MakeTable already gives), so this is the one
// deliberately stdlib-only concern in the filesystem engine.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func checksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// checksumZeroed computes the checksum of buf with the fieldOff:fieldOff+8
// checksum field itself zeroed -- the convention B-tree node blocks use so
// a block's stored checksum is reproducible by recomputing it from the
// block bytes. The superblock instead checksums only the bytes that
// precede its checksum field.
func checksumZeroed(buf []byte, fieldOff int) uint32 {
	scratch := make([]byte, len(buf))
	copy(scratch, buf)
	for i := 0; i < 8; i++ {
		scratch[fieldOff+i] = 0
	}
	return checksum(scratch)
}
