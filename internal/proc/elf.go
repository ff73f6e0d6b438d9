package proc

import (
	"encoding/binary"

	"github.com/justanotherdot/mello/internal/common"
	"github.com/justanotherdot/mello/internal/kerrors"
)

// ELF64 constants, spec 4.8 step 3.
const (
	elfMagic0 = 0x7f
	elfClass64 = 2
	elfDataLSB = 1

	etExec = 2
	etDyn  = 3

	emX86_64 = 62

	ptLoad = 1

	pfX = 1
	pfW = 2
	pfR = 4
)

// Ehdr is the subset of the ELF64 file header exec needs.
type Ehdr struct {
	Type     uint16
	Machine  uint16
	Entry    uint64
	Phoff    uint64
	Phentsz  uint16
	Phnum    uint16
}

// Phdr is one ELF64 program header.
type Phdr struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Filesz uint64
	Memsz  uint64
}

const ehdrSize = 64
const phdrSize = 56

// ParseELF validates and parses an ELF64 image per spec 4.8 step 3:
// magic, class, endianness, type, machine, and that every program header
// lies inside the file.
func ParseELF(buf []byte) (Ehdr, []Phdr, error) {
	var eh Ehdr
	if len(buf) < ehdrSize {
		return eh, nil, kerrors.New(kerrors.InvalidFormat)
	}
	if buf[0] != elfMagic0 || buf[1] != 'E' || buf[2] != 'L' || buf[3] != 'F' {
		return eh, nil, kerrors.New(kerrors.InvalidFormat)
	}
	if buf[4] != elfClass64 || buf[5] != elfDataLSB {
		return eh, nil, kerrors.New(kerrors.InvalidFormat)
	}

	eh.Type = binary.LittleEndian.Uint16(buf[16:18])
	eh.Machine = binary.LittleEndian.Uint16(buf[18:20])
	eh.Entry = binary.LittleEndian.Uint64(buf[24:32])
	eh.Phoff = binary.LittleEndian.Uint64(buf[32:40])
	eh.Phentsz = binary.LittleEndian.Uint16(buf[54:56])
	eh.Phnum = binary.LittleEndian.Uint16(buf[56:58])

	if eh.Type != etExec && eh.Type != etDyn {
		return eh, nil, kerrors.New(kerrors.InvalidFormat)
	}
	if eh.Machine != emX86_64 {
		return eh, nil, kerrors.New(kerrors.InvalidFormat)
	}
	if common.Va_t(eh.Entry) >= common.USER_LIMIT {
		return eh, nil, kerrors.New(kerrors.InvalidFormat)
	}

	phdrs := make([]Phdr, 0, eh.Phnum)
	for i := 0; i < int(eh.Phnum); i++ {
		off := eh.Phoff + uint64(i)*uint64(eh.Phentsz)
		if off+phdrSize > uint64(len(buf)) {
			return eh, nil, kerrors.New(kerrors.InvalidFormat)
		}
		b := buf[off : off+phdrSize]
		ph := Phdr{
			Type:   binary.LittleEndian.Uint32(b[0:4]),
			Flags:  binary.LittleEndian.Uint32(b[4:8]),
			Offset: binary.LittleEndian.Uint64(b[8:16]),
			Vaddr:  binary.LittleEndian.Uint64(b[16:24]),
			Filesz: binary.LittleEndian.Uint64(b[32:40]),
			Memsz:  binary.LittleEndian.Uint64(b[40:48]),
		}
		if ph.Type != ptLoad {
			phdrs = append(phdrs, ph)
			continue
		}
		if ph.Offset+ph.Filesz > uint64(len(buf)) {
			return eh, nil, kerrors.New(kerrors.InvalidFormat)
		}
		lo := common.Va_t(ph.Vaddr)
		hi := lo + common.Va_t(ph.Memsz)
		if hi < lo || hi > common.USER_LIMIT {
			return eh, nil, kerrors.New(kerrors.InvalidFormat)
		}
		phdrs = append(phdrs, ph)
	}
	return eh, phdrs, nil
}
