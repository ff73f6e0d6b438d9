package mm

import "github.com/justanotherdot/mello/internal/common"

// PTE is one 8-byte page-table entry: a physical address plus flag bits
// (spec section 3). The COW bit lives in one of the three
// software-reserved bits (9-11) the hardware ignores, the same trick the
// teacher's PTE_* constants use.
type PTE uint64

const (
	PTE_P    PTE = 1 << 0 // present
	PTE_W    PTE = 1 << 1 // writable
	PTE_U    PTE = 1 << 2 // user
	PTE_PWT  PTE = 1 << 3 // write-through
	PTE_PCD  PTE = 1 << 4 // no-cache
	PTE_A    PTE = 1 << 5 // accessed
	PTE_D    PTE = 1 << 6 // dirty
	PTE_PS   PTE = 1 << 7 // huge (PDPT/PD level)
	PTE_G    PTE = 1 << 8 // global
	PTE_COW  PTE = 1 << 9 // software: copy-on-write
	PTE_NX   PTE = 1 << 63
	pteAddrMask PTE = 0x000F_FFFF_FFFF_F000
)

func mkpte(pa common.Pa_t, flags PTE) PTE {
	return PTE(uint64(pa)&uint64(pteAddrMask)) | (flags &^ pteAddrMask)
}

func (p PTE) Addr() common.Pa_t { return common.Pa_t(p & pteAddrMask) }
func (p PTE) Has(f PTE) bool    { return p&f == f }
func (p PTE) WithFlags(f PTE) PTE {
	return mkpte(p.Addr(), f)
}

// RWX policy flags used by the convenience mapping entry points.
type Perm int

const (
	PermR Perm = 1 << iota
	PermW
	PermX
)

// ToPTEFlags converts a requested RWX permission into raw PTE flags,
// refusing write+execute combinations (W^X, spec 4.2). ok is false if the
// combination is rejected; callers must treat that as a programming error
// in kernel code (never a user-triggerable path -- user requests are
// filtered earlier, e.g. mmap's prot validation).
func ToPTEFlags(p Perm, user bool) (PTE, bool) {
	if p&PermW != 0 && p&PermX != 0 {
		return 0, false
	}
	var f PTE = PTE_P
	if p&PermW != 0 {
		f |= PTE_W
	}
	if user {
		f |= PTE_U
	}
	if p&PermX == 0 {
		f |= PTE_NX
	}
	return f, true
}
