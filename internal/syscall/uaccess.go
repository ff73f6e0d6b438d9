package syscall

import (
	"github.com/justanotherdot/mello/internal/common"
	"github.com/justanotherdot/mello/internal/kerrors"
	"github.com/justanotherdot/mello/internal/mm"
)

// UserIO generalizes the teacher's userio_i: a source/sink for a copy
// that either crosses the user/kernel boundary (UserBuf) or doesn't
// (FakeBuf, NilIO). WriteFrom copies src into the underlying buffer;
// ReadInto copies the underlying buffer into dst -- same asymmetry as
// main.go's uiowrite/uioread, renamed to read better at call sites that
// don't already know which direction "in"/"out" means.
type UserIO interface {
	WriteFrom(src []byte) (int, error)
	ReadInto(dst []byte) (int, error)
	Remain() int
	TotalSize() int
}

// NilIO discards writes and yields nothing on read; the equivalent of
// main.go's zeroubuf, used where a syscall argument position exists but
// the caller supplied no buffer (e.g. recvmsg with no ancillary data
// requested).
type NilIO struct{}

func (NilIO) WriteFrom(src []byte) (int, error) { return 0, nil }
func (NilIO) ReadInto(dst []byte) (int, error)  { return 0, nil }
func (NilIO) Remain() int                       { return 0 }
func (NilIO) TotalSize() int                    { return 0 }

// FakeBuf is a UserIO backed by an ordinary kernel-side byte slice,
// matching main.go's fakeubuf_t: used when kernel code needs to hand a
// UserIO to something generic (e.g. reading an ELF header off disk for
// exec) without actually touching user memory.
type FakeBuf struct {
	buf []byte
	len int
}

func NewFakeBuf(buf []byte) *FakeBuf {
	return &FakeBuf{buf: buf, len: len(buf)}
}

func (f *FakeBuf) Remain() int    { return len(f.buf) }
func (f *FakeBuf) TotalSize() int { return f.len }

func (f *FakeBuf) tx(buf []byte, intoFake bool) (int, error) {
	var n int
	if intoFake {
		n = copy(f.buf, buf)
	} else {
		n = copy(buf, f.buf)
	}
	f.buf = f.buf[n:]
	return n, nil
}

func (f *FakeBuf) WriteFrom(src []byte) (int, error) { return f.tx(src, true) }
func (f *FakeBuf) ReadInto(dst []byte) (int, error)  { return f.tx(dst, false) }

// AddressSpace is the narrow view syscall needs of a process's page
// table: translate and validate, nothing more. internal/mm.PageTable
// satisfies it.
type AddressSpace interface {
	Translate(pml4 common.Pa_t, va common.Va_t) (common.Pa_t, mm.PTE, error)
}

// PhysAccessor reads the byte slice backing a physical page; used to
// reach the bytes a Translate call resolved to. internal/mm.PhysMem
// satisfies it.
type PhysAccessor interface {
	Page(pa common.Pa_t) []byte
}

// UserBuf is a UserIO over a contiguous range of a user process's
// virtual address space, validated page by page as it is walked -- the
// copy_from_user/copy_to_user helpers spec 4.6 calls out by name. Every
// page touched must satisfy: 0 < va < USER_LIMIT, the range must not
// wrap, and the PTE must have the user bit set (and, for writes into
// user memory, the writable bit too).
type UserBuf struct {
	as    AddressSpace
	mem   PhysAccessor
	pml4  common.Pa_t
	va    common.Va_t
	len   int
	total int
}

func NewUserBuf(as AddressSpace, mem PhysAccessor, pml4 common.Pa_t, va common.Va_t, length int) (*UserBuf, error) {
	if va == 0 || length < 0 {
		return nil, kerrors.New(kerrors.BadAddress)
	}
	end := va + common.Va_t(length)
	if end < va || end > common.USER_LIMIT {
		return nil, kerrors.New(kerrors.BadAddress)
	}
	return &UserBuf{as: as, mem: mem, pml4: pml4, va: va, len: length, total: length}, nil
}

func (u *UserBuf) Remain() int    { return u.len }
func (u *UserBuf) TotalSize() int { return u.total }

// tx walks u's remaining range one page at a time, translating and
// validating each page before copying, so a fault partway through a
// multi-page transfer stops at the page boundary it happened on rather
// than touching memory past the bad page.
func (u *UserBuf) tx(buf []byte, toUser bool) (int, error) {
	did := 0
	for len(buf) > 0 && u.len > 0 {
		pageOff := int(u.va) & common.PGOFFSET
		chunk := common.PGSIZE - pageOff
		if chunk > len(buf) {
			chunk = len(buf)
		}
		if chunk > u.len {
			chunk = u.len
		}

		pa, pte, err := u.as.Translate(u.pml4, u.va)
		if err != nil {
			return did, kerrors.New(kerrors.BadAddress)
		}
		if !pte.Has(mm.PTE_U) {
			return did, kerrors.New(kerrors.BadAddress)
		}
		if toUser && !pte.Has(mm.PTE_W) {
			return did, kerrors.New(kerrors.BadAddress)
		}

		pageBase := common.Pa_t(uintptr(pa) &^ common.PGOFFSET)
		page := u.mem.Page(pageBase)
		pageByteOff := int(pa) - int(pageBase)

		var n int
		if toUser {
			n = copy(page[pageByteOff:pageByteOff+chunk], buf[:chunk])
		} else {
			n = copy(buf[:chunk], page[pageByteOff:pageByteOff+chunk])
		}

		buf = buf[n:]
		u.va += common.Va_t(n)
		u.len -= n
		did += n
		if n < chunk {
			break
		}
	}
	return did, nil
}

// WriteFrom implements copy_to_user: src (kernel memory) is copied into
// this user range.
func (u *UserBuf) WriteFrom(src []byte) (int, error) { return u.tx(src, true) }

// ReadInto implements copy_from_user: this user range is copied into dst
// (kernel memory).
func (u *UserBuf) ReadInto(dst []byte) (int, error) { return u.tx(dst, false) }
