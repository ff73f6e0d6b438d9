// Package syscall implements the fast-syscall dispatch path of spec
// section 4.6: user-pointer validation (copy_from_user/copy_to_user) and
// the numbered dispatch table. Grounded on main.go's syscall() switch and
// its userio_i/fakeubuf_t/useriovec_t user-copy abstractions, generalized
// from the teacher's fixed syscall set to the one SPEC_FULL.md names.
//
// The SYSCALL/SYSRETQ entry sequence itself is assembly that this
// package cannot express or run in a hosted Go process; its contract is
// documented here in prose so the Go dispatcher below implements exactly
// what that assembly is specified (spec 4.6) to hand it:
//
//  1. swapgs loads the per-CPU pointer into GS.
//  2. The user rsp is saved to a per-CPU slot; the kernel stack (from the
//     TSS or a per-CPU field) is loaded.
//  3. A syscall frame is pushed: user rcx (return RIP), r11 (return
//     RFLAGS), and the callee-clobbered general-purpose registers.
//  4. Interrupts are re-enabled.
//  5. The dispatcher below is called with {id: rax, arg1: rdi, arg2: rsi,
//     arg3: rdx, arg4: r10, arg5: r8, arg6: r9} -- Frame mirrors exactly
//     this register set.
//  6. On return, the frame is restored; rcx and rsp are checked for
//     canonical form (high 17 bits identical) before SYSRETQ -- a
//     non-canonical value diverts to the in-kernel fault handler that
//     terminates the task, never executes SYSRETQ with a corrupt
//     pointer.
//  7. swapgs, SYSRETQ.
package syscall

import "github.com/justanotherdot/mello/internal/common"

// Frame is the syscall argument frame handed to Dispatch, matching the
// register set spec 4.6 step 5 names.
type Frame struct {
	ID   uint64
	Arg1 uint64
	Arg2 uint64
	Arg3 uint64
	Arg4 uint64
	Arg5 uint64
	Arg6 uint64
}

// Canonical reports whether va has its high 17 bits all equal (spec 4.6
// step 6); a real SYSRETQ with a non-canonical rcx triggers a general
// protection fault instead of returning to user mode, so the dispatcher
// must catch this before ever reaching that instruction.
func Canonical(va uint64) bool {
	top := va >> 47
	return top == 0 || top == 0x1ffff
}

// ID is a syscall number, spec 4.6's "subset covered by this spec".
type ID uint64

const (
	SysWrite ID = iota
	SysExit
	SysSleep
	SysIpcSend
	SysIpcRecv
	SysGetpid
	SysYield
	SysFork
	SysWait
	SysExec
	SysOpen
	SysRead
	SysClose
	SysLseek
	SysStat
	SysFstat
	SysMkdir
	SysUnlink
	SysSymlink
	SysReadlink
	SysSync
	SysFsync
	SysMount
	SysUmount
	SysChdir
	SysGetcwd
	SysMmap
	SysMsync
	SysMprotect
	SysBrk
	SysSigaction
	SysSigprocmask
	SysKill
	SysSigreturn
	SysSetpgid
	SysGetpgid
	SysSetsid
	SysTcsetpgrp
)

// Handler executes one syscall given its frame and returns the raw
// return value (already encoded as a negative errno on failure per spec
// 4.6's "Errors" table, via common.Err_t).
type Handler func(f Frame) common.Err_t
