// Package sched implements the preemptive round-robin scheduler of spec
// section 4.5: per-CPU runqueues, tick-driven preemption, voluntary
// yield/sleep, spawn, and load balancing. It is grounded on the teacher's
// proc_new (main.go) for the arena-of-locked-slots pattern and atomic id
// allocation, generalized from one global process table into one
// explicit TCB arena per Scheduler so tests don't share global state.
package sched

import (
	"sync"
	"sync/atomic"

	"github.com/justanotherdot/mello/internal/common"
)

type State int

const (
	Ready State = iota
	Running
	Sleeping
	Blocked
	Zombie
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "R"
	case Running:
		return "Running"
	case Sleeping:
		return "S"
	case Blocked:
		return "Blocked"
	case Zombie:
		return "Z"
	case Terminated:
		return "T"
	default:
		return "?"
	}
}

type Priority int

const (
	Low Priority = iota
	Normal
	High
)

// BlockReason names why a task in state Blocked is parked, so the waker
// (ipc_send, a child exiting, wait) knows which queue to search.
type BlockReason int

const (
	BlockNone BlockReason = iota
	BlockIPCReceive
	BlockWaitForChild
)

type RegionType int

const (
	RegionCode RegionType = iota
	RegionData
	RegionBSS
	RegionStack
	RegionHeap
)

// Region is a memory region owned by a task (spec section 3). Invariant:
// regions on the same task never overlap and are always entirely within
// user space.
type Region struct {
	Start, End common.Va_t
	Flags      uint32
	Type       RegionType
}

// SavedContext is the callee-saved register file plus stack pointer a
// context switch swaps in and out. The asm contract (which registers,
// what order) is documented in spec 4.5/4.6/4.4; Go code only ever moves
// this struct as a value, never interprets its bytes.
type SavedContext struct {
	RBX, RBP, R12, R13, R14, R15 uint64
	RSP                          uint64
}

const maxSignals = 64

// TCB is the task control block (spec section 3).
type TCB struct {
	mu sync.Mutex

	ID       uint64
	Name     string
	StackLo  common.Va_t
	StackHi  common.Va_t
	State    State
	Ctx      SavedContext
	Priority Priority
	WakeTick uint64
	HasWake  bool

	BlockReason BlockReason
	BlockPort   int
	ExitCode    int

	Regions []Region

	// POSIX identity
	Pid, Ppid, Pgid, Sid uint64
	TTY                  int

	// signals: two atomic bitsets plus a handler table (64 entries).
	PendingSignals uint64
	SignalMask     uint64
	Handlers       [maxSignals]SignalAction

	LastSyscall int
	CPU         int // CPU id currently/last scheduled on

	// ForkChild marks a TCB created by Fork: spec 4.7 step 4 requires
	// that this task's first resume be indistinguishable from the fork
	// syscall that created it returning 0, not a fresh dispatch. Real
	// hardware bakes that 0 into the kernel-stack frame SYSRETQ
	// eventually restores; this hosted build has no such frame, so the
	// flag stands in for it and is consumed exactly once, by
	// Scheduler.Tick, the first time this task is switched into.
	ForkChild bool
}

type SignalAction struct {
	Handler common.Va_t // 0 = SIG_DFL
	Ignore  bool        // SIG_IGN
}

func (t *TCB) Lock()   { t.mu.Lock() }
func (t *TCB) Unlock() { t.mu.Unlock() }

var nextTaskID uint64

// allocTaskID returns a fresh monotonically increasing task id. Relaxed
// atomic fetch-add is sufficient for uniqueness under SMP (spec section
// 9's "global mutex-protected scalars" note: an atomic counter replaces
// the mutex, uniqueness falls out of fetch-add).
func allocTaskID() uint64 {
	return atomic.AddUint64(&nextTaskID, 1)
}
