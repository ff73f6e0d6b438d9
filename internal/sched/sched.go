package sched

import (
	"sort"
	"sync"

	"github.com/go-logr/logr"

	"github.com/justanotherdot/mello/internal/kerrors"
)

// PerCPU mirrors spec section 3's per-CPU structure. ApicID and TimerHz
// are bookkeeping for the platform layer (LAPIC timer calibration); the
// scheduler only touches ID, Current/Idle task ids, and the runqueue.
type PerCPU struct {
	mu sync.Mutex

	ID      int
	ApicID  int
	TimerHz uint64

	Current uint64 // task id currently running on this CPU, 0 = none yet
	Idle    uint64 // idle task id for this CPU

	rq *Runqueue
}

// Rescheduler is the narrow interface the scheduler needs from the SMP
// layer: send a reschedule IPI to a CPU after enqueuing a task there from
// a different CPU. internal/smp implements this; sched only depends on
// the interface, so it never imports internal/smp.
type Rescheduler interface {
	SendReschedule(cpu int)
}

// Scheduler owns the TCB arena and every CPU's runqueue. One instance per
// kernel (or per test).
type Scheduler struct {
	log   logr.Logger
	ipi   Rescheduler
	depth int

	mu    sync.Mutex
	tasks map[uint64]*TCB
	cpus  []*PerCPU

	// sleepers holds tasks in state Sleeping, scanned by Tick (spec
	// 4.5: "the timer tick on each CPU scans its sleeping tasks").
	sleepMu  sync.Mutex
	sleepers map[uint64]struct{}
}

func NewScheduler(ncpu, runqueueDepth int, ipi Rescheduler, log logr.Logger) *Scheduler {
	s := &Scheduler{
		log:      log,
		ipi:      ipi,
		depth:    runqueueDepth,
		tasks:    make(map[uint64]*TCB),
		sleepers: make(map[uint64]struct{}),
	}
	for i := 0; i < ncpu; i++ {
		s.cpus = append(s.cpus, &PerCPU{ID: i, rq: NewRunqueue(runqueueDepth)})
	}
	return s
}

// SetIdle registers cpu's idle task id, created by the caller at boot
// (the idle task itself is an ordinary TCB whose entry point is an
// hlt-loop; internal/platform supplies that loop). Spawn queued the idle
// task like any other, so it is taken back off every runqueue here: Tick
// runs it only when a queue is empty.
func (s *Scheduler) SetIdle(cpu int, idleID uint64) {
	s.cpus[cpu].Idle = idleID
	for _, pc := range s.cpus {
		pc.mu.Lock()
		pc.rq.Remove(idleID)
		pc.mu.Unlock()
	}
}

func (s *Scheduler) Task(id uint64) (*TCB, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

func (s *Scheduler) NCPU() int { return len(s.cpus) }

func (s *Scheduler) shortestQueueCPU() int {
	best, bestLen := 0, s.cpus[0].rq.Len()
	for i := 1; i < len(s.cpus); i++ {
		if l := s.cpus[i].rq.Len(); l < bestLen {
			best, bestLen = i, l
		}
	}
	return best
}

// Spawn allocates a TCB, picks the CPU with the shortest runqueue, and
// enqueues it there. If that CPU is not the caller's, a reschedule IPI is
// sent (spec 4.5). The initial SavedContext is supplied by the caller
// (internal/proc's Spawn and Fork), since it differs by caller; Spawn
// here only owns TCB bookkeeping and queue placement.
func (s *Scheduler) Spawn(name string, prio Priority, stackLo, stackHi uint64, ctx SavedContext, callerCPU int) (*TCB, error) {
	tcb := &TCB{
		ID:       allocTaskID(),
		Name:     name,
		State:    Ready,
		Priority: prio,
		Ctx:      ctx,
	}

	s.mu.Lock()
	s.tasks[tcb.ID] = tcb
	s.mu.Unlock()

	target := s.shortestQueueCPU()
	cpu := s.cpus[target]
	cpu.mu.Lock()
	var err error
	if prio == High {
		err = cpu.rq.PushFront(tcb.ID)
	} else {
		err = cpu.rq.PushBack(tcb.ID)
	}
	cpu.mu.Unlock()
	if err != nil {
		s.mu.Lock()
		delete(s.tasks, tcb.ID)
		s.mu.Unlock()
		return nil, err
	}
	tcb.CPU = target

	if target != callerCPU && s.ipi != nil {
		s.ipi.SendReschedule(target)
	}
	return tcb, nil
}

// Tick implements spec 4.5's per-tick algorithm: if the current non-idle
// task is Running, requeue it; pop the next ready task (or the idle task
// if empty); report whether a switch is needed and which task to resume.
// The actual register save/restore is the asm context switch the spec
// documents in prose (4.5) -- Tick only decides *what* runs next. It
// also consumes the popped task's ForkChild flag (spec 4.7 step 4: the
// first switch into a forked child must resume it as fork returning 0).
func (s *Scheduler) Tick(currentTick uint64, cpu int) (next uint64, switched bool) {
	s.wakeSleepers(currentTick)

	pc := s.cpus[cpu]
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.Current != 0 && pc.Current != pc.Idle {
		if t, ok := s.Task(pc.Current); ok {
			t.Lock()
			wasRunning := t.State == Running
			if wasRunning {
				t.State = Ready
				t.CPU = cpu
			}
			t.Unlock()
			if wasRunning {
				_ = pc.rq.PushBack(pc.Current)
			}
		}
	}

	id, ok := pc.rq.Pop()
	if !ok {
		id = pc.Idle
	}
	switched = id != pc.Current
	pc.Current = id
	if t, ok := s.Task(id); ok {
		t.Lock()
		t.State = Running
		wasForkChild := t.ForkChild
		t.ForkChild = false
		t.Unlock()
		if wasForkChild {
			// spec 4.7 step 4: the first switch into a forked child
			// resumes it as if the fork syscall that created it had
			// just returned 0 -- consumed once so a later, unrelated
			// dispatch of this same task id never reinterprets a real
			// syscall's return value as this contract.
			s.log.V(1).Info("resuming fork child, syscall return is 0", "task", id)
		}
	}
	return id, switched
}

// YieldNow invokes the same path as a tick (spec 4.5).
func (s *Scheduler) YieldNow(currentTick uint64, cpu int) (uint64, bool) {
	return s.Tick(currentTick, cpu)
}

// Sleep marks the current task Sleeping with the given wake tick and
// records it for Tick's sleeper scan.
func (s *Scheduler) Sleep(taskID uint64, wakeTick uint64) {
	t, ok := s.Task(taskID)
	if !ok {
		return
	}
	t.Lock()
	t.State = Sleeping
	t.WakeTick = wakeTick
	t.HasWake = true
	t.Unlock()

	s.sleepMu.Lock()
	s.sleepers[taskID] = struct{}{}
	s.sleepMu.Unlock()
}

// wakeSleepers re-enqueues any sleeping task whose deadline has passed.
// currentTick is passed in by the timer/platform layer; this core keeps
// no wall-clock state of its own.
func (s *Scheduler) wakeSleepers(currentTick uint64) {
	s.sleepMu.Lock()
	var woken []uint64
	for id := range s.sleepers {
		t, ok := s.Task(id)
		if !ok {
			continue
		}
		t.Lock()
		due := t.HasWake && currentTick >= t.WakeTick
		t.Unlock()
		if due {
			woken = append(woken, id)
		}
	}
	for _, id := range woken {
		delete(s.sleepers, id)
	}
	s.sleepMu.Unlock()

	for _, id := range woken {
		s.wake(id)
	}
}

// wake transitions a task back to Ready and enqueues it on the CPU it
// last ran on, then sends that CPU a reschedule IPI; wake does not know
// the caller's CPU, so the IPI is sent every time (used by wakeSleepers
// and the IPC wake path).
func (s *Scheduler) wake(id uint64) {
	t, ok := s.Task(id)
	if !ok {
		return
	}
	t.Lock()
	t.State = Ready
	t.BlockReason = BlockNone
	cpu := t.CPU
	prio := t.Priority
	t.Unlock()

	pc := s.cpus[cpu]
	pc.mu.Lock()
	if prio == High {
		_ = pc.rq.PushFront(id)
	} else {
		_ = pc.rq.PushBack(id)
	}
	pc.mu.Unlock()
	if s.ipi != nil {
		s.ipi.SendReschedule(cpu)
	}
}

// Wake is the exported form of wake, used by internal/ipc and
// internal/proc to resume a blocked task.
func (s *Scheduler) Wake(id uint64) { s.wake(id) }

// Migrate moves a task from one CPU's runqueue to another's, locking the
// two runqueues in ascending CPU id order (spec 5's lock-order rule), and
// sends a reschedule IPI to the destination.
func (s *Scheduler) Migrate(taskID uint64, from, to int) error {
	a, b := from, to
	if a > b {
		a, b = b, a
	}
	s.cpus[a].mu.Lock()
	if a != b {
		s.cpus[b].mu.Lock()
	}
	defer func() {
		if a != b {
			s.cpus[b].mu.Unlock()
		}
		s.cpus[a].mu.Unlock()
	}()

	if !s.cpus[from].rq.Remove(taskID) {
		return kerrors.New(kerrors.InvalidArgument)
	}
	if err := s.cpus[to].rq.PushBack(taskID); err != nil {
		// put it back rather than lose the task
		_ = s.cpus[from].rq.PushBack(taskID)
		return err
	}
	if t, ok := s.Task(taskID); ok {
		t.Lock()
		t.CPU = to
		t.Unlock()
	}
	if s.ipi != nil {
		s.ipi.SendReschedule(to)
	}
	return nil
}

// MigrateDequeued pushes a task already popped off from's runqueue onto
// to's runqueue, locking both in ascending CPU id order. Unlike Migrate,
// it does not attempt to remove the task from from's queue first — the
// caller (Balance) has already done that, and a second Remove would
// always fail since the task is no longer queued anywhere.
func (s *Scheduler) MigrateDequeued(taskID uint64, from, to int) error {
	a, b := from, to
	if a > b {
		a, b = b, a
	}
	s.cpus[a].mu.Lock()
	if a != b {
		s.cpus[b].mu.Lock()
	}
	defer func() {
		if a != b {
			s.cpus[b].mu.Unlock()
		}
		s.cpus[a].mu.Unlock()
	}()

	if err := s.cpus[to].rq.PushBack(taskID); err != nil {
		// put it back on from rather than lose the task
		_ = s.cpus[from].rq.PushBack(taskID)
		return err
	}
	if t, ok := s.Task(taskID); ok {
		t.Lock()
		t.CPU = to
		t.Unlock()
	}
	if s.ipi != nil {
		s.ipi.SendReschedule(to)
	}
	return nil
}

// Balance finds the CPUs with max and min runqueue depth; if they differ
// by more than 2, moves one task from the fullest to the emptiest (spec
// 4.5). Intended to run periodically on the BSP.
func (s *Scheduler) Balance() {
	if len(s.cpus) < 2 {
		return
	}
	type depth struct {
		cpu int
		n   int
	}
	ds := make([]depth, len(s.cpus))
	for i, c := range s.cpus {
		c.mu.Lock()
		ds[i] = depth{i, c.rq.Len()}
		c.mu.Unlock()
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i].n < ds[j].n })
	min, max := ds[0], ds[len(ds)-1]
	if max.n-min.n <= 2 {
		return
	}
	s.cpus[max.cpu].mu.Lock()
	id, ok := s.cpus[max.cpu].rq.Pop()
	s.cpus[max.cpu].mu.Unlock()
	if !ok {
		return
	}
	_ = s.MigrateDequeued(id, max.cpu, min.cpu)
}

// RunqueueLen reports cpu's current queue depth, for tests and /proc.
func (s *Scheduler) RunqueueLen(cpu int) int {
	c := s.cpus[cpu]
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rq.Len()
}

func (s *Scheduler) CurrentOn(cpu int) uint64 {
	c := s.cpus[cpu]
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Current
}
