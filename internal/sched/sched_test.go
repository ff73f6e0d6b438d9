package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/justanotherdot/mello/internal/klog"
)

type fakeIPI struct{ sent []int }

func (f *fakeIPI) SendReschedule(cpu int) { f.sent = append(f.sent, cpu) }

func TestSpawnPicksShortestQueue(t *testing.T) {
	ipi := &fakeIPI{}
	s := NewScheduler(2, 8, ipi, klog.Discard())
	idle0, _ := s.Spawn("idle0", Normal, 0, 0, SavedContext{}, 0)
	s.SetIdle(0, idle0.ID)
	idle1, _ := s.Spawn("idle1", Normal, 0, 0, SavedContext{}, 1)
	s.SetIdle(1, idle1.ID)

	// after the two idle spawns queues are even (or lopsided by one);
	// drain both so the next spawn's placement is deterministic.
	for i := 0; i < 2; i++ {
		for cpu := 0; cpu < 2; cpu++ {
			for s.RunqueueLen(cpu) > 0 {
				s.Tick(0, cpu)
			}
		}
	}

	t1, err := s.Spawn("t1", Normal, 0, 0, SavedContext{}, 0)
	require.NoError(t, err)
	require.Equal(t, 1, s.RunqueueLen(int(t1.CPU)))
}

func TestTickRoundRobin(t *testing.T) {
	s := NewScheduler(1, 8, nil, klog.Discard())
	idle, _ := s.Spawn("idle", Normal, 0, 0, SavedContext{}, 0)
	s.SetIdle(0, idle.ID)
	a, _ := s.Spawn("a", Normal, 0, 0, SavedContext{}, 0)
	b, _ := s.Spawn("b", Normal, 0, 0, SavedContext{}, 0)

	next, switched := s.Tick(0, 0)
	require.True(t, switched)
	require.Equal(t, a.ID, next)

	next, switched = s.Tick(0, 0)
	require.True(t, switched)
	require.Equal(t, b.ID, next)

	next, switched = s.Tick(0, 0)
	require.True(t, switched)
	require.Equal(t, a.ID, next, "a should be back at the front after round-robin")
}

func TestHighPriorityInsertsAtFront(t *testing.T) {
	s := NewScheduler(1, 8, nil, klog.Discard())
	idle, _ := s.Spawn("idle", Normal, 0, 0, SavedContext{}, 0)
	s.SetIdle(0, idle.ID)
	_, _ = s.Spawn("low", Low, 0, 0, SavedContext{}, 0)
	hi, _ := s.Spawn("hi", High, 0, 0, SavedContext{}, 0)

	next, _ := s.Tick(0, 0)
	require.Equal(t, hi.ID, next)
}

func TestSleepWakesAtTick(t *testing.T) {
	s := NewScheduler(1, 8, nil, klog.Discard())
	idle, _ := s.Spawn("idle", Normal, 0, 0, SavedContext{}, 0)
	s.SetIdle(0, idle.ID)
	a, _ := s.Spawn("a", Normal, 0, 0, SavedContext{}, 0)

	s.Tick(0, 0) // a becomes current
	s.Sleep(a.ID, 100)

	tsk, _ := s.Task(a.ID)
	require.Equal(t, Sleeping, tsk.State)

	s.Tick(50, 0) // not due yet
	require.Equal(t, Sleeping, tsk.State)

	s.Tick(100, 0) // due: wake re-enqueues, and a is dispatched as the only ready task
	require.Equal(t, Running, tsk.State)
}

func TestBalanceMovesWhenLopsided(t *testing.T) {
	ipi := &fakeIPI{}
	s := NewScheduler(2, 16, ipi, klog.Discard())
	idle0, _ := s.Spawn("idle0", Normal, 0, 0, SavedContext{}, 0)
	s.SetIdle(0, idle0.ID)
	idle1, _ := s.Spawn("idle1", Normal, 0, 0, SavedContext{}, 1)
	s.SetIdle(1, idle1.ID)

	for i := 0; i < 5; i++ {
		_, _ = s.Spawn("t", Normal, 0, 0, SavedContext{}, 0)
	}

	s.Balance()
	d0, d1 := s.RunqueueLen(0), s.RunqueueLen(1)
	require.LessOrEqual(t, abs(d0-d1), 2)
}

// TestBalanceDoesNotLoseTaskWhenMigrateWouldFailRemove reproduces the
// scenario where the popped task is no longer present in the source
// runqueue by the time Migrate would try to Remove it: Balance must push
// the already-dequeued task directly onto the target queue rather than
// discarding it, preserving invariant 4 (every Ready task is in exactly
// one per-CPU runqueue).
func TestBalanceDoesNotLoseTaskWhenMigrateWouldFailRemove(t *testing.T) {
	ipi := &fakeIPI{}
	s := NewScheduler(2, 16, ipi, klog.Discard())
	idle0, _ := s.Spawn("idle0", Normal, 0, 0, SavedContext{}, 0)
	s.SetIdle(0, idle0.ID)
	idle1, _ := s.Spawn("idle1", Normal, 0, 0, SavedContext{}, 1)
	s.SetIdle(1, idle1.ID)

	// Pile tasks directly onto cpu0's runqueue so the depth gap exceeds
	// the balance threshold regardless of Spawn's shortest-queue
	// placement.
	var ids []uint64
	for i := 0; i < 6; i++ {
		tcb, err := s.Spawn("t", Normal, 0, 0, SavedContext{}, 0)
		require.NoError(t, err)
		ids = append(ids, tcb.ID)
	}
	s.cpus[0].mu.Lock()
	for s.cpus[1].rq.Len() > 0 {
		id, _ := s.cpus[1].rq.Pop()
		_ = s.cpus[0].rq.PushBack(id)
	}
	s.cpus[0].mu.Unlock()

	before := s.RunqueueLen(0) + s.RunqueueLen(1)
	require.Greater(t, s.RunqueueLen(0)-s.RunqueueLen(1), 2)

	s.Balance()

	after := s.RunqueueLen(0) + s.RunqueueLen(1)
	require.Equal(t, before, after, "Balance must not drop a task it already dequeued")
	require.Equal(t, 1, s.RunqueueLen(1), "Balance moves exactly one task per call")
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
