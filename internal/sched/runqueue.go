package sched

import "github.com/justanotherdot/mello/internal/kerrors"

// Runqueue is the bounded ring of ready task ids owned by one CPU (spec
// section 3's "runqueue (bounded ring of task ids)"). High priority tasks
// are inserted at the front, Normal and Low at the back -- priority is
// honored only at enqueue time, per spec 4.5.
type Runqueue struct {
	ring []uint64
	head int
	n    int
}

func NewRunqueue(depth int) *Runqueue {
	return &Runqueue{ring: make([]uint64, depth)}
}

func (q *Runqueue) Len() int { return q.n }
func (q *Runqueue) Cap() int { return len(q.ring) }

// PushBack enqueues at the tail (Normal/Low priority).
func (q *Runqueue) PushBack(id uint64) error {
	if q.n == len(q.ring) {
		return kerrors.New(kerrors.TooManyTasks)
	}
	idx := (q.head + q.n) % len(q.ring)
	q.ring[idx] = id
	q.n++
	return nil
}

// PushFront enqueues at the head (High priority).
func (q *Runqueue) PushFront(id uint64) error {
	if q.n == len(q.ring) {
		return kerrors.New(kerrors.TooManyTasks)
	}
	q.head = (q.head - 1 + len(q.ring)) % len(q.ring)
	q.ring[q.head] = id
	q.n++
	return nil
}

// Pop dequeues from the head; ok is false if the queue is empty.
func (q *Runqueue) Pop() (uint64, bool) {
	if q.n == 0 {
		return 0, false
	}
	id := q.ring[q.head]
	q.head = (q.head + 1) % len(q.ring)
	q.n--
	return id, true
}

// Remove deletes the first occurrence of id from anywhere in the queue,
// used by migrate to pull a specific task off a remote CPU's queue.
func (q *Runqueue) Remove(id uint64) bool {
	for i := 0; i < q.n; i++ {
		idx := (q.head + i) % len(q.ring)
		if q.ring[idx] == id {
			for j := i; j < q.n-1; j++ {
				from := (q.head + j + 1) % len(q.ring)
				to := (q.head + j) % len(q.ring)
				q.ring[to] = q.ring[from]
			}
			q.n--
			return true
		}
	}
	return false
}
