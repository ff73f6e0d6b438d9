package proc

import (
	"sync"

	"github.com/justanotherdot/mello/internal/kerrors"
	"github.com/justanotherdot/mello/internal/sched"
)

// Wait implements spec 4.9 in full, including the blocking half the
// spec calls out as missing from the source it was distilled from
// ("the present source returns EAGAIN pending that blocker; a complete
// implementation must block"). pid=0 matches any zombie child; pid=n
// waits for that specific child. Returns the encoded (pid<<8)|exitcode.
func (t *Table) Wait(parent *Process, pid uint64) (uint64, error) {
	parent.mu.Lock()
	defer parent.mu.Unlock()

	if parent.cond == nil {
		parent.cond = sync.NewCond(&parent.mu)
	}

	for {
		if pid != 0 {
			if _, exists := parent.Children[pid]; !exists {
				return 0, kerrors.New(kerrors.NoChildren)
			}
		} else if len(parent.Children) == 0 {
			return 0, kerrors.New(kerrors.NoChildren)
		}

		var target *Process
		var exitCode int
		for _, c := range parent.Children {
			c.mu.Lock()
			isZombie := c.Zombie
			ec := c.ExitCode
			c.mu.Unlock()
			if isZombie && (pid == 0 || c.Pid == pid) {
				target = c
				exitCode = ec
				break
			}
		}
		if target != nil {
			delete(parent.Children, target.Pid)
			encoded := (target.Pid << 8) | uint64(uint8(exitCode))
			t.reap(target)
			return encoded, nil
		}

		parent.Tcb.Lock()
		parent.Tcb.State = sched.Blocked
		parent.Tcb.BlockReason = sched.BlockWaitForChild
		parent.Tcb.Unlock()

		parent.cond.Wait()

		parent.Tcb.Lock()
		if parent.Tcb.State == sched.Blocked && parent.Tcb.BlockReason == sched.BlockWaitForChild {
			parent.Tcb.State = sched.Ready
			parent.Tcb.BlockReason = sched.BlockNone
		}
		parent.Tcb.Unlock()
	}
}
