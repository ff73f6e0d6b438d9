package proc

import "github.com/justanotherdot/mello/internal/kerrors"

// Setpgid implements spec 4.6's setpgid: moves p into process group pgid
// (or, if pgid == 0, makes p the leader of its own new group using its
// own pid -- the conventional POSIX default).
func (t *Table) Setpgid(p *Process, pgid uint64) error {
	p.Tcb.Lock()
	defer p.Tcb.Unlock()
	if pgid == 0 {
		pgid = p.Pid
	}
	p.Tcb.Pgid = pgid
	return nil
}

func (t *Table) Getpgid(p *Process) uint64 {
	p.Tcb.Lock()
	defer p.Tcb.Unlock()
	return p.Tcb.Pgid
}

// Setsid makes p the leader of a brand new session and process group
// (its own pid becomes both), detaching any controlling tty -- the
// conventional POSIX setsid semantics; fails if p is already a process
// group leader (pgid == pid), since a group leader cannot start a new
// session without orphaning its own group.
func (t *Table) Setsid(p *Process) (uint64, error) {
	p.Tcb.Lock()
	defer p.Tcb.Unlock()
	if p.Tcb.Pgid == p.Pid {
		return 0, kerrors.New(kerrors.PermissionDenied)
	}
	p.Tcb.Sid = p.Pid
	p.Tcb.Pgid = p.Pid
	p.Tcb.TTY = 0
	return p.Pid, nil
}

// Tcsetpgrp validates that pgid names a process group within the
// caller's own session (the POSIX requirement for changing a tty's
// foreground pgid). It is the access check only and stores nothing; the
// foreground pgid lives in internal/pty's Pair, which this function does
// not touch.
func (t *Table) Tcsetpgrp(p *Process, pgid uint64) error {
	p.Tcb.Lock()
	sid := p.Tcb.Sid
	p.Tcb.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, other := range t.procs {
		other.Tcb.Lock()
		match := other.Tcb.Pgid == pgid && other.Tcb.Sid == sid
		other.Tcb.Unlock()
		if match {
			return nil
		}
	}
	return kerrors.New(kerrors.InvalidArgument)
}
