package syscall

import (
	"github.com/go-logr/logr"

	"github.com/justanotherdot/mello/internal/common"
	"github.com/justanotherdot/mello/internal/kerrors"
)

// Table is the numbered dispatch table spec 4.6 describes: "look up the
// syscall number" against a fixed set of handlers. Unregistered ids
// return ENOSYS rather than panicking -- an unimplemented or unknown
// syscall number is routine user input, not a kernel bug.
type Table struct {
	log      logr.Logger
	handlers map[ID]Handler
}

func NewTable(log logr.Logger) *Table {
	return &Table{log: log, handlers: make(map[ID]Handler)}
}

// Register installs the handler for id, overwriting any previous
// registration -- used both at boot (wiring the real handlers in) and by
// tests (wiring in a fake for one id).
func (t *Table) Register(id ID, h Handler) {
	t.handlers[id] = h
}

// Dispatch implements spec 4.6 step 5: look up the id in f, call its
// handler, and return the raw value the SYSRETQ path hands back to user
// rax. Canonical-form and pointer validation for individual arguments is
// each handler's job via NewUserBuf, since only the handler knows which
// args are pointers and how long each range is.
func (t *Table) Dispatch(f Frame) common.Err_t {
	h, ok := t.handlers[ID(f.ID)]
	if !ok {
		t.log.V(1).Info("unregistered syscall", "id", f.ID)
		return common.ENOSYS
	}
	return h(f)
}

// ToErrno is a convenience re-export so handlers built on internal/kerrors
// don't need a second import alongside this package.
func ToErrno(err error) common.Err_t { return kerrors.ToErrno(err) }
