// Package kerrors declares the kernel's error taxonomy (spec section 7)
// and the boundary conversion from that taxonomy to the negative-errno
// Err_t values syscalls return. Causes are chained with
// github.com/pkg/errors so a log line at the syscall boundary can print
// "mount: read superblock: checksum mismatch at lba 32: EIO" instead of
// losing the path that produced it.
package kerrors

import (
	"github.com/pkg/errors"

	"github.com/justanotherdot/mello/internal/common"
)

// Kind is one member of the taxonomy in spec section 7.
type Kind int

const (
	NotFound Kind = iota
	AlreadyExists
	NotADirectory
	IsADirectory
	NameTooLong
	TooManySymlinks
	PermissionDenied
	ReadOnlyFilesystem
	InvalidArgument
	BadAddress
	NoSpace
	OutOfMemory
	TooManyOpenFiles
	TooManyTasks
	IoError
	ChecksumMismatch
	NotSupported
	InvalidFormat
	WouldBlock
	QueueFull
	NoChildren
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case AlreadyExists:
		return "already exists"
	case NotADirectory:
		return "not a directory"
	case IsADirectory:
		return "is a directory"
	case NameTooLong:
		return "name too long"
	case TooManySymlinks:
		return "too many symlinks"
	case PermissionDenied:
		return "permission denied"
	case ReadOnlyFilesystem:
		return "read-only filesystem"
	case InvalidArgument:
		return "invalid argument"
	case BadAddress:
		return "bad address"
	case NoSpace:
		return "no space left"
	case OutOfMemory:
		return "out of memory"
	case TooManyOpenFiles:
		return "too many open files"
	case TooManyTasks:
		return "too many tasks"
	case IoError:
		return "i/o error"
	case ChecksumMismatch:
		return "checksum mismatch"
	case NotSupported:
		return "not supported"
	case InvalidFormat:
		return "invalid format"
	case WouldBlock:
		return "would block"
	case QueueFull:
		return "queue full"
	case NoChildren:
		return "no child processes"
	default:
		return "unknown error"
	}
}

// kernError is the concrete error type New/Wrap produce. The Retryable
// bit mirrors jra3-system-agent/pkg/errors' RetryableError marker: it
// lets a caller (the mfs commit path) decide to retry a transient
// storage fault without type-switching on Kind everywhere.
type kernError struct {
	kind      Kind
	retryable bool
	cause     error
}

func (e *kernError) Error() string {
	if e.cause != nil {
		return e.kind.String() + ": " + e.cause.Error()
	}
	return e.kind.String()
}

func (e *kernError) Unwrap() error { return e.cause }

func (e *kernError) Retryable() bool { return e.retryable }

// New creates a bare taxonomy error.
func New(kind Kind) error {
	return &kernError{kind: kind}
}

// Wrap attaches a kind to an underlying cause, preserving the cause chain.
func Wrap(kind Kind, cause error, msg string) error {
	return &kernError{kind: kind, cause: errors.Wrap(cause, msg)}
}

// NewRetryable is for transient storage faults: a simulated device EBUSY
// during a TxG commit, for instance, where the caller should back off and
// retry rather than abort the whole transaction group.
func NewRetryable(kind Kind, cause error, msg string) error {
	return &kernError{kind: kind, retryable: true, cause: errors.Wrap(cause, msg)}
}

// Retryable reports whether err (or something it wraps) is a transient
// fault worth retrying.
func Retryable(err error) bool {
	var ke *kernError
	if errors.As(err, &ke) {
		return ke.retryable
	}
	return false
}

// KindOf extracts the taxonomy Kind from err, defaulting to IoError if err
// doesn't carry one (a bug, but one that must still map to a sane errno
// rather than panic at the syscall boundary).
func KindOf(err error) Kind {
	var ke *kernError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return IoError
}

// ToErrno is the canonical mapping from a taxonomy Kind to the negative
// POSIX errno values spec section 4.6 requires at the syscall boundary.
func ToErrno(err error) common.Err_t {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case NotFound:
		return common.ENOENT
	case AlreadyExists:
		return common.EEXIST
	case NotADirectory:
		return common.ENOTDIR
	case IsADirectory:
		return common.EISDIR
	case NameTooLong:
		return common.ENAMETOOLONG
	case TooManySymlinks:
		return common.ELOOP
	case PermissionDenied:
		return common.EACCES
	case ReadOnlyFilesystem:
		return common.EROFS
	case InvalidArgument:
		return common.EINVAL
	case BadAddress:
		return common.EFAULT
	case NoSpace:
		return common.ENOSPC
	case OutOfMemory:
		return common.ENOMEM
	case TooManyOpenFiles:
		return common.EMFILE
	case TooManyTasks:
		return common.EAGAIN
	case IoError:
		return common.EIO
	case ChecksumMismatch:
		return common.EIO
	case NotSupported:
		return common.EOPNOTSUPP
	case InvalidFormat:
		return common.ENOEXEC
	case WouldBlock:
		return common.EAGAIN
	case QueueFull:
		return common.EAGAIN
	case NoChildren:
		return common.ECHILD
	default:
		return common.EIO
	}
}
