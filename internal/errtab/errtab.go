// Package errtab defines the ArchiveFS error taxonomy and its mapping
// to POSIX errno values at the mount boundary.
package errtab

import (
	"errors"
	"syscall"
)

var (
	ErrNotFound        = errors.New("path not found")
	ErrAlreadyExists    = errors.New("path already exists")
	ErrNotSupported     = errors.New("operation not supported")
	ErrPermissionDenied = errors.New("permission denied")
	ErrOutOfMemory      = errors.New("out of memory")
	ErrBadHandle        = errors.New("bad handle")
	ErrArchiveError     = errors.New("archive error")
	ErrIOError          = errors.New("i/o error")
)

// AlreadyExists carries the node that already occupies the colliding
// key, so backends can merge metadata into it during enumeration.
type AlreadyExists struct {
	Existing any
}

func (e *AlreadyExists) Error() string { return ErrAlreadyExists.Error() }
func (e *AlreadyExists) Unwrap() error { return ErrAlreadyExists }

var table = map[error]syscall.Errno{
	ErrNotFound:         syscall.ENOENT,
	ErrAlreadyExists:    syscall.EEXIST,
	ErrNotSupported:     syscall.ENOTSUP,
	ErrPermissionDenied: syscall.EACCES,
	ErrOutOfMemory:      syscall.ENOMEM,
	ErrBadHandle:        syscall.EBADF,
	ErrArchiveError:     syscall.EIO,
	ErrIOError:          syscall.EIO,
}

// Errno maps an ArchiveFS sentinel error (or a wrapped chain containing
// one) to a positive errno. Unknown errors map to EIO.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	for sentinel, errno := range table {
		if errors.Is(err, sentinel) {
			return errno
		}
	}
	return syscall.EIO
}
