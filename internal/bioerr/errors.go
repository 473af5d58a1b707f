// Package bioerr implements the structured error type shared by every
// layer of the engine (dma, bulk, blobio, iod, metactx, blobstore, wal,
// smd, led) and re-exported from the root bioengine package as its
// public error API. Living under internal/ rather than at the module
// root lets every internal package depend on it without the root
// package, which wires those same internal packages together, creating
// an import cycle back through them.
package bioerr

import (
	"errors"
	"fmt"
	"syscall"
)

// Code is the high-level error category surfaced by this layer.
type Code string

const (
	CodeNoMem    Code = "nomem"      // any allocation failure
	CodeInval    Code = "inval"      // malformed on-disk structure
	CodeUninit   Code = "uninit"     // unformatted blob header
	CodeIncompat Code = "df_incompt" // wrong-version blob header
	CodeCSum     Code = "csum"       // header CRC mismatch
	CodeNVMeIO   Code = "nvme_io"    // media error on fetch (or auto-faulty enabled)
	CodeIO       Code = "io"         // media error on update
	CodeAgain    Code = "again"      // non-blocking reserve would block
	CodeShutdown Code = "shutdown"   // WAL close interrupted a waiter
	CodeBusy     Code = "busy"       // close refused: in-flight I/O
	CodeNoHandle Code = "no_hdl"     // blob closed / blobstore invalid
)

// Error is a structured error carrying the failing operation, device and
// target context, the high-level code, and (if applicable) the kernel
// errno that produced it.
type Error struct {
	Op     string // operation that failed, e.g. "wal.commit", "dma.reserve"
	Target uint32 // VOS target id, 0 if not applicable
	Queue  int    // worker/queue index, -1 if not applicable
	Code   Code
	Errno  syscall.Errno
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	switch {
	case e.Op != "" && e.Errno != 0:
		return fmt.Sprintf("bioengine: %s: %s (errno=%d)", e.Op, msg, e.Errno)
	case e.Op != "":
		return fmt.Sprintf("bioengine: %s: %s", e.Op, msg)
	default:
		return fmt.Sprintf("bioengine: %s", msg)
	}
}

func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparison by Code, the same way callers compare
// against the sentinel errno classes this layer surfaces.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}

// New creates a structured error for the given operation and code.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg, Queue: -1}
}

// Wrap attaches operation context to an existing error, mapping raw
// syscall errnos to the nearest Code.
func Wrap(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return &Error{Op: op, Target: be.Target, Queue: be.Queue, Code: be.Code, Errno: be.Errno, Msg: be.Msg, Inner: be.Inner}
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return &Error{Op: op, Queue: -1, Code: codeFromErrno(errno), Errno: errno, Msg: errno.Error(), Inner: err}
	}
	return &Error{Op: op, Queue: -1, Code: CodeIO, Msg: err.Error(), Inner: err}
}

func codeFromErrno(errno syscall.Errno) Code {
	switch errno {
	case syscall.ENOMEM:
		return CodeNoMem
	case syscall.EINVAL, syscall.E2BIG:
		return CodeInval
	case syscall.EBUSY:
		return CodeBusy
	case syscall.EAGAIN:
		return CodeAgain
	case syscall.ESHUTDOWN:
		return CodeShutdown
	default:
		return CodeIO
	}
}

// Is reports whether err is a structured Error of the given code.
func Is(err error, code Code) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}
