// Package bioengine implements the per-engine block I/O layer: blob
// lifecycle and device assignment, a write-ahead log of metadata
// transactions, and a DMA buffer pool with RDMA-bulk caching, glued
// together by the transaction-commit pipeline.
package bioengine

import "github.com/daos-stack/bioengine/internal/bioerr"

// Code is the high-level error category surfaced by this layer. The
// real type lives in internal/bioerr so every internal package can
// build one without importing this package back — this package wires
// those internal packages together, which would otherwise be a cycle.
type Code = bioerr.Code

const (
	CodeNoMem    = bioerr.CodeNoMem
	CodeInval    = bioerr.CodeInval
	CodeUninit   = bioerr.CodeUninit
	CodeIncompat = bioerr.CodeIncompat
	CodeCSum     = bioerr.CodeCSum
	CodeNVMeIO   = bioerr.CodeNVMeIO
	CodeIO       = bioerr.CodeIO
	CodeAgain    = bioerr.CodeAgain
	CodeShutdown = bioerr.CodeShutdown
	CodeBusy     = bioerr.CodeBusy
	CodeNoHandle = bioerr.CodeNoHandle
)

// Error is a structured error carrying the failing operation, device and
// target context, the high-level code, and (if applicable) the kernel
// errno that produced it.
type Error = bioerr.Error

// New creates a structured error for the given operation and code.
func New(op string, code Code, msg string) *Error { return bioerr.New(op, code, msg) }

// Wrap attaches operation context to an existing error, mapping raw
// syscall errnos to the nearest Code.
func Wrap(op string, err error) *Error { return bioerr.Wrap(op, err) }

// Is reports whether err is a structured Error of the given code.
func Is(err error, code Code) bool { return bioerr.Is(err, code) }
