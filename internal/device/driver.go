// Package device defines the interface consumed from the SSD/block
// device driver: async create/open/read/write/unmap on blobs,
// plus io-channel allocation. This package only specifies the contract;
// concrete drivers live in device/filedev (portable, file-backed) and
// device/uringdev (Linux, io_uring-backed).
package device

import "context"

// BlobID is a 64-bit handle to a durable byte extent on one blobstore.
type BlobID uint64

// BlobHandle is an opened blob, valid until Close.
type BlobHandle interface {
	ID() BlobID
	SizeBytes() uint64
}

// IOChannel is a per-worker handle used to issue I/O against a blobstore;
// SPDK allocates one io-channel per worker thread touching a blobstore,
// so every xs-blobstore holds exactly one.
type IOChannel interface {
	Close()
}

// CompletionFunc is invoked exactly once when an async operation
// finishes, successfully or not. It may run on an arbitrary goroutine.
type CompletionFunc func(err error)

// Driver is the external collaborator this layer builds on: one
// instance per physical SSD (or file-backed stand-in).
type Driver interface {
	// CreateBlob allocates a new blob of at least sizeBytes, rounded up
	// to clusterSize, and returns its id.
	CreateBlob(ctx context.Context, sizeBytes uint64, clusterSize uint64) (BlobID, error)

	// DeleteBlob frees a blob's extent. The blob must not be open.
	DeleteBlob(ctx context.Context, id BlobID) error

	// Open opens a blob for I/O. Returns an error if the id is unknown.
	Open(ctx context.Context, id BlobID) (BlobHandle, error)

	// Close closes a previously opened blob handle.
	Close(h BlobHandle) error

	// AllocIOChannel creates a new per-worker I/O channel for this
	// driver's underlying blobstore.
	AllocIOChannel() (IOChannel, error)

	// FreeIOChannel releases a channel obtained from AllocIOChannel.
	FreeIOChannel(ch IOChannel)

	// IOUnitSize returns the blobstore's native I/O unit size in bytes
	// (the "io_unit_size"); offsets/lengths on Read/Write/Unmap below
	// are expressed in these units.
	IOUnitSize() uint32

	// ClusterSize returns the blobstore's allocation granule in bytes.
	ClusterSize() uint64

	// ReadAsync/WriteAsync/UnmapAsync submit an operation and return
	// immediately; cb fires on completion. buf must remain valid (and,
	// for WriteAsync, unmodified) until cb fires.
	ReadAsync(h BlobHandle, ch IOChannel, buf []byte, offUnits, lenUnits uint64, cb CompletionFunc)
	WriteAsync(h BlobHandle, ch IOChannel, buf []byte, offUnits, lenUnits uint64, cb CompletionFunc)
	UnmapAsync(h BlobHandle, ch IOChannel, offUnits, lenUnits uint64, cb CompletionFunc)
}
