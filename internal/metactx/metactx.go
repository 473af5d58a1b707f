// Package metactx implements the meta-context: the (pool, target) triple
// of data/meta/WAL blob contexts created and opened as one atomic unit,
// fronted by a durable meta-blob header. Grounded on spec.md §3's "Meta
// blob header" field list; the create-then-rollback-on-failure
// choreography follows the teacher's pattern of undoing partial setup
// when a later step in a multi-resource constructor fails.
package metactx

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/daos-stack/bioengine/internal/blobio"
	"github.com/daos-stack/bioengine/internal/device"
)

// HeaderMagic identifies a formatted meta blob's first block.
const HeaderMagic = 0xbc202210

// HeaderVersion is the on-disk layout version this package reads/writes.
const HeaderVersion = 1

// FlagEmpty marks a meta-context that has been formatted but never
// opened for write since — cleared the first time a caller opens it.
const FlagEmpty = 1 << 0

// headerWireSize is the fixed encoded size of Header — magic,version
// (4 each), three device UUIDs (16 each), three blob ids (8 each),
// blk_bytes,hdr_blks (4 each), tot_blks (8), vos_id,flags (4 each),
// five reserved words (20), csum (4) — zero-padded up to the caller's
// block size. All integers little-endian.
const headerWireSize = 4 + 4 + 16*3 + 8*3 + 4 + 4 + 8 + 4 + 4 + 20 + 4

// Header is the first block of the meta blob.
type Header struct {
	Magic            uint32
	Version          uint32
	MetaDevUUID      uuid.UUID
	WalDevUUID       uuid.UUID
	DataDevUUID      uuid.UUID
	DataBlobID       device.BlobID
	MetaBlobID       device.BlobID
	WalBlobID        device.BlobID
	MetaBlockSize    uint32
	MetaHeaderBlocks uint32
	TotalBlocks      uint64
	TargetID         uint32
	Flags            uint32
}

// MarshalBinary encodes h, zero-padded to blockSize, with a trailing
// CRC32 over every preceding byte.
func (h Header) MarshalBinary(blockSize int) ([]byte, error) {
	if blockSize < headerWireSize {
		return nil, fmt.Errorf("metactx: block size %d too small for header (need %d)", blockSize, headerWireSize)
	}
	buf := make([]byte, blockSize)
	w := buf
	binary.LittleEndian.PutUint32(w[0:4], h.Magic)
	binary.LittleEndian.PutUint32(w[4:8], h.Version)
	copy(w[8:24], h.MetaDevUUID[:])
	copy(w[24:40], h.WalDevUUID[:])
	copy(w[40:56], h.DataDevUUID[:])
	binary.LittleEndian.PutUint64(w[56:64], uint64(h.MetaBlobID))
	binary.LittleEndian.PutUint64(w[64:72], uint64(h.WalBlobID))
	binary.LittleEndian.PutUint64(w[72:80], uint64(h.DataBlobID))
	binary.LittleEndian.PutUint32(w[80:84], h.MetaBlockSize)
	binary.LittleEndian.PutUint32(w[84:88], h.MetaHeaderBlocks)
	binary.LittleEndian.PutUint64(w[88:96], h.TotalBlocks)
	binary.LittleEndian.PutUint32(w[96:100], h.TargetID)
	binary.LittleEndian.PutUint32(w[100:104], h.Flags)
	// bytes [104:124] are the five reserved words, left zero.

	crc := crc32.ChecksumIEEE(buf[:headerWireSize-4])
	binary.LittleEndian.PutUint32(buf[headerWireSize-4:headerWireSize], crc)
	return buf, nil
}

// UnmarshalBinary decodes and validates a header previously produced by
// MarshalBinary, checking magic, version, and CRC32.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < headerWireSize {
		return fmt.Errorf("metactx: header buffer too short (%d < %d)", len(buf), headerWireSize)
	}
	wantCRC := binary.LittleEndian.Uint32(buf[headerWireSize-4 : headerWireSize])
	gotCRC := crc32.ChecksumIEEE(buf[:headerWireSize-4])
	if wantCRC != gotCRC {
		return fmt.Errorf("metactx: header crc mismatch (want %08x got %08x)", wantCRC, gotCRC)
	}

	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	if h.Magic != HeaderMagic {
		return fmt.Errorf("metactx: bad magic %08x", h.Magic)
	}
	h.Version = binary.LittleEndian.Uint32(buf[4:8])
	if h.Version != HeaderVersion {
		return fmt.Errorf("metactx: unsupported header version %d", h.Version)
	}
	copy(h.MetaDevUUID[:], buf[8:24])
	copy(h.WalDevUUID[:], buf[24:40])
	copy(h.DataDevUUID[:], buf[40:56])
	h.MetaBlobID = device.BlobID(binary.LittleEndian.Uint64(buf[56:64]))
	h.WalBlobID = device.BlobID(binary.LittleEndian.Uint64(buf[64:72]))
	h.DataBlobID = device.BlobID(binary.LittleEndian.Uint64(buf[72:80]))
	h.MetaBlockSize = binary.LittleEndian.Uint32(buf[80:84])
	h.MetaHeaderBlocks = binary.LittleEndian.Uint32(buf[84:88])
	h.TotalBlocks = binary.LittleEndian.Uint64(buf[88:96])
	h.TargetID = binary.LittleEndian.Uint32(buf[96:100])
	h.Flags = binary.LittleEndian.Uint32(buf[100:104])
	return nil
}

// Context is the (pool, target) triple of blob-I/O contexts. Data is
// nil for an RDB context; Meta and Wal are both nil or both present,
// since a configuration without MD-on-SSD uses direct PM instead.
type Context struct {
	Pool   uuid.UUID
	Target uint32
	Header Header

	Data *blobio.Context
	Meta *blobio.Context
	Wal  *blobio.Context
}

// DriverSet names the (possibly shared) drivers and blobio.Options
// backing each of the three roles. A nil Driver means that role is
// absent for this context.
type DriverSet struct {
	MetaDriver device.Driver
	MetaOpts   blobio.Options
	MetaUUID   uuid.UUID
	MetaBytes  uint64

	WalDriver device.Driver
	WalOpts   blobio.Options
	WalUUID   uuid.UUID
	WalBytes  uint64

	DataDriver device.Driver
	DataOpts   blobio.Options
	DataUUID   uuid.UUID
	DataBytes  uint64
}

const defaultMetaBlockSize = 4096

// Create formats a new meta-context: allocates whichever of
// data/meta/WAL blobs the DriverSet requests, writes the meta header,
// and opens every created blob. On any failure partway through, every
// blob already created is deleted before the error is returned, so a
// caller never observes a half-formed context.
func Create(ctx context.Context, pool uuid.UUID, target uint32, ds DriverSet) (_ *Context, err error) {
	if ds.MetaDriver == nil {
		return nil, fmt.Errorf("metactx: create requires a meta driver (direct-PM contexts don't go through this package)")
	}

	var created []func()
	rollback := func() {
		for i := len(created) - 1; i >= 0; i-- {
			created[i]()
		}
	}
	defer func() {
		if err != nil {
			rollback()
		}
	}()

	var h Header
	h.Magic = HeaderMagic
	h.Version = HeaderVersion
	h.MetaDevUUID = ds.MetaUUID
	h.TargetID = target
	h.MetaBlockSize = defaultMetaBlockSize
	h.MetaHeaderBlocks = 1
	h.Flags = FlagEmpty

	metaID, err := ds.MetaDriver.CreateBlob(ctx, ds.MetaBytes, 0)
	if err != nil {
		return nil, fmt.Errorf("metactx: create meta blob: %w", err)
	}
	created = append(created, func() { _ = ds.MetaDriver.DeleteBlob(ctx, metaID) })
	h.MetaBlobID = metaID
	h.TotalBlocks = ds.MetaBytes / uint64(h.MetaBlockSize)

	if ds.WalDriver != nil {
		walID, werr := ds.WalDriver.CreateBlob(ctx, ds.WalBytes, 0)
		if werr != nil {
			return nil, fmt.Errorf("metactx: create wal blob: %w", werr)
		}
		created = append(created, func() { _ = ds.WalDriver.DeleteBlob(ctx, walID) })
		h.WalBlobID = walID
		h.WalDevUUID = ds.WalUUID
	}

	if ds.DataDriver != nil {
		dataID, derr := ds.DataDriver.CreateBlob(ctx, ds.DataBytes, 0)
		if derr != nil {
			return nil, fmt.Errorf("metactx: create data blob: %w", derr)
		}
		created = append(created, func() { _ = ds.DataDriver.DeleteBlob(ctx, dataID) })
		h.DataBlobID = dataID
		h.DataDevUUID = ds.DataUUID
	}

	if err = writeHeader(ctx, ds.MetaDriver, metaID, h); err != nil {
		return nil, fmt.Errorf("metactx: write header: %w", err)
	}

	return openAll(ctx, pool, target, h, ds)
}

// Open re-opens an existing meta-context by reading and validating its
// header from the meta blob, then opening every blob the header names.
func Open(ctx context.Context, pool uuid.UUID, target uint32, metaBlobID device.BlobID, ds DriverSet) (*Context, error) {
	h, err := readHeader(ctx, ds.MetaDriver, metaBlobID)
	if err != nil {
		return nil, fmt.Errorf("metactx: read header: %w", err)
	}
	h.MetaBlobID = metaBlobID
	return openAll(ctx, pool, target, h, ds)
}

func openAll(ctx context.Context, pool uuid.UUID, target uint32, h Header, ds DriverSet) (*Context, error) {
	mc := &Context{Pool: pool, Target: target, Header: h}

	meta, err := blobio.Open(ctx, ds.MetaDriver, h.MetaBlobID, ds.MetaOpts)
	if err != nil {
		return nil, fmt.Errorf("metactx: open meta blob: %w", err)
	}
	mc.Meta = meta

	if h.WalBlobID != 0 && ds.WalDriver != nil {
		wal, werr := blobio.Open(ctx, ds.WalDriver, h.WalBlobID, ds.WalOpts)
		if werr != nil {
			_ = meta.Close(ctx)
			return nil, fmt.Errorf("metactx: open wal blob: %w", werr)
		}
		mc.Wal = wal
	}

	if h.DataBlobID != 0 && ds.DataDriver != nil {
		data, derr := blobio.Open(ctx, ds.DataDriver, h.DataBlobID, ds.DataOpts)
		if derr != nil {
			_ = meta.Close(ctx)
			if mc.Wal != nil {
				_ = mc.Wal.Close(ctx)
			}
			return nil, fmt.Errorf("metactx: open data blob: %w", derr)
		}
		mc.Data = data
	}

	return mc, nil
}

// Close closes every open blob context in this meta-context.
func (mc *Context) Close(ctx context.Context) error {
	var firstErr error
	for _, bc := range []*blobio.Context{mc.Data, mc.Wal, mc.Meta} {
		if bc == nil {
			continue
		}
		if err := bc.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func writeHeader(ctx context.Context, drv device.Driver, id device.BlobID, h Header) error {
	buf, err := h.MarshalBinary(int(h.MetaBlockSize))
	if err != nil {
		return err
	}
	handle, err := drv.Open(ctx, id)
	if err != nil {
		return fmt.Errorf("open for header write: %w", err)
	}
	defer drv.Close(handle)

	ch, err := drv.AllocIOChannel()
	if err != nil {
		return fmt.Errorf("alloc channel for header write: %w", err)
	}
	defer drv.FreeIOChannel(ch)

	unit := uint64(drv.IOUnitSize())
	lenUnits := (uint64(len(buf)) + unit - 1) / unit
	done := make(chan error, 1)
	drv.WriteAsync(handle, ch, buf, 0, lenUnits, func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func readHeader(ctx context.Context, drv device.Driver, id device.BlobID) (Header, error) {
	handle, err := drv.Open(ctx, id)
	if err != nil {
		return Header{}, fmt.Errorf("open for header read: %w", err)
	}
	defer drv.Close(handle)

	ch, err := drv.AllocIOChannel()
	if err != nil {
		return Header{}, fmt.Errorf("alloc channel for header read: %w", err)
	}
	defer drv.FreeIOChannel(ch)

	blockSize := defaultMetaBlockSize
	buf := make([]byte, blockSize)
	unit := uint64(drv.IOUnitSize())
	lenUnits := (uint64(blockSize) + unit - 1) / unit

	done := make(chan error, 1)
	drv.ReadAsync(handle, ch, buf, 0, lenUnits, func(err error) { done <- err })
	select {
	case err := <-done:
		if err != nil {
			return Header{}, err
		}
	case <-ctx.Done():
		return Header{}, ctx.Err()
	}

	if bytes.Equal(buf, make([]byte, len(buf))) {
		return Header{}, fmt.Errorf("metactx: meta blob %d has no header (never formatted)", id)
	}

	var h Header
	if err := h.UnmarshalBinary(buf); err != nil {
		return Header{}, err
	}
	return h, nil
}
