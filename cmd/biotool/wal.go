//go:build linux

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daos-stack/bioengine/internal/blobio"
	"github.com/daos-stack/bioengine/internal/device"
	"github.com/daos-stack/bioengine/internal/device/uringdev"
	"github.com/daos-stack/bioengine/internal/dma"
	"github.com/daos-stack/bioengine/internal/iostat"
	"github.com/daos-stack/bioengine/internal/wal"
)

var walCmd = &cobra.Command{
	Use:   "wal",
	Short: "Format, inspect, or replay-dump a WAL blob on a backing file",
}

var walFormatCmd = &cobra.Command{
	Use:   "format",
	Short: "Create a new WAL blob in a backing file and write its header",
	RunE:  runWalFormat,
}

var walInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print an existing WAL blob's superblock",
	RunE:  runWalInspect,
}

var walReplayDumpCmd = &cobra.Command{
	Use:   "replay-dump",
	Short: "Replay a WAL blob and print every action it would apply",
	RunE:  runWalReplayDump,
}

func init() {
	walCmd.PersistentFlags().String("device", "", "Path to the backing file (required)")
	walCmd.PersistentFlags().Uint32("block-size", 4096, "I/O unit size in bytes")
	_ = walCmd.MarkPersistentFlagRequired("device")

	walFormatCmd.Flags().Uint64("blocks", 4096, "Total blocks including the header block")
	walFormatCmd.Flags().Uint32("gen", 1, "Generation nonce stamped into the header")
	walFormatCmd.Flags().Bool("no-tail", false, "Disable per-transaction tail checksums")

	walInspectCmd.Flags().Uint64("blob-id", 0, "Existing blob id to open (required)")
	_ = walInspectCmd.MarkFlagRequired("blob-id")

	walReplayDumpCmd.Flags().Uint64("blob-id", 0, "Existing blob id to open (required)")
	_ = walReplayDumpCmd.MarkFlagRequired("blob-id")

	walCmd.AddCommand(walFormatCmd, walInspectCmd, walReplayDumpCmd)
}

// openWalBlob opens devicePath with uringdev, creates a fresh blob of
// createBytes when createBytes > 0 (otherwise takes the --blob-id flag's
// blob), and wraps that blob in a blobio.Context.
func openWalBlob(cmd *cobra.Command, createBytes uint64) (*wal.Engine, func(), error) {
	ctx := context.Background()
	devicePath, _ := cmd.Flags().GetString("device")
	blockSize, _ := cmd.Flags().GetUint32("block-size")

	drv, err := uringdev.Open(devicePath, blockSize, uint64(blockSize))
	if err != nil {
		return nil, nil, fmt.Errorf("open device: %w", err)
	}
	cleanup := func() { _ = drv.Shutdown() }

	var blobID device.BlobID
	if createBytes > 0 {
		id, err := drv.CreateBlob(ctx, createBytes, uint64(blockSize))
		if err != nil {
			return nil, cleanup, fmt.Errorf("create blob: %w", err)
		}
		blobID = id
		fmt.Printf("created blob %d (%d bytes)\n", blobID, createBytes)
	} else {
		id, _ := cmd.Flags().GetUint64("blob-id")
		blobID = device.BlobID(id)
	}

	pool, err := dma.New(dma.Options{MaxChunks: 4})
	if err != nil {
		return nil, cleanup, fmt.Errorf("dma pool: %w", err)
	}
	prevCleanup := cleanup
	cleanup = func() { pool.Shutdown(); prevCleanup() }

	stats := iostat.New()
	bioCtx, err := blobio.Open(ctx, drv, blobID, blobio.Options{Pool: pool, ChunkType: dma.TypeLocal, Stats: stats})
	if err != nil {
		return nil, cleanup, fmt.Errorf("open blob %d: %w", blobID, err)
	}

	return wal.NewEngine(bioCtx, wal.Options{Stats: stats}), cleanup, nil
}

func runWalFormat(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	blocks, _ := cmd.Flags().GetUint64("blocks")
	gen, _ := cmd.Flags().GetUint32("gen")
	noTail, _ := cmd.Flags().GetBool("no-tail")
	blockSize, _ := cmd.Flags().GetUint32("block-size")

	e, cleanup, err := openWalBlob(cmd, blocks*uint64(blockSize))
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		return err
	}
	if err := e.Format(ctx, gen, blocks, noTail); err != nil {
		return fmt.Errorf("format: %w", err)
	}
	fmt.Printf("formatted: gen=%d total_blocks=%d no_tail=%v\n", gen, blocks, noTail)
	return nil
}

func runWalInspect(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	e, cleanup, err := openWalBlob(cmd, 0)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		return err
	}
	if err := e.Open(ctx); err != nil {
		return fmt.Errorf("open: %w", err)
	}
	h := e.Header()
	fmt.Printf("gen=%d blk_bytes=%d flags=%#x tot_blks=%d ckp_id=%d commit_id=%d ckp_blks=%d commit_blks=%d\n",
		h.Gen, h.BlkBytes, h.Flags, h.TotBlks, h.CkpID, h.CommitID, h.CkpBlks, h.CommitBlks)
	return nil
}

func runWalReplayDump(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	e, cleanup, err := openWalBlob(cmd, 0)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		return err
	}
	if err := e.Open(ctx); err != nil {
		return fmt.Errorf("open: %w", err)
	}
	n := 0
	err = e.Replay(ctx, func(id wal.TxID, a wal.Action) error {
		fmt.Printf("tx=%d type=%s off=%d len=%d data=%#x\n", id, a.Type, a.Off, a.Len, a.Data)
		n++
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	fmt.Printf("%d actions replayed\n", n)
	return nil
}
