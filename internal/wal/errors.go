package wal

import "errors"

var (
	errShortHeader   = errors.New("wal: header block shorter than header size")
	errHeaderCSum    = errors.New("wal: header checksum mismatch")
	errNotFormatted  = errors.New("wal: blob has no valid wal header (not formatted)")
	errWrongVersion  = errors.New("wal: unsupported header version")
	errTooManyBlocks = errors.New("wal: transaction layout exceeds max transaction blocks")
	errShutdown      = errors.New("wal: closed")
	errBlockMagic    = errors.New("wal: block head magic mismatch")
	errBlockGen      = errors.New("wal: block head generation mismatch")
	errBlockTxID     = errors.New("wal: block head tx-id mismatch")
	errTailCSum      = errors.New("wal: tail checksum mismatch")
	errCSumAction    = errors.New("wal: csum action verification failed against data blob")
	errKnownTxFatal  = errors.New("wal: corrupt record at a tx-id known to be committed")
)
