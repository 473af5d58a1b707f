package wal

// ActionType identifies one atomic mutation carried by a WAL entry. The
// numeric values are this implementation's own wire encoding (the
// source format never pins specific integers, only names and ordering
// semantics), kept stable once assigned since they round-trip through
// the on-disk entry's type field.
type ActionType uint16

const (
	// ActionCopy stores its payload inline in the transaction's payload
	// region; replay applies it verbatim.
	ActionCopy ActionType = iota + 1
	// ActionCopyPtr behaves like ActionCopy at commit time (the pointed-to
	// bytes are copied into the payload region just the same) but is
	// translated to ActionCopy when delivered to a replay callback, since
	// the stored payload is byte-identical either way.
	ActionCopyPtr
	// ActionAssign writes an immediate little-endian value of Len bytes
	// (1, 2 or 4) carried directly in the entry's Data field.
	ActionAssign
	// ActionMove copies 8 bytes from the source address carried as an
	// 8-byte payload to the destination address in Off.
	ActionMove
	// ActionSet fills Len bytes at Off with the byte value in Data.
	ActionSet
	// ActionSetBits sets a (pos, count) bit range within the 8-byte word
	// at Off; pos/count are packed into Data as pos<<16|count.
	ActionSetBits
	// ActionClrBits clears a (pos, count) bit range, same encoding as
	// ActionSetBits.
	ActionClrBits
	// ActionCSum is synthesized by commit itself (never by a producer):
	// Off/Len describe a data-blob region and Data carries the CRC32
	// recomputed over its staging DMA bytes at commit time, verified
	// against the live data blob on replay of an uncommitted tx.
	ActionCSum
)

func (t ActionType) String() string {
	switch t {
	case ActionCopy:
		return "copy"
	case ActionCopyPtr:
		return "copy_ptr"
	case ActionAssign:
		return "assign"
	case ActionMove:
		return "move"
	case ActionSet:
		return "set"
	case ActionSetBits:
		return "set_bits"
	case ActionClrBits:
		return "clr_bits"
	case ActionCSum:
		return "csum"
	default:
		return "unknown"
	}
}

// PackBits encodes a (pos, count) pair into an entry's Data field for
// ActionSetBits/ActionClrBits.
func PackBits(pos, count uint16) uint32 { return uint32(pos)<<16 | uint32(count) }

// UnpackBits reverses PackBits.
func UnpackBits(data uint32) (pos, count uint16) { return uint16(data >> 16), uint16(data) }

// Action is one producer-authored mutation. Off/Data carry the entry's
// fixed fields; Payload carries out-of-band bytes for the types that
// need them (Copy, CopyPtr, Move's 8-byte source address). Len must
// equal len(Payload) for Copy/CopyPtr (it is the wire field replay uses
// to size the payload read back) and is otherwise the action's own
// byte-count field (ASSIGN's value width, SET's fill length).
type Action struct {
	Type    ActionType
	Off     uint64
	Len     uint32
	Data    uint32
	Payload []byte
}

func (a Action) payloadLen() int {
	switch a.Type {
	case ActionCopy, ActionCopyPtr:
		return int(a.Len)
	case ActionMove:
		return 8
	default:
		return 0
	}
}

// Transaction is the producer's view of a commit: an ordered list of
// actions. The source exposes this as a {nr_actions, payload_bytes,
// first, next} iterator pair; a plain slice is the idiomatic Go
// equivalent and callers rarely want anything more exotic than
// "iterate my actions in order".
type Transaction interface {
	Actions() []Action
}

// ActionList is the simplest Transaction: a caller-built slice.
type ActionList []Action

func (l ActionList) Actions() []Action { return l }

func payloadBytes(actions []Action) int {
	n := 0
	for _, a := range actions {
		n += a.payloadLen()
	}
	return n
}
