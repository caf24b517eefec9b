package extent

import "github.com/google/uuid"

// IOOptions carries the per-write codec/placement choices from spec §3's
// write operation: csum/compression/tier plus the explicit device target
// list supplemented from the original source (SPEC_FULL §6,
// BCH_WRITE_ONLY_SPECIFIED_DEVS).
type IOOptions struct {
	Checksum    ChecksumKind
	Compression CompressionKind
	Tier        int // 0 = fastest
	Replicas    int
	Devs        []DeviceID // explicit target set; empty means "let the allocator pick"
}

// WriteFlags mirrors the flag set spec §3 lists on the write operation.
type WriteFlags struct {
	DataEncoded      bool // payload already compressed/checksummed by the caller
	PagesStable      bool // caller guarantees pages won't mutate under us
	PagesOwned       bool // caller's bio may be consumed/encrypted in place
	Cached           bool // insert as cached (best-effort) pointers, not dirty
	AllocNoWait      bool
	Flush            bool
	OnlySpecifiedDevs bool
	NoMarkReplicas   bool

	// AllowDegraded opts into spec.md §3's degraded-extent carve-out: when
	// set, a write that lands fewer than Opts.Replicas dirty pointers still
	// returns success (the extent is simply tagged Degraded). Unset is the
	// default for foreground writes, matching spec.md §8 scenario 3 ("write
	// returns I/O error" when a replica fails mid-write).
	AllowDegraded bool
}

// Op is the transient object the write pipeline threads through
// reservation, chunked encode, parallel device writes, and index update,
// per spec §3.
type Op struct {
	ID       uuid.UUID
	Inode    uint64
	Position uint64
	Version  uint64 // caller-supplied version, or 0 to mint a fresh one

	Payload []byte
	Opts    IOOptions
	Flags   WriteFlags

	// PresetCRC is supplied by the caller alongside Flags.DataEncoded: it
	// describes how Payload was already encoded, letting the write
	// pipeline's pre-encoded shortcut (spec §4.3) skip re-encoding when
	// PresetCRC's kinds already match Opts.
	PresetCRC *CRCDescriptor

	// Pending accumulates extent keys as the encode loop produces them;
	// owned exclusively by this Op until the index update commits.
	Pending []*Extent

	// PendingPayload holds the encoded (compressed/encrypted) bytes for
	// each entry in Pending, at the same index, until replica submission
	// consumes them. This is the op's bounce-page ownership in practice
	// (spec §3: "a write operation exclusively owns its bounce pages").
	PendingPayload [][]byte

	// FailedDevices accumulates per-device failure observed during replica
	// submission (spec §3's "per-device failure bitmap").
	FailedDevices map[DeviceID]bool

	// LastJournalSeq is the journal sequence number the most recent index
	// update was recorded under, used by the optional post-commit flush.
	LastJournalSeq uint64
}

func NewOp(inode, position uint64, payload []byte, opts IOOptions, flags WriteFlags) *Op {
	return &Op{
		ID:            uuid.New(),
		Inode:         inode,
		Position:      position,
		Payload:       payload,
		Opts:          opts,
		Flags:         flags,
		FailedDevices: make(map[DeviceID]bool),
	}
}

func (op *Op) MarkFailed(d DeviceID) { op.FailedDevices[d] = true }
func (op *Op) Failed(d DeviceID) bool { return op.FailedDevices[d] }

// ReadDisposition is the retry state machine's current verdict, per
// spec §4.4.
type ReadDisposition int

const (
	DispositionOK ReadDisposition = iota
	DispositionRetry
	DispositionRetryAvoid
	DispositionError
)

// ReadFlags mirrors spec §3's read operation flag set.
type ReadFlags struct {
	MayPromote   bool
	UserMapped   bool
	MustClone    bool
	MustBounce   bool
	NoDecode     bool // "nodecode": verify checksum, skip decrypt/decompress (used by the move engine)
	RetryIfStale bool
	InRetry      bool
}

// ReadOp holds everything the read pipeline needs for one extent's worth of
// a request, per spec §3.
type ReadOp struct {
	Inode  uint64
	Offset uint64
	Length uint64

	Dest []byte // caller's destination slice for this fragment

	Pointer Pointer
	CRC     CRCDescriptor

	Flags       ReadFlags
	AvoidDevs   map[DeviceID]bool
	Disposition ReadDisposition
	Retries     int

	// Parent is set when this ReadOp is a clone or bounce of another,
	// per spec §3's "parent pointer".
	Parent *ReadOp
}

func NewReadOp(inode, offset, length uint64, dest []byte, flags ReadFlags) *ReadOp {
	return &ReadOp{
		Inode:     inode,
		Offset:    offset,
		Length:    length,
		Dest:      dest,
		Flags:     flags,
		AvoidDevs: make(map[DeviceID]bool),
	}
}

func (r *ReadOp) Avoid(d DeviceID) { r.AvoidDevs[d] = true }
func (r *ReadOp) IsAvoided(d DeviceID) bool { return r.AvoidDevs[d] }

// MoveStats accumulates the counters spec §3/§8 require of one move pass.
type MoveStats struct {
	KeysMoved     int64
	SectorsMoved  int64
	SectorsSeen   int64
	SectorsRaced  int64
}

// MoveContext is the per-pass object from spec §3: in-flight byte
// accounting and stats. It does not hold the queue of reads awaiting their
// writes. It lives for one pass over a key range.
type MoveContext struct {
	InFlightBytes int64
	Stats         MoveStats
}
