// Package extent defines the data model shared by every data-path
// component: Extent, Pointer, CRCDescriptor, WriteOp, ReadOp, and
// MoveContext, per spec §3. It is grounded on the teacher's
// storage/extent.go ExtentInfo (FileID/Size/Crc/ModifyTime/ApplyID fields,
// binary-marshal-with-buffer convention) generalized from "one file per
// extent on one datanode" to "one logical range with N device pointers".
package extent

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// DeviceID identifies one backing device.
type DeviceID uint32

// ChecksumKind names a checksum/AEAD algorithm.
type ChecksumKind uint8

const (
	ChecksumNone ChecksumKind = iota
	ChecksumCRC32C
	ChecksumCRC64
	ChecksumChaChaPoly // authenticated: checksum value also seals the ciphertext
)

func (k ChecksumKind) String() string {
	switch k {
	case ChecksumNone:
		return "none"
	case ChecksumCRC32C:
		return "crc32c"
	case ChecksumCRC64:
		return "crc64"
	case ChecksumChaChaPoly:
		return "chacha-poly"
	default:
		return "unknown"
	}
}

func (k ChecksumKind) Encrypted() bool { return k == ChecksumChaChaPoly }

// CompressionKind names a compression algorithm.
type CompressionKind uint8

const (
	CompressionNone CompressionKind = iota
	CompressionLZ4
	CompressionGzip
)

func (k CompressionKind) String() string {
	switch k {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionGzip:
		return "gzip"
	default:
		return "unknown"
	}
}

// CRCDescriptor is the per-pointer checksum/compression metadata from
// spec §3. Invariant: LiveSize <= UncompressedSize and
// OffsetIntoUncompressed + LiveSize <= UncompressedSize.
type CRCDescriptor struct {
	CompressedSize         uint32
	UncompressedSize       uint32
	LiveSize                uint32
	OffsetIntoUncompressed uint32
	ChecksumType           ChecksumKind
	ChecksumValue          uint64
	CompressionType        CompressionKind
	Nonce                  uint64 // base nonce; see codec.DeriveNonce for the per-byte derivation
}

// Validate checks the descriptor invariants from spec §3.
func (c CRCDescriptor) Validate() error {
	if c.LiveSize > c.UncompressedSize {
		return fmt.Errorf("extent: live_size %d > uncompressed_size %d", c.LiveSize, c.UncompressedSize)
	}
	if uint64(c.OffsetIntoUncompressed)+uint64(c.LiveSize) > uint64(c.UncompressedSize) {
		return fmt.Errorf("extent: offset+live_size exceeds uncompressed_size")
	}
	return nil
}

// Pointer names one device-resident replica of an extent's payload.
type Pointer struct {
	Device         DeviceID
	DeviceOffset   uint64 // byte offset on Device
	Cached         bool   // best-effort, freely evictable; does not count against replication quota
	DeviceGenAtWrite uint64 // device generation stamped at write time, for stale-cache detection
}

// Extent is a contiguous logical range [Inode, Start, End) mapped to one or
// more pointers, per spec §3.
type Extent struct {
	ID      uuid.UUID
	Inode   uint64
	Start   uint64 // logical byte offset
	End     uint64
	Version uint64 // monotonically increasing per-filesystem counter; never reused

	CRC CRCDescriptor

	Pointers []Pointer

	// Degraded marks an extent that was inserted with fewer than the
	// configured replication factor of dirty pointers (spec §3's "unless
	// the extent is flagged degraded" carve-out; supplemented per
	// SPEC_FULL §6).
	Degraded bool
}

// DirtyPointers returns the subset of Pointers that count against
// replication quota (i.e. not cached).
func (e *Extent) DirtyPointers() []Pointer {
	out := make([]Pointer, 0, len(e.Pointers))
	for _, p := range e.Pointers {
		if !p.Cached {
			out = append(out, p)
		}
	}
	return out
}

// Overlaps reports whether e's logical range intersects [start, end).
func (e *Extent) Overlaps(inode, start, end uint64) bool {
	return e.Inode == inode && e.Start < end && start < e.End
}

// Key is the ordered key this extent is stored under in the extent index:
// (inode, start, version). Two extents with overlapping ranges are totally
// ordered by version, per spec §3's invariant.
type Key struct {
	Inode   uint64
	Start   uint64
	Version uint64
}

func (e *Extent) Key() Key { return Key{Inode: e.Inode, Start: e.Start, Version: e.Version} }

// Less orders keys first by (inode, start), then by version descending so
// the newest version of an overlapping range sorts first.
func (k Key) Less(other Key) bool {
	if k.Inode != other.Inode {
		return k.Inode < other.Inode
	}
	if k.Start != other.Start {
		return k.Start < other.Start
	}
	return k.Version > other.Version
}

// MarshalBinaryWithBuffer encodes an extent the way the index persists it, following
// the teacher's MarshalBinaryWithBuffer convention.
func (e *Extent) MarshalBinaryWithBuffer(buf *bytes.Buffer) error {
	fields := []interface{}{
		e.Inode, e.Start, e.End, e.Version,
		e.CRC.CompressedSize, e.CRC.UncompressedSize, e.CRC.LiveSize, e.CRC.OffsetIntoUncompressed,
		e.CRC.ChecksumType, e.CRC.ChecksumValue, e.CRC.CompressionType, e.CRC.Nonce,
		uint32(len(e.Pointers)),
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.BigEndian, f); err != nil {
			return err
		}
	}
	for _, p := range e.Pointers {
		if err := binary.Write(buf, binary.BigEndian, p.Device); err != nil {
			return err
		}
		if err := binary.Write(buf, binary.BigEndian, p.DeviceOffset); err != nil {
			return err
		}
		if err := binary.Write(buf, binary.BigEndian, p.Cached); err != nil {
			return err
		}
		if err := binary.Write(buf, binary.BigEndian, p.DeviceGenAtWrite); err != nil {
			return err
		}
	}
	return nil
}

func (e *Extent) String() string {
	return fmt.Sprintf("extent(inode=%d [%d,%d) v=%d ptrs=%d degraded=%v)",
		e.Inode, e.Start, e.End, e.Version, len(e.Pointers), e.Degraded)
}

// Clone returns a deep copy, used whenever a component must hold a
// snapshot independent of what the index does next (spec §3's
// "write/read operations hold only snapshots").
func (e *Extent) Clone() *Extent {
	c := *e
	c.Pointers = append([]Pointer(nil), e.Pointers...)
	return &c
}
