// Package codec implements the stateless transforms over byte ranges from
// spec §4.2: compress/decompress, checksum, encrypt (symmetric AEAD, also
// used to decrypt), and rechecksum. Compression is grounded on the
// teacher's common/ec split/encode shape (one call per chunk, no streaming
// state); checksumming follows storage/extent.go's direct use of
// hash/crc32 for per-block CRCs, generalized to the checksum-kind set
// spec.md requires.
package codec

import (
	"bytes"
	"compress/gzip"
	"crypto/rand"
	"encoding/binary"
	"hash/crc32"
	"hash/crc64"
	"io"

	"github.com/pierrec/lz4"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/pneumaticat/bcachefs-go/extent"
	"github.com/pneumaticat/bcachefs-go/internal/xerrors"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)
var crc64Table = crc64.MakeTable(crc64.ISO)

// Compress writes a compressed rendition of src into dst using kind, and
// reports how much of src it consumed, how much of dst it produced, and
// the kind actually used (None when the data proved incompressible or no
// compression was requested), per spec §4.2's Compress contract.
func Compress(dst []byte, src []byte, kind extent.CompressionKind) (consumed, produced int, kindActual extent.CompressionKind, err error) {
	if kind == extent.CompressionNone {
		n := copy(dst, src)
		return n, n, extent.CompressionNone, nil
	}

	var buf bytes.Buffer
	switch kind {
	case extent.CompressionLZ4:
		w := lz4.NewWriter(&buf)
		if _, err = w.Write(src); err != nil {
			return 0, 0, extent.CompressionNone, err
		}
		if err = w.Close(); err != nil {
			return 0, 0, extent.CompressionNone, err
		}
	case extent.CompressionGzip:
		w := gzip.NewWriter(&buf)
		if _, err = w.Write(src); err != nil {
			return 0, 0, extent.CompressionNone, err
		}
		if err = w.Close(); err != nil {
			return 0, 0, extent.CompressionNone, err
		}
	default:
		return 0, 0, extent.CompressionNone, xerrors.ErrIllegalArgument
	}

	if buf.Len() >= len(src) || buf.Len() > len(dst) {
		// Incompressible (or the compressed form doesn't even fit dst):
		// fall back to a verbatim copy, matching spec §4.2's "kind_actual
		// may be none when incompressible".
		n := copy(dst, src)
		return n, n, extent.CompressionNone, nil
	}
	n := copy(dst, buf.Bytes())
	return len(src), n, kind, nil
}

// DecompressInPlace decompresses buf, which must already hold exactly
// crc.CompressedSize compressed bytes at its start, into itself, expanding
// up to crc.UncompressedSize. buf must be sized for the larger of the two.
func DecompressInPlace(buf []byte, crc extent.CRCDescriptor) ([]byte, error) {
	out := make([]byte, crc.UncompressedSize)
	n, err := Decompress(out, buf[:crc.CompressedSize], crc)
	if err != nil {
		return nil, err
	}
	copy(buf, out[:n])
	return buf[:n], nil
}

// Decompress expands src (crc.CompressedSize bytes) into dst according to
// crc.CompressionType.
func Decompress(dst []byte, src []byte, crc extent.CRCDescriptor) (int, error) {
	switch crc.CompressionType {
	case extent.CompressionNone:
		return copy(dst, src), nil
	case extent.CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(src))
		n, err := io.ReadFull(r, dst[:crc.UncompressedSize])
		if err != nil && err != io.ErrUnexpectedEOF {
			return 0, xerrors.Info(xerrors.ErrDecompressFailed, "lz4: %v", err)
		}
		return n, nil
	case extent.CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(src))
		if err != nil {
			return 0, xerrors.Info(xerrors.ErrDecompressFailed, "gzip: %v", err)
		}
		defer r.Close()
		n, err := io.ReadFull(r, dst[:crc.UncompressedSize])
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return 0, xerrors.Info(xerrors.ErrDecompressFailed, "gzip: %v", err)
		}
		return n, nil
	default:
		return 0, xerrors.ErrIllegalArgument
	}
}

// Checksum computes the digest of data under a plain (unauthenticated)
// kind; nonce is not used by any of them. Authenticated kinds are rejected
// with ErrIllegalArgument, since their tag is produced by Encrypt.
func Checksum(kind extent.ChecksumKind, nonce uint64, data []byte) (uint64, error) {
	switch kind {
	case extent.ChecksumNone:
		return 0, nil
	case extent.ChecksumCRC32C:
		return uint64(crc32.Checksum(data, crc32cTable)), nil
	case extent.ChecksumCRC64:
		return crc64.Checksum(data, crc64Table), nil
	case extent.ChecksumChaChaPoly:
		// The AEAD tag is computed by Encrypt, sealed with the key; Checksum
		// has no key and cannot reproduce it. Every call site must check
		// ChecksumKind.Encrypted() and route to Encrypt/Open instead —
		// returning anything here would silently hand back a value that
		// looks like a tag but isn't one.
		return 0, xerrors.ErrIllegalArgument
	default:
		return 0, xerrors.ErrIllegalArgument
	}
}

// DeriveNonce implements spec §4.2's nonce derivation:
// base_nonce(version) ⊕ crc.nonce ⊕ byte_offset. Reusing a nonce with a
// different plaintext is forbidden; callers that splice ranges must carry
// the per-byte nonce identity through by always calling this with the
// extent's true byte_offset, never a re-based one.
func DeriveNonce(version, crcNonce, byteOffset uint64) uint64 {
	return baseNonce(version) ^ crcNonce ^ byteOffset
}

func baseNonce(version uint64) uint64 {
	// A fixed, reversible mixing of the version counter. Versions never
	// repeat (spec §3), so this never repeats either.
	v := version
	v ^= v >> 33
	v *= 0xff51afd7ed558ccd
	v ^= v >> 33
	return v
}

// nonceBytes expands a 64-bit derived nonce into chacha20poly1305's
// required 12-byte nonce, keeping the low 8 bytes as the value we track
// for the no-reuse invariant and zeroing the rest.
func nonceBytes(n uint64) []byte {
	b := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(b[4:], n)
	return b
}

// Encrypt seals (or, called again with the same key/nonce, opens) buf
// using ChaCha20-Poly1305, returning the result in a new slice; buf is not
// modified. encrypting=false means decrypt. It also returns the checksum
// value to store in the CRC descriptor
// (encrypt) or an error if the tag didn't verify (decrypt).
func Encrypt(key [32]byte, nonce uint64, buf []byte, encrypting bool) ([]byte, uint64, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, 0, err
	}
	nb := nonceBytes(nonce)
	if encrypting {
		out := aead.Seal(nil, nb, buf, nil)
		tag := out[len(out)-chacha20poly1305.Overhead:]
		return out, binary.BigEndian.Uint64(tag[:8]), nil
	}
	out, err := aead.Open(nil, nb, buf, nil)
	if err != nil {
		return nil, 0, xerrors.Info(xerrors.ErrChecksumMismatch, "aead open: %v", err)
	}
	return out, 0, nil
}

// Rechecksum recomputes a checksum over a subset of src — [offset, offset+live) —
// without touching the ciphertext, per spec §4.2. It is used by the write
// pipeline's pre-encoded shortcut and by narrow-crcs.
func Rechecksum(src []byte, oldVersion uint64, oldCRC extent.CRCDescriptor, offset, live uint32, newKind extent.ChecksumKind) (extent.CRCDescriptor, error) {
	if uint64(offset)+uint64(live) > uint64(oldCRC.UncompressedSize) {
		return extent.CRCDescriptor{}, xerrors.ErrIllegalArgument
	}
	region := src[offset : offset+live]
	val, err := Checksum(newKind, oldCRC.Nonce, region)
	if err != nil {
		return extent.CRCDescriptor{}, err
	}
	newCRC := oldCRC
	newCRC.OffsetIntoUncompressed = offset
	newCRC.LiveSize = live
	newCRC.ChecksumType = newKind
	newCRC.ChecksumValue = val
	return newCRC, nil
}

// RandomKey generates a fresh symmetric key; used by tests.
func RandomKey() ([32]byte, error) {
	var k [32]byte
	_, err := rand.Read(k[:])
	return k, err
}
