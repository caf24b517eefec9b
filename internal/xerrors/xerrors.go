// Package xerrors defines the error taxonomy the data path propagates:
// transient, input, integrity, device, and fatal, per spec §7. Pipelines
// wrap a sentinel with call-site context using Info/Detail, mirroring the
// teacher's own errors.Info(err, "...") / errors.Detail(err) convention
// (reconstructed here: the upstream blobstore/util/errors implementation
// was not present in the retrieval pack, only its call sites).
package xerrors

import (
	"errors"
	"fmt"
)

// Transient: the caller should retry, possibly after backing off.
var (
	ErrAllocWouldBlock = errors.New("allocation would block")
	ErrLockChanged     = errors.New("btree lock changed, retry")
	ErrJournalFull     = errors.New("journal full, retry")
	ErrRaced           = errors.New("index update raced, retry region")
	ErrStalePointer    = errors.New("stale cached pointer")
)

// Input: the request itself is invalid; retrying verbatim will not help.
var (
	ErrOutOfSpace      = errors.New("out of space")
	ErrReadOnly        = errors.New("filesystem is read-only")
	ErrInvalidTarget   = errors.New("invalid migrate target")
	ErrIllegalArgument = errors.New("illegal argument")
)

// Integrity: data read back did not match what was supposed to be there.
var (
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrDecompressFailed  = errors.New("decompression failed")
	ErrUnpackFailed      = errors.New("extent key unpack failed")
	ErrNoSurvivingPtr    = errors.New("no surviving replica pointer")
)

// Device: a specific device failed to service an I/O.
var ErrDeviceIO = errors.New("device I/O error")

// Fatal: something the code path cannot safely recover from.
var (
	ErrBounceCorruption = errors.New("checksum mismatch on our own bounce buffer")
	ErrJournalUnrecover  = errors.New("unrecoverable journal error")
)

// Detailed wraps a sentinel error with call-site context, preserving
// errors.Is/As against the sentinel.
type Detailed struct {
	err     error
	context string
}

func (d *Detailed) Error() string {
	if d.context == "" {
		return d.err.Error()
	}
	return d.context + ": " + d.err.Error()
}

func (d *Detailed) Unwrap() error { return d.err }

// Info attaches a formatted message to err without losing its identity.
func Info(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Detailed{err: err, context: fmt.Sprintf(format, args...)}
}

// Detail renders the full chain of context messages attached to err.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Is reports whether err wraps target, per the standard errors.Is contract.
func Is(err, target error) bool { return errors.Is(err, target) }
