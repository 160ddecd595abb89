package journal

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupted indicates a line that is not a valid record.
	ErrCorrupted = errors.New("journal: file is corrupted")

	// ErrChecksumMismatch indicates a record whose checksum does not match its content.
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrEmpty indicates a journal without records.
	ErrEmpty = errors.New("journal: file is empty")

	// ErrClosed indicates an operation on a closed journal.
	ErrClosed = errors.New("journal: already closed")

	// ErrSyncFailed indicates fsync failed.
	ErrSyncFailed = errors.New("journal: sync to disk failed")
)

// ChecksumError reports a record that failed verification.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool { return target == ErrChecksumMismatch }

// CorruptionError reports an unreadable record.
type CorruptionError struct {
	Seq    uint64 // zero when the line did not parse
	Offset int64  // byte offset of the line
	Cause  error
}

func (e *CorruptionError) Error() string {
	if e.Seq > 0 {
		return fmt.Sprintf("journal: corrupted record seq=%d at offset %d: %v", e.Seq, e.Offset, e.Cause)
	}
	return fmt.Sprintf("journal: corrupted record at offset %d: %v", e.Offset, e.Cause)
}

func (e *CorruptionError) Is(target error) bool { return target == ErrCorrupted }

func (e *CorruptionError) Unwrap() error { return e.Cause }
