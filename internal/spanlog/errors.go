package spanlog

// ============================================================================
// Span Log Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed log
	ErrClosed = errors.New("spanlog: already closed")

	// ErrCorrupted is matched by every CorruptionError and ChecksumError
	ErrCorrupted = errors.New("spanlog: file is corrupted")
)

// ChecksumError is a frame whose payload does not match its CRC32.
type ChecksumError struct {
	Offset   int64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("spanlog: checksum mismatch at offset %d (expected=0x%08x, got=0x%08x)",
		e.Offset, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool { return target == ErrCorrupted }

// CorruptionError is a frame that could not be read or decoded.
type CorruptionError struct {
	Seq    uint64 // last good sequence number before the failure
	Offset int64
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("spanlog: corrupted record after seq=%d at offset %d: %v", e.Seq, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error { return e.Cause }

func (e *CorruptionError) Is(target error) bool { return target == ErrCorrupted }
