package chain

import "fmt"

// InvalidCause names the way a chain segment failed linkage validation.
type InvalidCause int

const (
	// CausePrevHashMismatch means a block's previous-hash did not match the
	// hash of the block below it (or the last persisted block).
	CausePrevHashMismatch InvalidCause = iota
)

func (c InvalidCause) String() string {
	switch c {
	case CausePrevHashMismatch:
		return "previous-hash mismatch"
	default:
		return "unknown"
	}
}

// ErrInvalidHeight is a sequencing error: a block arrived at a height other
// than the one required next. It is always fatal to the current call; the
// caller must re-fetch the correct height, never skip it.
type ErrInvalidHeight struct {
	Expected uint64
	Actual   uint64
}

func (e *ErrInvalidHeight) Error() string {
	return fmt.Sprintf("block out of sequence: expected height %d, got %d", e.Expected, e.Actual)
}

// ErrInvalidChain reports the height at which hash linkage broke, so the
// caller can choose a rewind depth. It is never resolved internally; only
// the caller knows an acceptable rewind policy.
type ErrInvalidChain struct {
	Height uint64
	Cause  InvalidCause
}

func (e *ErrInvalidChain) Error() string {
	return fmt.Sprintf("chain invalid at height %d: %s", e.Height, e.Cause)
}

// ErrInvalidWitnessAnchor is an internal-consistency error: a witness's
// recomputed root diverged from the accumulator's root after a block where
// they must match. It indicates a witness-maintenance bug or corrupted
// persisted state, and must abort the scan pass rather than be retried
// against the same state.
type ErrInvalidWitnessAnchor struct {
	Height uint64
	Note   string
}

func (e *ErrInvalidWitnessAnchor) Error() string {
	return fmt.Sprintf("witness for note %s has incorrect anchor after scanning block %d", e.Note, e.Height)
}
