package persistence

import (
	"errors"

	"github.com/shield-labs/lightscan-go/pkg/types"
)

// ErrBlockExists is the precondition error returned when ApplyBlock targets
// a height at or below the last scanned block. It is reported, never
// retried, never silently ignored.
var ErrBlockExists = errors.New("block height already scanned")

// IWalletPersistence defines the interface for the wallet's derived state:
// scanned blocks with their accumulator frontiers, discovered notes,
// per-height witnesses, and known transactions.
//
// Mutation is funnelled through exactly two operations, ApplyBlock and
// Rewind, and each call is one atomic unit in every implementation. The
// scanning core assumes a single thread of control for mutation; reads may
// be concurrent with each other.
type IWalletPersistence interface {
	// Chain state

	// LastScannedBlock returns the highest scanned block's record, or nil
	// if nothing has been scanned yet. Returns error only on storage
	// failure.
	LastScannedBlock() (*BlockRecord, error)

	// GetBlock retrieves a scanned block by height. Returns nil if the
	// height has not been scanned, error only on storage failure.
	GetBlock(height uint64) (*BlockRecord, error)

	// Notes and nullifiers

	// GetNote retrieves a discovered note. Returns nil if unknown, error
	// only on storage failure.
	GetNote(id NoteID) (*NoteRecord, error)

	// ListNotes returns all discovered notes for an account, sorted by
	// (txid, output index). Returns an empty slice if none exist.
	ListNotes(account uint32) ([]*NoteRecord, error)

	// UnspentNullifiers returns the nullifier and account of every note
	// that is currently unspent; this is the scanner's active matching set.
	UnspentNullifiers() ([]NullifierRecord, error)

	// Witnesses

	// WitnessesAtHeight returns the witness rows persisted for the given
	// scanned height, one per tracked note. Returns an empty slice if the
	// height holds no rows.
	WitnessesAtHeight(height uint64) ([]*WitnessRecord, error)

	// Transactions

	// GetTransaction retrieves a known transaction by id. Returns nil if
	// unknown, error only on storage failure.
	GetTransaction(txid types.TxID) (*TxRecord, error)

	// SaveTransaction upserts a transaction record. Used by the outer
	// wallet layer to register its own (typically unmined, expiring)
	// transactions; scanning marks them mined via ApplyBlock.
	SaveTransaction(tx *TxRecord) error

	// Atomic mutation

	// ApplyBlock persists every derived effect of one scanned block in a
	// single atomic unit: the block row, mined-transaction upserts, new
	// notes, spent markings, the witness snapshot at this height, witness
	// pruning below the rewind window, and release of spend-locks held by
	// transactions that expired unmined. Fails with ErrBlockExists if the
	// height is not strictly above the last scanned block.
	ApplyBlock(update *BlockUpdate) error

	// Rewind atomically discards derived state above targetHeight: witness
	// rows are deleted, transactions recorded above it are un-mined (their
	// rows are kept), and block rows are deleted. A target at or above the
	// last scanned height is a no-op. Safe to call repeatedly.
	Rewind(targetHeight uint64) error

	// Lifecycle

	// Close cleanly shuts down the persistence layer. Idempotent.
	Close() error

	// HealthCheck verifies the persistence layer is operational. Returns
	// nil if healthy. Intended to be called during startup to fail fast.
	HealthCheck() error
}
