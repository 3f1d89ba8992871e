package persistence

import (
	"fmt"

	"github.com/shield-labs/lightscan-go/pkg/commitment"
	"github.com/shield-labs/lightscan-go/pkg/crypto"
	"github.com/shield-labs/lightscan-go/pkg/types"
)

// NoteID identifies a received note by the transaction that created it and
// the output's index within that transaction.
type NoteID struct {
	TxID        types.TxID `json:"txid"`
	OutputIndex int        `json:"outputIndex"`
}

func (id NoteID) String() string {
	return fmt.Sprintf("%s:%d", id.TxID, id.OutputIndex)
}

// BlockRecord is one scanned block's persisted row: its identity plus the
// accumulator frontier as of the end of that block.
type BlockRecord struct {
	Height uint64           `json:"height"`
	Hash   types.BlockHash  `json:"hash"`
	Time   uint32           `json:"time"`
	Tree   *commitment.Tree `json:"tree"`
}

// NoteRecord is one discovered owned note. SpentBy is nil while the note is
// unspent; it holds the spending transaction once the note's nullifier has
// been matched (or while an unmined transaction holds a spend-lock on it).
type NoteRecord struct {
	ID          NoteID                       `json:"id"`
	Account     uint32                       `json:"account"`
	Value       uint64                       `json:"value"`
	Diversifier [crypto.DiversifierSize]byte `json:"diversifier"`
	Rcm         [32]byte                     `json:"rcm"`
	Nullifier   types.Nullifier              `json:"nullifier"`
	IsChange    bool                         `json:"isChange"`
	SpentBy     *types.TxID                  `json:"spentBy,omitempty"`
}

// WitnessRecord is one note's witness as of one scanned height. Rows older
// than the rewind window are pruned; only recent states are needed for
// reorg recovery.
type WitnessRecord struct {
	Note    NoteID                         `json:"note"`
	Height  uint64                         `json:"height"`
	Witness *commitment.IncrementalWitness `json:"witness"`
}

// TxRecord is one known transaction. Block and Index are nil while the
// transaction is unmined. ExpiryHeight, when non-zero, is the height after
// which an unmined transaction's spend-locks are released.
type TxRecord struct {
	TxID         types.TxID `json:"txid"`
	Block        *uint64    `json:"block,omitempty"`
	Index        *uint64    `json:"index,omitempty"`
	ExpiryHeight uint64     `json:"expiryHeight,omitempty"`
}

// NullifierRecord pairs an unspent note's nullifier with its owning
// account, forming the scanner's active matching set.
type NullifierRecord struct {
	Nullifier types.Nullifier `json:"nullifier"`
	Account   uint32          `json:"account"`
}

// TxUpdate marks a transaction as mined in the block being applied.
type TxUpdate struct {
	TxID  types.TxID `json:"txid"`
	Index uint64     `json:"index"`
}

// SpentNote marks a tracked note, addressed by nullifier, as spent by a
// transaction in the block being applied.
type SpentNote struct {
	Nullifier types.Nullifier `json:"nullifier"`
	SpentBy   types.TxID      `json:"spentBy"`
}

// BlockUpdate carries every derived effect of scanning one block. A backend
// applies the whole update atomically: either all of it commits or none of
// it does, so a crash mid-block can never leave the accumulator ahead of
// the note set or vice versa.
type BlockUpdate struct {
	// Block is the scanned block's row, including the accumulator frontier
	// at this height.
	Block BlockRecord `json:"block"`

	// Txs are the mined-transaction upserts for transactions that touched a
	// tracked account in this block.
	Txs []TxUpdate `json:"txs,omitempty"`

	// NewNotes are the notes discovered in this block.
	NewNotes []*NoteRecord `json:"newNotes,omitempty"`

	// Spent marks previously discovered notes whose nullifiers matched
	// spends in this block.
	Spent []SpentNote `json:"spent,omitempty"`

	// Witnesses is the full live-witness snapshot as of this height, one
	// row per tracked unspent note.
	Witnesses []*WitnessRecord `json:"witnesses,omitempty"`

	// PruneBelowHeight drops witness rows for heights strictly below it,
	// bounding storage to the supported rewind window.
	PruneBelowHeight uint64 `json:"pruneBelowHeight,omitempty"`
}
