// Package wallet orchestrates scanning: it validates cached chains against
// persisted state, drives the block scanner in height order, derives
// nullifiers for discovered notes, and commits each block's effects as one
// atomic persistence update.
package wallet

import (
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/shield-labs/lightscan-go/pkg/chain"
	"github.com/shield-labs/lightscan-go/pkg/commitment"
	"github.com/shield-labs/lightscan-go/pkg/crypto"
	"github.com/shield-labs/lightscan-go/pkg/persistence"
	"github.com/shield-labs/lightscan-go/pkg/scanner"
	"github.com/shield-labs/lightscan-go/pkg/types"
)

// DefaultPruneDepth is the number of recent block heights whose witness
// snapshots are retained. Rewinds deeper than this window require a rescan
// from a trusted state.
const DefaultPruneDepth = 100

// Config holds the orchestrator's tunables.
type Config struct {
	// PruneDepth bounds the witness history kept for rewinds. Zero means
	// DefaultPruneDepth.
	PruneDepth uint64

	// CheckInvariants enables the per-block witness anchor check: after
	// scanning, every live witness must recompute the accumulator root.
	// Intended for tests and debugging; it is O(witnesses) extra hashing
	// per block.
	CheckInvariants bool
}

// Wallet is the scanning orchestrator. It is not safe for concurrent use:
// scanning is stateful and sequential, and the wallet assumes it is the
// only writer of its persistence layer.
type Wallet struct {
	store   persistence.IWalletPersistence
	keys    []*crypto.ViewingKey
	scanner *scanner.Scanner
	logger  *zap.Logger
	cfg     Config
}

// New creates a Wallet over a persistence layer and a set of viewing keys.
// Keys are sorted by account so that trial-decryption ties resolve to the
// lowest account deterministically.
func New(store persistence.IWalletPersistence, keys []*crypto.ViewingKey, logger *zap.Logger, cfg Config) (*Wallet, error) {
	if store == nil {
		return nil, errors.New("persistence layer cannot be nil")
	}
	if len(keys) == 0 {
		return nil, errors.New("at least one viewing key is required")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	sorted := make([]*crypto.ViewingKey, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Account < sorted[j].Account })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Account == sorted[i-1].Account {
			return nil, errors.Errorf("duplicate viewing key for account %d", sorted[i].Account)
		}
	}

	if cfg.PruneDepth == 0 {
		cfg.PruneDepth = DefaultPruneDepth
	}

	return &Wallet{
		store:   store,
		keys:    sorted,
		scanner: scanner.New(sorted, logger),
		logger:  logger,
		cfg:     cfg,
	}, nil
}

// ValidateChain checks a cached block range, ordered by decreasing height,
// for internal consistency and for continuity with the last scanned block.
// A nil return means the cache extends the persisted state; an
// *chain.ErrInvalidChain carries the height at which a rewind must land.
func (w *Wallet) ValidateChain(cached []*types.CompactBlock) error {
	last, err := w.store.LastScannedBlock()
	if err != nil {
		return errors.Wrap(err, "failed to load last scanned block")
	}

	var anchor *chain.BlockRef
	if last != nil {
		anchor = &chain.BlockRef{Height: last.Height, Hash: last.Hash}
	}
	return chain.Validate(cached, anchor)
}

// ScanCachedBlocks scans a run of cached blocks, ordered by increasing
// height, against the persisted wallet state. Each block's effects commit
// atomically before the next block is touched, so an error leaves the
// wallet consistent as of the last fully scanned block.
//
// The first block ever scanned is accepted at any height (the wallet
// birthday); after that, heights must be strictly sequential.
func (w *Wallet) ScanCachedBlocks(blocks []*types.CompactBlock) error {
	if len(blocks) == 0 {
		return nil
	}

	state, err := w.loadState()
	if err != nil {
		return err
	}

	for _, block := range blocks {
		if err := w.scanBlock(state, block); err != nil {
			return err
		}
	}

	w.logger.Sugar().Infow("Scan complete",
		"lastHeight", state.lastHeight,
		"treeSize", state.tree.Size(),
		"trackedNotes", len(state.witnesses))
	return nil
}

// RewindToHeight rolls the persisted state back so targetHeight is the last
// scanned block. Rewinding at or above the current tip is a no-op.
func (w *Wallet) RewindToHeight(targetHeight uint64) error {
	last, err := w.store.LastScannedBlock()
	if err != nil {
		return errors.Wrap(err, "failed to load last scanned block")
	}
	if last == nil || targetHeight >= last.Height {
		return nil
	}

	target, err := w.store.GetBlock(targetHeight)
	if err != nil {
		return errors.Wrapf(err, "failed to load block %d", targetHeight)
	}
	if target == nil {
		return errors.Errorf("cannot rewind to unscanned height %d", targetHeight)
	}

	// Witness rows below the prune window are gone; rewinding past it would
	// strand every tracked note without a usable witness.
	if last.Height-targetHeight > w.cfg.PruneDepth {
		return errors.Errorf("rewind to height %d exceeds the %d-block witness window (tip %d)",
			targetHeight, w.cfg.PruneDepth, last.Height)
	}

	if err := w.store.Rewind(targetHeight); err != nil {
		return errors.Wrapf(err, "failed to rewind to height %d", targetHeight)
	}

	w.logger.Sugar().Infow("Rewound wallet state",
		"fromHeight", last.Height, "toHeight", targetHeight)
	return nil
}

// Balance sums the value of unspent notes for an account. A note whose
// SpentBy marker is set does not count, even while the spending transaction
// is still unmined.
func (w *Wallet) Balance(account uint32) (uint64, error) {
	notes, err := w.store.ListNotes(account)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to list notes for account %d", account)
	}

	var total uint64
	for _, note := range notes {
		if note.SpentBy == nil {
			total += note.Value
		}
	}
	return total, nil
}

// VerifiedBalance sums unspent note value that has at least minConfirmations
// blocks on top of it, counting the note's own block as one confirmation.
func (w *Wallet) VerifiedBalance(account uint32, minConfirmations uint64) (uint64, error) {
	if minConfirmations == 0 {
		return w.Balance(account)
	}

	last, err := w.store.LastScannedBlock()
	if err != nil {
		return 0, errors.Wrap(err, "failed to load last scanned block")
	}
	if last == nil {
		return 0, nil
	}

	notes, err := w.store.ListNotes(account)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to list notes for account %d", account)
	}

	var total uint64
	for _, note := range notes {
		if note.SpentBy != nil {
			continue
		}
		tx, err := w.store.GetTransaction(note.ID.TxID)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to load transaction %s", note.ID.TxID)
		}
		if tx == nil || tx.Block == nil {
			continue
		}
		if last.Height-*tx.Block+1 >= minConfirmations {
			total += note.Value
		}
	}
	return total, nil
}

// scanState is the in-memory working set carried across the blocks of one
// ScanCachedBlocks call.
type scanState struct {
	started    bool
	lastHeight uint64
	tree       *commitment.Tree
	nullifiers map[types.Nullifier]uint32
	witnesses  map[persistence.NoteID]*commitment.IncrementalWitness
	// witnessOrder fixes iteration order over the witness map.
	witnessOrder []persistence.NoteID
}

func (w *Wallet) loadState() (*scanState, error) {
	state := &scanState{
		tree:       commitment.NewTree(),
		nullifiers: make(map[types.Nullifier]uint32),
		witnesses:  make(map[persistence.NoteID]*commitment.IncrementalWitness),
	}

	last, err := w.store.LastScannedBlock()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load last scanned block")
	}
	if last == nil {
		return state, nil
	}

	state.started = true
	state.lastHeight = last.Height
	if last.Tree != nil {
		state.tree = last.Tree.Clone()
	}

	nfs, err := w.store.UnspentNullifiers()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load unspent nullifiers")
	}
	for _, nf := range nfs {
		state.nullifiers[nf.Nullifier] = nf.Account
	}

	rows, err := w.store.WitnessesAtHeight(last.Height)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load witnesses at height %d", last.Height)
	}
	for _, row := range rows {
		state.witnesses[row.Note] = row.Witness.Clone()
		state.witnessOrder = append(state.witnessOrder, row.Note)
	}

	return state, nil
}

func (w *Wallet) scanBlock(state *scanState, block *types.CompactBlock) error {
	if state.started && block.Height != state.lastHeight+1 {
		return &chain.ErrInvalidHeight{Expected: state.lastHeight + 1, Actual: block.Height}
	}

	live := make([]*commitment.IncrementalWitness, 0, len(state.witnessOrder))
	for _, id := range state.witnessOrder {
		live = append(live, state.witnesses[id])
	}

	wtxs, err := w.scanner.ScanBlock(block, state.nullifiers, state.tree, live)
	if err != nil {
		return errors.Wrapf(err, "failed to scan block %d", block.Height)
	}

	update, err := w.buildUpdate(state, block, wtxs)
	if err != nil {
		return err
	}

	if w.cfg.CheckInvariants {
		if err := w.checkWitnessAnchors(state, block.Height); err != nil {
			return err
		}
	}

	if err := w.store.ApplyBlock(update); err != nil {
		return errors.Wrapf(err, "failed to persist block %d", block.Height)
	}

	state.started = true
	state.lastHeight = block.Height
	return nil
}

// buildUpdate turns one block's scan results into the atomic persistence
// update, and advances the in-memory state to match. Nullifiers are derived
// here, after scanning, because a note's nullifier depends on its final
// leaf position, which is only fixed once the whole block has entered the
// accumulator.
func (w *Wallet) buildUpdate(state *scanState, block *types.CompactBlock, wtxs []*scanner.WalletTx) (*persistence.BlockUpdate, error) {
	update := &persistence.BlockUpdate{
		Block: persistence.BlockRecord{
			Height: block.Height,
			Hash:   block.Hash,
			Time:   block.Time,
			Tree:   state.tree.Clone(),
		},
	}
	if block.Height > w.cfg.PruneDepth {
		update.PruneBelowHeight = block.Height - w.cfg.PruneDepth
	}

	keyByAccount := make(map[uint32]*crypto.ViewingKey, len(w.keys))
	for _, vk := range w.keys {
		keyByAccount[vk.Account] = vk
	}

	for _, wtx := range wtxs {
		update.Txs = append(update.Txs, persistence.TxUpdate{TxID: wtx.TxID, Index: wtx.Index})

		for _, spend := range wtx.Spends {
			update.Spent = append(update.Spent, persistence.SpentNote{
				Nullifier: spend.Nf,
				SpentBy:   wtx.TxID,
			})
			// The spent note's witness stops advancing; drop it from the
			// live set.
			w.dropSpentWitness(state, spend.Nf)
		}

		for _, out := range wtx.Outputs {
			vk := keyByAccount[out.Account]
			nf := crypto.DeriveNullifier(vk, out.Note, out.Witness.Position())

			id := persistence.NoteID{TxID: wtx.TxID, OutputIndex: out.Index}
			update.NewNotes = append(update.NewNotes, &persistence.NoteRecord{
				ID:          id,
				Account:     out.Account,
				Value:       out.Note.Value,
				Diversifier: out.Note.Diversifier,
				Rcm:         out.Note.Rcm,
				Nullifier:   nf,
				IsChange:    out.IsChange,
			})

			state.nullifiers[nf] = out.Account
			state.witnesses[id] = out.Witness
			state.witnessOrder = append(state.witnessOrder, id)
		}
	}

	for _, id := range state.witnessOrder {
		update.Witnesses = append(update.Witnesses, &persistence.WitnessRecord{
			Note:    id,
			Height:  block.Height,
			Witness: state.witnesses[id].Clone(),
		})
	}

	return update, nil
}

// dropSpentWitness removes the witness whose note carries the given
// nullifier. The nullifier-to-note mapping lives in the store; here the
// spent note is found by scanning the live set, which is small.
func (w *Wallet) dropSpentWitness(state *scanState, nf types.Nullifier) {
	note, err := w.noteByNullifier(nf)
	if err != nil || note == nil {
		// The note row must exist for the nullifier to have matched; a miss
		// here means the live set and store have diverged.
		w.logger.Sugar().Warnw("Spent nullifier has no note row", "nullifier", nf)
		return
	}

	delete(state.witnesses, note.ID)
	for i, id := range state.witnessOrder {
		if id == note.ID {
			state.witnessOrder = append(state.witnessOrder[:i], state.witnessOrder[i+1:]...)
			break
		}
	}
}

func (w *Wallet) noteByNullifier(nf types.Nullifier) (*persistence.NoteRecord, error) {
	for _, vk := range w.keys {
		notes, err := w.store.ListNotes(vk.Account)
		if err != nil {
			return nil, err
		}
		for _, note := range notes {
			if note.Nullifier == nf {
				return note, nil
			}
		}
	}
	return nil, nil
}

// checkWitnessAnchors verifies that every live witness recomputes the
// accumulator root after the block's appends.
func (w *Wallet) checkWitnessAnchors(state *scanState, height uint64) error {
	root := state.tree.Root()
	for _, id := range state.witnessOrder {
		if wroot := state.witnesses[id].Root(); wroot != root {
			return &chain.ErrInvalidWitnessAnchor{
				Height: height,
				Note:   id.String(),
			}
		}
	}
	return nil
}
