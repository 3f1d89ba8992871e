package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shield-labs/lightscan-go/pkg/persistence"
	"github.com/shield-labs/lightscan-go/pkg/types"
)

// MemoryPersistence is an in-memory implementation of IWalletPersistence.
// This implementation is intended for TESTING ONLY.
//
// All data is stored in memory and will be lost when the process exits.
// Thread-safe using sync.RWMutex. Deep copies data on the way in and out to
// prevent external mutation.
type MemoryPersistence struct {
	mu sync.RWMutex

	// Scanned blocks: height -> BlockRecord
	blocks map[uint64]*persistence.BlockRecord

	// Discovered notes and the nullifier index over the unspent ones
	notes   map[persistence.NoteID]*persistence.NoteRecord
	nfIndex map[types.Nullifier]persistence.NoteID

	// Witness rows: height -> note -> WitnessRecord
	witnesses map[uint64]map[persistence.NoteID]*persistence.WitnessRecord

	// Known transactions: txid -> TxRecord
	txs map[types.TxID]*persistence.TxRecord

	closed bool
}

var _ persistence.IWalletPersistence = (*MemoryPersistence)(nil)

// NewMemoryPersistence creates a new in-memory persistence layer.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{
		blocks:    make(map[uint64]*persistence.BlockRecord),
		notes:     make(map[persistence.NoteID]*persistence.NoteRecord),
		nfIndex:   make(map[types.Nullifier]persistence.NoteID),
		witnesses: make(map[uint64]map[persistence.NoteID]*persistence.WitnessRecord),
		txs:       make(map[types.TxID]*persistence.TxRecord),
	}
}

// LastScannedBlock returns the highest scanned block, or nil if none.
func (m *MemoryPersistence) LastScannedBlock() (*persistence.BlockRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	var best *persistence.BlockRecord
	for _, block := range m.blocks {
		if best == nil || block.Height > best.Height {
			best = block
		}
	}
	return copyBlock(best), nil
}

// GetBlock retrieves a scanned block by height.
func (m *MemoryPersistence) GetBlock(height uint64) (*persistence.BlockRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	return copyBlock(m.blocks[height]), nil
}

// GetNote retrieves a discovered note.
func (m *MemoryPersistence) GetNote(id persistence.NoteID) (*persistence.NoteRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	return copyNote(m.notes[id]), nil
}

// ListNotes returns all notes for an account sorted by (txid, output index).
func (m *MemoryPersistence) ListNotes(account uint32) ([]*persistence.NoteRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	result := make([]*persistence.NoteRecord, 0)
	for _, note := range m.notes {
		if note.Account == account {
			result = append(result, copyNote(note))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID.String() < result[j].ID.String()
	})
	return result, nil
}

// UnspentNullifiers returns the active nullifier matching set.
func (m *MemoryPersistence) UnspentNullifiers() ([]persistence.NullifierRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	result := make([]persistence.NullifierRecord, 0, len(m.nfIndex))
	for nf, id := range m.nfIndex {
		note := m.notes[id]
		if note == nil || note.SpentBy != nil {
			continue
		}
		result = append(result, persistence.NullifierRecord{Nullifier: nf, Account: note.Account})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Nullifier.String() < result[j].Nullifier.String()
	})
	return result, nil
}

// WitnessesAtHeight returns the witness rows persisted for a height.
func (m *MemoryPersistence) WitnessesAtHeight(height uint64) ([]*persistence.WitnessRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	rows := m.witnesses[height]
	result := make([]*persistence.WitnessRecord, 0, len(rows))
	for _, row := range rows {
		result = append(result, copyWitness(row))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Note.String() < result[j].Note.String()
	})
	return result, nil
}

// GetTransaction retrieves a known transaction.
func (m *MemoryPersistence) GetTransaction(txid types.TxID) (*persistence.TxRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	return copyTx(m.txs[txid]), nil
}

// SaveTransaction upserts a transaction record.
func (m *MemoryPersistence) SaveTransaction(tx *persistence.TxRecord) error {
	if tx == nil {
		return fmt.Errorf("cannot save nil TxRecord")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	m.txs[tx.TxID] = copyTx(tx)
	return nil
}

// ApplyBlock applies one block's derived effects. All validation happens
// before any mutation, so a rejected update leaves state untouched.
func (m *MemoryPersistence) ApplyBlock(update *persistence.BlockUpdate) error {
	if update == nil {
		return fmt.Errorf("cannot apply nil BlockUpdate")
	}
	if update.Block.Tree == nil {
		return fmt.Errorf("cannot apply BlockUpdate without a tree frontier")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	for _, block := range m.blocks {
		if block.Height >= update.Block.Height {
			return fmt.Errorf("%w: height %d, last scanned %d",
				persistence.ErrBlockExists, update.Block.Height, block.Height)
		}
	}
	for _, spent := range update.Spent {
		if _, ok := m.nfIndex[spent.Nullifier]; !ok {
			return fmt.Errorf("cannot mark unknown nullifier %s spent", spent.Nullifier)
		}
	}

	block := update.Block
	m.blocks[block.Height] = copyBlock(&block)

	for _, txu := range update.Txs {
		m.applyTxUpdate(block.Height, txu)
	}

	for _, spent := range update.Spent {
		note := m.notes[m.nfIndex[spent.Nullifier]]
		spentBy := spent.SpentBy
		note.SpentBy = &spentBy
	}

	for _, note := range update.NewNotes {
		m.notes[note.ID] = copyNote(note)
		m.nfIndex[note.Nullifier] = note.ID
	}

	rows := make(map[persistence.NoteID]*persistence.WitnessRecord, len(update.Witnesses))
	for _, row := range update.Witnesses {
		copied := copyWitness(row)
		copied.Height = block.Height
		rows[row.Note] = copied
	}
	m.witnesses[block.Height] = rows

	if update.PruneBelowHeight > 0 {
		for height := range m.witnesses {
			if height < update.PruneBelowHeight {
				delete(m.witnesses, height)
			}
		}
	}

	m.releaseExpiredLocks(block.Height)
	return nil
}

func (m *MemoryPersistence) applyTxUpdate(height uint64, txu persistence.TxUpdate) {
	h := height
	idx := txu.Index
	if existing, ok := m.txs[txu.TxID]; ok {
		existing.Block = &h
		existing.Index = &idx
		return
	}
	m.txs[txu.TxID] = &persistence.TxRecord{TxID: txu.TxID, Block: &h, Index: &idx}
}

// releaseExpiredLocks clears SpentBy on notes held by transactions that
// expired without being mined.
func (m *MemoryPersistence) releaseExpiredLocks(height uint64) {
	for _, note := range m.notes {
		if note.SpentBy == nil {
			continue
		}
		tx := m.txs[*note.SpentBy]
		if tx != nil && tx.Block == nil && tx.ExpiryHeight > 0 && tx.ExpiryHeight < height {
			note.SpentBy = nil
		}
	}
}

// Rewind discards derived state above targetHeight.
func (m *MemoryPersistence) Rewind(targetHeight uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	var last uint64
	var any bool
	for height := range m.blocks {
		if !any || height > last {
			last = height
			any = true
		}
	}
	if !any || targetHeight >= last {
		// Nothing to do.
		return nil
	}

	for height := range m.witnesses {
		if height > targetHeight {
			delete(m.witnesses, height)
		}
	}

	// Un-mine, but do not delete, transactions recorded above the target.
	for _, tx := range m.txs {
		if tx.Block != nil && *tx.Block > targetHeight {
			tx.Block = nil
			tx.Index = nil
		}
	}

	for height := range m.blocks {
		if height > targetHeight {
			delete(m.blocks, height)
		}
	}
	return nil
}

// Close shuts down the persistence layer.
func (m *MemoryPersistence) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// HealthCheck verifies the persistence layer is operational.
func (m *MemoryPersistence) HealthCheck() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}
	return nil
}

// Deep copy helpers

func copyBlock(b *persistence.BlockRecord) *persistence.BlockRecord {
	if b == nil {
		return nil
	}
	out := *b
	if b.Tree != nil {
		out.Tree = b.Tree.Clone()
	}
	return &out
}

func copyNote(n *persistence.NoteRecord) *persistence.NoteRecord {
	if n == nil {
		return nil
	}
	out := *n
	if n.SpentBy != nil {
		spentBy := *n.SpentBy
		out.SpentBy = &spentBy
	}
	return &out
}

func copyWitness(w *persistence.WitnessRecord) *persistence.WitnessRecord {
	if w == nil {
		return nil
	}
	out := *w
	if w.Witness != nil {
		out.Witness = w.Witness.Clone()
	}
	return &out
}

func copyTx(t *persistence.TxRecord) *persistence.TxRecord {
	if t == nil {
		return nil
	}
	out := *t
	if t.Block != nil {
		block := *t.Block
		out.Block = &block
	}
	if t.Index != nil {
		idx := *t.Index
		out.Index = &idx
	}
	return &out
}
