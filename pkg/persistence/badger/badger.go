package badger

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/shield-labs/lightscan-go/pkg/persistence"
	"github.com/shield-labs/lightscan-go/pkg/types"
)

// Key prefixes for namespacing
const (
	keyPrefixBlock   = "block:"
	keyPrefixNote    = "note:"
	keyPrefixNf      = "nf:"
	keyPrefixWitness = "witness:"
	keyPrefixTx      = "tx:"

	keySchemaVersion     = "metadata:schema_version"
	currentSchemaVersion = "v1"
)

// BadgerPersistence is a production-ready persistence implementation using
// Badger. Every ApplyBlock and Rewind call runs inside a single Badger
// transaction, which provides the per-block atomic unit the scanning core
// requires.
type BadgerPersistence struct {
	db       *badgerdb.DB
	logger   *zap.Logger
	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

var _ persistence.IWalletPersistence = (*BadgerPersistence)(nil)

// NewBadgerPersistence creates a new Badger-backed persistence layer. The
// database is opened at the specified path with SyncWrites enabled for
// durability, and a background goroutine is started for value-log GC.
func NewBadgerPersistence(dataPath string, logger *zap.Logger) (*BadgerPersistence, error) {
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = &badgerLoggerAdapter{logger: logger}
	opts.SyncWrites = true
	opts.CompactL0OnClose = true
	opts.NumVersionsToKeep = 1

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", absPath, err)
	}

	bp := &BadgerPersistence{
		db:     db,
		logger: logger,
	}

	if err := bp.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	bp.gcCancel = cancel
	bp.gcWg.Add(1)
	go bp.runGC(ctx)

	logger.Sugar().Infow("Badger persistence initialized", "path", absPath)

	return bp, nil
}

// initSchema initializes or validates the schema version.
func (b *BadgerPersistence) initSchema() error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keySchemaVersion))
		if err == badgerdb.ErrKeyNotFound {
			return txn.Set([]byte(keySchemaVersion), []byte(currentSchemaVersion))
		}
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}

		var existing string
		err = item.Value(func(val []byte) error {
			existing = string(val)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to read schema version value: %w", err)
		}

		if existing != currentSchemaVersion {
			return fmt.Errorf("unsupported schema version: %s (expected: %s)", existing, currentSchemaVersion)
		}
		return nil
	})
}

// runGC runs periodic value-log garbage collection in the background.
func (b *BadgerPersistence) runGC(ctx context.Context) {
	defer b.gcWg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := b.db.RunValueLogGC(0.5)
			if err != nil && err != badgerdb.ErrNoRewrite {
				b.logger.Sugar().Warnw("Badger GC error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Key construction. Block and witness keys embed big-endian heights so that
// lexicographic key order is height order.

func blockKey(height uint64) []byte {
	key := make([]byte, len(keyPrefixBlock)+8)
	copy(key, keyPrefixBlock)
	binary.BigEndian.PutUint64(key[len(keyPrefixBlock):], height)
	return key
}

func noteKey(id persistence.NoteID) []byte {
	return []byte(keyPrefixNote + id.String())
}

func nfKey(nf types.Nullifier) []byte {
	return []byte(keyPrefixNf + nf.String())
}

func witnessKey(height uint64, id persistence.NoteID) []byte {
	key := make([]byte, 0, len(keyPrefixWitness)+8+1+len(id.String()))
	key = append(key, keyPrefixWitness...)
	var h [8]byte
	binary.BigEndian.PutUint64(h[:], height)
	key = append(key, h[:]...)
	key = append(key, ':')
	key = append(key, id.String()...)
	return key
}

func witnessKeyHeight(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(keyPrefixWitness) : len(keyPrefixWitness)+8])
}

func txKey(txid types.TxID) []byte {
	return []byte(keyPrefixTx + txid.String())
}

// LastScannedBlock returns the highest scanned block, or nil if none.
func (b *BadgerPersistence) LastScannedBlock() (*persistence.BlockRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	var block *persistence.BlockRecord
	err := b.db.View(func(txn *badgerdb.Txn) error {
		var err error
		block, err = lastScannedBlockTxn(txn)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load last scanned block: %w", err)
	}
	return block, nil
}

func lastScannedBlockTxn(txn *badgerdb.Txn) (*persistence.BlockRecord, error) {
	opts := badgerdb.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = []byte(keyPrefixBlock)

	it := txn.NewIterator(opts)
	defer it.Close()

	// Seek past the largest possible block key and step back into the
	// prefix range.
	seek := append([]byte(keyPrefixBlock), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	it.Seek(seek)
	if !it.ValidForPrefix([]byte(keyPrefixBlock)) {
		return nil, nil
	}

	var data []byte
	err := it.Item().Value(func(val []byte) error {
		data = append([]byte{}, val...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return persistence.UnmarshalBlockRecord(data)
}

// GetBlock retrieves a scanned block by height.
func (b *BadgerPersistence) GetBlock(height uint64) (*persistence.BlockRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	var data []byte
	err := b.db.View(func(txn *badgerdb.Txn) error {
		var err error
		data, err = getValue(txn, blockKey(height))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load block %d: %w", height, err)
	}
	if data == nil {
		return nil, nil
	}
	return persistence.UnmarshalBlockRecord(data)
}

// GetNote retrieves a discovered note.
func (b *BadgerPersistence) GetNote(id persistence.NoteID) (*persistence.NoteRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	var data []byte
	err := b.db.View(func(txn *badgerdb.Txn) error {
		var err error
		data, err = getValue(txn, noteKey(id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load note %s: %w", id, err)
	}
	if data == nil {
		return nil, nil
	}
	return persistence.UnmarshalNoteRecord(data)
}

// ListNotes returns all notes for an account sorted by (txid, output index).
func (b *BadgerPersistence) ListNotes(account uint32) ([]*persistence.NoteRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	notes := make([]*persistence.NoteRecord, 0)
	err := b.db.View(func(txn *badgerdb.Txn) error {
		return forEachNote(txn, func(note *persistence.NoteRecord) error {
			if note.Account == account {
				notes = append(notes, note)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}

	sort.Slice(notes, func(i, j int) bool {
		return notes[i].ID.String() < notes[j].ID.String()
	})
	return notes, nil
}

// UnspentNullifiers returns the active nullifier matching set.
func (b *BadgerPersistence) UnspentNullifiers() ([]persistence.NullifierRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	result := make([]persistence.NullifierRecord, 0)
	err := b.db.View(func(txn *badgerdb.Txn) error {
		return forEachNote(txn, func(note *persistence.NoteRecord) error {
			if note.SpentBy == nil {
				result = append(result, persistence.NullifierRecord{
					Nullifier: note.Nullifier,
					Account:   note.Account,
				})
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list unspent nullifiers: %w", err)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Nullifier.String() < result[j].Nullifier.String()
	})
	return result, nil
}

// WitnessesAtHeight returns the witness rows persisted for a height.
func (b *BadgerPersistence) WitnessesAtHeight(height uint64) ([]*persistence.WitnessRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	prefix := witnessKey(height, persistence.NoteID{})
	prefix = prefix[:len(keyPrefixWitness)+8+1]

	rows := make([]*persistence.WitnessRecord, 0)
	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var data []byte
			err := it.Item().Value(func(val []byte) error {
				data = append([]byte{}, val...)
				return nil
			})
			if err != nil {
				return err
			}
			row, err := persistence.UnmarshalWitnessRecord(data)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load witnesses at height %d: %w", height, err)
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Note.String() < rows[j].Note.String()
	})
	return rows, nil
}

// GetTransaction retrieves a known transaction.
func (b *BadgerPersistence) GetTransaction(txid types.TxID) (*persistence.TxRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	var data []byte
	err := b.db.View(func(txn *badgerdb.Txn) error {
		var err error
		data, err = getValue(txn, txKey(txid))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %s: %w", txid, err)
	}
	if data == nil {
		return nil, nil
	}
	return persistence.UnmarshalTxRecord(data)
}

// SaveTransaction upserts a transaction record.
func (b *BadgerPersistence) SaveTransaction(tx *persistence.TxRecord) error {
	if tx == nil {
		return fmt.Errorf("cannot save nil TxRecord")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	data, err := persistence.MarshalTxRecord(tx)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(txKey(tx.TxID), data)
	})
}

// ApplyBlock applies one block's derived effects inside a single Badger
// transaction.
func (b *BadgerPersistence) ApplyBlock(update *persistence.BlockUpdate) error {
	if update == nil {
		return fmt.Errorf("cannot apply nil BlockUpdate")
	}
	if update.Block.Tree == nil {
		return fmt.Errorf("cannot apply BlockUpdate without a tree frontier")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		last, err := lastScannedBlockTxn(txn)
		if err != nil {
			return err
		}
		if last != nil && last.Height >= update.Block.Height {
			return fmt.Errorf("%w: height %d, last scanned %d",
				persistence.ErrBlockExists, update.Block.Height, last.Height)
		}

		block := update.Block
		blockData, err := persistence.MarshalBlockRecord(&block)
		if err != nil {
			return err
		}
		if err := txn.Set(blockKey(block.Height), blockData); err != nil {
			return err
		}

		for _, txu := range update.Txs {
			if err := upsertMinedTx(txn, block.Height, txu); err != nil {
				return err
			}
		}

		for _, spent := range update.Spent {
			if err := markNoteSpent(txn, spent); err != nil {
				return err
			}
		}

		for _, note := range update.NewNotes {
			noteData, err := persistence.MarshalNoteRecord(note)
			if err != nil {
				return err
			}
			if err := txn.Set(noteKey(note.ID), noteData); err != nil {
				return err
			}
			if err := txn.Set(nfKey(note.Nullifier), noteKey(note.ID)); err != nil {
				return err
			}
		}

		for _, row := range update.Witnesses {
			stored := *row
			stored.Height = block.Height
			rowData, err := persistence.MarshalWitnessRecord(&stored)
			if err != nil {
				return err
			}
			if err := txn.Set(witnessKey(block.Height, row.Note), rowData); err != nil {
				return err
			}
		}

		if update.PruneBelowHeight > 0 {
			if err := pruneWitnesses(txn, update.PruneBelowHeight); err != nil {
				return err
			}
		}

		return releaseExpiredLocks(txn, block.Height)
	})
}

// Rewind discards derived state above targetHeight inside a single Badger
// transaction.
func (b *BadgerPersistence) Rewind(targetHeight uint64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		last, err := lastScannedBlockTxn(txn)
		if err != nil {
			return err
		}
		if last == nil || targetHeight >= last.Height {
			// Nothing to do.
			return nil
		}

		// Witness rows above the target go first.
		if err := deleteRange(txn, []byte(keyPrefixWitness), func(key []byte) bool {
			return witnessKeyHeight(key) > targetHeight
		}); err != nil {
			return err
		}

		// Un-mine, but do not delete, transactions recorded above the
		// target.
		if err := unmineTxsAbove(txn, targetHeight); err != nil {
			return err
		}

		// Now that nothing depends on them, drop the block rows.
		return deleteRange(txn, []byte(keyPrefixBlock), func(key []byte) bool {
			return binary.BigEndian.Uint64(key[len(keyPrefixBlock):]) > targetHeight
		})
	})
}

// Close shuts down the persistence layer.
func (b *BadgerPersistence) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil // Already closed, idempotent
	}
	b.closed = true
	b.mu.Unlock()

	if b.gcCancel != nil {
		b.gcCancel()
	}
	b.gcWg.Wait()

	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger database: %w", err)
	}

	b.logger.Sugar().Info("Badger persistence closed")
	return nil
}

// HealthCheck verifies the persistence layer is operational.
func (b *BadgerPersistence) HealthCheck() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	return b.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(keySchemaVersion))
		if err == badgerdb.ErrKeyNotFound {
			return fmt.Errorf("schema version not found - database may be corrupted")
		}
		return err
	})
}

// Transaction-scoped helpers

func getValue(txn *badgerdb.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err == badgerdb.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var data []byte
	err = item.Value(func(val []byte) error {
		data = append([]byte{}, val...)
		return nil
	})
	return data, err
}

func forEachNote(txn *badgerdb.Txn, fn func(*persistence.NoteRecord) error) error {
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = []byte(keyPrefixNote)

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var data []byte
		err := it.Item().Value(func(val []byte) error {
			data = append([]byte{}, val...)
			return nil
		})
		if err != nil {
			return err
		}
		note, err := persistence.UnmarshalNoteRecord(data)
		if err != nil {
			return err
		}
		if err := fn(note); err != nil {
			return err
		}
	}
	return nil
}

func upsertMinedTx(txn *badgerdb.Txn, height uint64, txu persistence.TxUpdate) error {
	data, err := getValue(txn, txKey(txu.TxID))
	if err != nil {
		return err
	}

	record := &persistence.TxRecord{TxID: txu.TxID}
	if data != nil {
		record, err = persistence.UnmarshalTxRecord(data)
		if err != nil {
			return err
		}
	}

	h := height
	idx := txu.Index
	record.Block = &h
	record.Index = &idx

	out, err := persistence.MarshalTxRecord(record)
	if err != nil {
		return err
	}
	return txn.Set(txKey(txu.TxID), out)
}

func markNoteSpent(txn *badgerdb.Txn, spent persistence.SpentNote) error {
	key, err := getValue(txn, nfKey(spent.Nullifier))
	if err != nil {
		return err
	}
	if key == nil {
		return fmt.Errorf("cannot mark unknown nullifier %s spent", spent.Nullifier)
	}

	data, err := getValue(txn, key)
	if err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("nullifier index points at missing note %s", string(key))
	}

	note, err := persistence.UnmarshalNoteRecord(data)
	if err != nil {
		return err
	}
	spentBy := spent.SpentBy
	note.SpentBy = &spentBy

	out, err := persistence.MarshalNoteRecord(note)
	if err != nil {
		return err
	}
	return txn.Set(key, out)
}

func pruneWitnesses(txn *badgerdb.Txn, belowHeight uint64) error {
	return deleteRange(txn, []byte(keyPrefixWitness), func(key []byte) bool {
		return witnessKeyHeight(key) < belowHeight
	})
}

func deleteRange(txn *badgerdb.Txn, prefix []byte, match func(key []byte) bool) error {
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)

	var doomed [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().KeyCopy(nil)
		if match(key) {
			doomed = append(doomed, key)
		}
	}
	it.Close()

	for _, key := range doomed {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func unmineTxsAbove(txn *badgerdb.Txn, targetHeight uint64) error {
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = []byte(keyPrefixTx)

	it := txn.NewIterator(opts)

	type pending struct {
		key  []byte
		data []byte
	}
	var updates []pending

	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().KeyCopy(nil)
		var data []byte
		err := it.Item().Value(func(val []byte) error {
			data = append([]byte{}, val...)
			return nil
		})
		if err != nil {
			it.Close()
			return err
		}

		record, err := persistence.UnmarshalTxRecord(data)
		if err != nil {
			it.Close()
			return err
		}
		if record.Block == nil || *record.Block <= targetHeight {
			continue
		}
		record.Block = nil
		record.Index = nil

		out, err := persistence.MarshalTxRecord(record)
		if err != nil {
			it.Close()
			return err
		}
		updates = append(updates, pending{key: key, data: out})
	}
	it.Close()

	for _, u := range updates {
		if err := txn.Set(u.key, u.data); err != nil {
			return err
		}
	}
	return nil
}

func releaseExpiredLocks(txn *badgerdb.Txn, height uint64) error {
	type pending struct {
		key  []byte
		data []byte
	}
	var updates []pending

	err := forEachNote(txn, func(note *persistence.NoteRecord) error {
		if note.SpentBy == nil {
			return nil
		}
		txData, err := getValue(txn, txKey(*note.SpentBy))
		if err != nil {
			return err
		}
		if txData == nil {
			return nil
		}
		record, err := persistence.UnmarshalTxRecord(txData)
		if err != nil {
			return err
		}
		if record.Block != nil || record.ExpiryHeight == 0 || record.ExpiryHeight >= height {
			return nil
		}

		note.SpentBy = nil
		out, err := persistence.MarshalNoteRecord(note)
		if err != nil {
			return err
		}
		updates = append(updates, pending{key: noteKey(note.ID), data: out})
		return nil
	})
	if err != nil {
		return err
	}

	for _, u := range updates {
		if err := txn.Set(u.key, u.data); err != nil {
			return err
		}
	}
	return nil
}
