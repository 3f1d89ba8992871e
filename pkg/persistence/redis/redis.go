package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shield-labs/lightscan-go/pkg/persistence"
	"github.com/shield-labs/lightscan-go/pkg/types"
)

// Key layout. Redis has no native prefix iteration over values, so index
// sets track note ids, transaction ids, and witness heights.
const (
	keyPrefixBlock   = "ls:block:"
	keyPrefixNote    = "ls:note:"
	keyPrefixNf      = "ls:nf:"
	keyPrefixWitness = "ls:witness:"
	keyPrefixTx      = "ls:tx:"

	keySetBlocks         = "ls:blocks:index"
	keySetNotes          = "ls:notes:index"
	keySetTxs            = "ls:txs:index"
	keySetWitnessHeights = "ls:witness:heights"

	keySchemaVersion     = "ls:metadata:schema_version"
	currentSchemaVersion = "v1"

	opTimeout = 5 * time.Second
)

// RedisConfig holds the configuration for connecting to Redis.
type RedisConfig struct {
	// Address is the Redis server address (host:port).
	Address string
	// Password is the optional Redis password.
	Password string
	// DB is the Redis database number.
	DB int
}

// kv is a pending key write staged before the MULTI/EXEC pipeline.
type kv struct {
	key  string
	data []byte
}

// RedisPersistence is a Redis-backed implementation of IWalletPersistence.
// Per-block writes go through MULTI/EXEC pipelines, which gives the atomic
// unit under this module's single-writer discipline: the scanning core is
// the only mutator, so read-then-pipeline cannot race with another writer.
type RedisPersistence struct {
	client *redis.Client
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

var _ persistence.IWalletPersistence = (*RedisPersistence)(nil)

// NewRedisPersistence creates a new Redis-backed persistence layer and
// verifies connectivity.
func NewRedisPersistence(cfg *RedisConfig, logger *zap.Logger) (*RedisPersistence, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	rp := &RedisPersistence{client: client, logger: logger}
	if err := rp.initSchema(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Sugar().Infow("Redis persistence initialized", "address", cfg.Address, "db", cfg.DB)
	return rp, nil
}

func (r *RedisPersistence) initSchema(ctx context.Context) error {
	existing, err := r.client.Get(ctx, keySchemaVersion).Result()
	if err == redis.Nil {
		return r.client.Set(ctx, keySchemaVersion, currentSchemaVersion, 0).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if existing != currentSchemaVersion {
		return fmt.Errorf("unsupported schema version: %s (expected: %s)", existing, currentSchemaVersion)
	}
	return nil
}

func blockKey(height uint64) string {
	return fmt.Sprintf("%s%016x", keyPrefixBlock, height)
}

func noteKey(id persistence.NoteID) string {
	return keyPrefixNote + id.String()
}

func nfKey(nf types.Nullifier) string {
	return keyPrefixNf + nf.String()
}

func witnessKey(height uint64, id persistence.NoteID) string {
	return fmt.Sprintf("%s%016x:%s", keyPrefixWitness, height, id)
}

func witnessIndexKey(height uint64) string {
	return fmt.Sprintf("ls:witnesses:index:%016x", height)
}

func txKey(txid types.TxID) string {
	return keyPrefixTx + txid.String()
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// LastScannedBlock returns the highest scanned block, or nil if none.
func (r *RedisPersistence) LastScannedBlock() (*persistence.BlockRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := opContext()
	defer cancel()
	return r.lastScannedBlock(ctx)
}

func (r *RedisPersistence) lastScannedBlock(ctx context.Context) (*persistence.BlockRecord, error) {
	heights, err := r.client.ZRevRange(ctx, keySetBlocks, 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read block index: %w", err)
	}
	if len(heights) == 0 {
		return nil, nil
	}
	height, err := strconv.ParseUint(heights[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt block index entry %q: %w", heights[0], err)
	}
	return r.getBlock(ctx, height)
}

// GetBlock retrieves a scanned block by height.
func (r *RedisPersistence) GetBlock(height uint64) (*persistence.BlockRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := opContext()
	defer cancel()
	return r.getBlock(ctx, height)
}

func (r *RedisPersistence) getBlock(ctx context.Context, height uint64) (*persistence.BlockRecord, error) {
	data, err := r.client.Get(ctx, blockKey(height)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load block %d: %w", height, err)
	}
	return persistence.UnmarshalBlockRecord(data)
}

// GetNote retrieves a discovered note.
func (r *RedisPersistence) GetNote(id persistence.NoteID) (*persistence.NoteRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := opContext()
	defer cancel()

	data, err := r.client.Get(ctx, noteKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load note %s: %w", id, err)
	}
	return persistence.UnmarshalNoteRecord(data)
}

func (r *RedisPersistence) allNotes(ctx context.Context) ([]*persistence.NoteRecord, error) {
	ids, err := r.client.SMembers(ctx, keySetNotes).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read note index: %w", err)
	}

	notes := make([]*persistence.NoteRecord, 0, len(ids))
	for _, id := range ids {
		data, err := r.client.Get(ctx, keyPrefixNote+id).Bytes()
		if err == redis.Nil {
			r.logger.Sugar().Warnw("Note index entry points at missing note, skipping", "id", id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load note %s: %w", id, err)
		}
		note, err := persistence.UnmarshalNoteRecord(data)
		if err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	return notes, nil
}

// ListNotes returns all notes for an account sorted by (txid, output index).
func (r *RedisPersistence) ListNotes(account uint32) ([]*persistence.NoteRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := opContext()
	defer cancel()

	notes, err := r.allNotes(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]*persistence.NoteRecord, 0, len(notes))
	for _, note := range notes {
		if note.Account == account {
			result = append(result, note)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID.String() < result[j].ID.String()
	})
	return result, nil
}

// UnspentNullifiers returns the active nullifier matching set.
func (r *RedisPersistence) UnspentNullifiers() ([]persistence.NullifierRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := opContext()
	defer cancel()

	notes, err := r.allNotes(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]persistence.NullifierRecord, 0, len(notes))
	for _, note := range notes {
		if note.SpentBy == nil {
			result = append(result, persistence.NullifierRecord{
				Nullifier: note.Nullifier,
				Account:   note.Account,
			})
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Nullifier.String() < result[j].Nullifier.String()
	})
	return result, nil
}

// WitnessesAtHeight returns the witness rows persisted for a height.
func (r *RedisPersistence) WitnessesAtHeight(height uint64) ([]*persistence.WitnessRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := opContext()
	defer cancel()

	ids, err := r.client.SMembers(ctx, witnessIndexKey(height)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read witness index at height %d: %w", height, err)
	}

	rows := make([]*persistence.WitnessRecord, 0, len(ids))
	for _, id := range ids {
		data, err := r.client.Get(ctx, keyPrefixWitness+fmt.Sprintf("%016x:", height)+id).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load witness %s at height %d: %w", id, height, err)
		}
		row, err := persistence.UnmarshalWitnessRecord(data)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Note.String() < rows[j].Note.String()
	})
	return rows, nil
}

// GetTransaction retrieves a known transaction.
func (r *RedisPersistence) GetTransaction(txid types.TxID) (*persistence.TxRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := opContext()
	defer cancel()
	return r.getTransaction(ctx, txid)
}

// SaveTransaction upserts a transaction record.
func (r *RedisPersistence) SaveTransaction(tx *persistence.TxRecord) error {
	if tx == nil {
		return fmt.Errorf("cannot save nil TxRecord")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	data, err := persistence.MarshalTxRecord(tx)
	if err != nil {
		return err
	}

	ctx, cancel := opContext()
	defer cancel()

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, txKey(tx.TxID), data, 0)
		pipe.SAdd(ctx, keySetTxs, tx.TxID.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save transaction %s: %w", tx.TxID, err)
	}
	return nil
}

// ApplyBlock applies one block's derived effects. Reads resolve before the
// MULTI/EXEC pipeline; all writes commit together.
func (r *RedisPersistence) ApplyBlock(update *persistence.BlockUpdate) error {
	if update == nil {
		return fmt.Errorf("cannot apply nil BlockUpdate")
	}
	if update.Block.Tree == nil {
		return fmt.Errorf("cannot apply BlockUpdate without a tree frontier")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := opContext()
	defer cancel()

	last, err := r.lastScannedBlock(ctx)
	if err != nil {
		return err
	}
	if last != nil && last.Height >= update.Block.Height {
		return fmt.Errorf("%w: height %d, last scanned %d",
			persistence.ErrBlockExists, update.Block.Height, last.Height)
	}

	height := update.Block.Height

	var writes []kv

	block := update.Block
	blockData, err := persistence.MarshalBlockRecord(&block)
	if err != nil {
		return err
	}
	writes = append(writes, kv{blockKey(height), blockData})

	// Mined-transaction upserts.
	for _, txu := range update.Txs {
		record, err := r.getTransaction(ctx, txu.TxID)
		if err != nil {
			return err
		}
		if record == nil {
			record = &persistence.TxRecord{TxID: txu.TxID}
		}
		h := height
		idx := txu.Index
		record.Block = &h
		record.Index = &idx
		data, err := persistence.MarshalTxRecord(record)
		if err != nil {
			return err
		}
		writes = append(writes, kv{txKey(txu.TxID), data})
	}

	// Spent markings, resolved through the nullifier index.
	for _, spent := range update.Spent {
		noteID, err := r.client.Get(ctx, nfKey(spent.Nullifier)).Result()
		if err == redis.Nil {
			return fmt.Errorf("cannot mark unknown nullifier %s spent", spent.Nullifier)
		}
		if err != nil {
			return fmt.Errorf("failed to resolve nullifier %s: %w", spent.Nullifier, err)
		}
		data, err := r.client.Get(ctx, keyPrefixNote+noteID).Bytes()
		if err != nil {
			return fmt.Errorf("nullifier index points at missing note %s: %w", noteID, err)
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
		writes = append(writes, kv{keyPrefixNote + noteID, out})
	}

	// New notes.
	var noteIndexAdds []interface{}
	var nfWrites []kv
	for _, note := range update.NewNotes {
		data, err := persistence.MarshalNoteRecord(note)
		if err != nil {
			return err
		}
		writes = append(writes, kv{noteKey(note.ID), data})
		nfWrites = append(nfWrites, kv{nfKey(note.Nullifier), []byte(note.ID.String())})
		noteIndexAdds = append(noteIndexAdds, note.ID.String())
	}

	// Witness snapshot at this height.
	var witnessIndexAdds []interface{}
	for _, row := range update.Witnesses {
		stored := *row
		stored.Height = height
		data, err := persistence.MarshalWitnessRecord(&stored)
		if err != nil {
			return err
		}
		writes = append(writes, kv{witnessKey(height, row.Note), data})
		witnessIndexAdds = append(witnessIndexAdds, row.Note.String())
	}

	// Witness pruning below the rewind window.
	pruneKeys, pruneHeights, err := r.witnessKeysWhere(ctx, func(h uint64) bool {
		return update.PruneBelowHeight > 0 && h < update.PruneBelowHeight
	})
	if err != nil {
		return err
	}

	// Spend-lock release for transactions that expired unmined.
	released, err := r.expiredLockReleases(ctx, height)
	if err != nil {
		return err
	}
	writes = append(writes, released...)

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range writes {
			pipe.Set(ctx, w.key, w.data, 0)
		}
		for _, w := range nfWrites {
			pipe.Set(ctx, w.key, w.data, 0)
		}
		pipe.ZAdd(ctx, keySetBlocks, redis.Z{Score: float64(height), Member: strconv.FormatUint(height, 10)})
		if len(noteIndexAdds) > 0 {
			pipe.SAdd(ctx, keySetNotes, noteIndexAdds...)
		}
		for _, txu := range update.Txs {
			pipe.SAdd(ctx, keySetTxs, txu.TxID.String())
		}
		if len(witnessIndexAdds) > 0 {
			pipe.SAdd(ctx, witnessIndexKey(height), witnessIndexAdds...)
			pipe.ZAdd(ctx, keySetWitnessHeights, redis.Z{Score: float64(height), Member: strconv.FormatUint(height, 10)})
		}
		for _, key := range pruneKeys {
			pipe.Del(ctx, key)
		}
		for _, h := range pruneHeights {
			pipe.Del(ctx, witnessIndexKey(h))
			pipe.ZRem(ctx, keySetWitnessHeights, strconv.FormatUint(h, 10))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply block %d: %w", height, err)
	}
	return nil
}

// getTransaction loads a transaction inside an operation that already
// holds the read lock.
func (r *RedisPersistence) getTransaction(ctx context.Context, txid types.TxID) (*persistence.TxRecord, error) {
	data, err := r.client.Get(ctx, txKey(txid)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %s: %w", txid, err)
	}
	return persistence.UnmarshalTxRecord(data)
}

// witnessKeysWhere returns the value keys and distinct heights of witness
// rows whose height satisfies the predicate.
func (r *RedisPersistence) witnessKeysWhere(ctx context.Context, match func(uint64) bool) ([]string, []uint64, error) {
	heightStrs, err := r.client.ZRange(ctx, keySetWitnessHeights, 0, -1).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read witness height index: %w", err)
	}

	var keys []string
	var heights []uint64
	for _, hs := range heightStrs {
		h, err := strconv.ParseUint(hs, 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("corrupt witness height entry %q: %w", hs, err)
		}
		if !match(h) {
			continue
		}
		ids, err := r.client.SMembers(ctx, witnessIndexKey(h)).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read witness index at height %d: %w", h, err)
		}
		for _, id := range ids {
			keys = append(keys, fmt.Sprintf("%s%016x:%s", keyPrefixWitness, h, id))
		}
		heights = append(heights, h)
	}
	return keys, heights, nil
}

func (r *RedisPersistence) expiredLockReleases(ctx context.Context, height uint64) ([]kv, error) {
	notes, err := r.allNotes(ctx)
	if err != nil {
		return nil, err
	}

	var out []kv
	for _, note := range notes {
		if note.SpentBy == nil {
			continue
		}
		record, err := r.getTransaction(ctx, *note.SpentBy)
		if err != nil {
			return nil, err
		}
		if record == nil || record.Block != nil || record.ExpiryHeight == 0 || record.ExpiryHeight >= height {
			continue
		}
		note.SpentBy = nil
		data, err := persistence.MarshalNoteRecord(note)
		if err != nil {
			return nil, err
		}
		out = append(out, kv{key: noteKey(note.ID), data: data})
	}
	return out, nil
}

// Rewind discards derived state above targetHeight.
func (r *RedisPersistence) Rewind(targetHeight uint64) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := opContext()
	defer cancel()

	last, err := r.lastScannedBlock(ctx)
	if err != nil {
		return err
	}
	if last == nil || targetHeight >= last.Height {
		// Nothing to do.
		return nil
	}

	witnessKeys, witnessHeights, err := r.witnessKeysWhere(ctx, func(h uint64) bool {
		return h > targetHeight
	})
	if err != nil {
		return err
	}

	// Un-mine transactions recorded above the target.
	txIDs, err := r.client.SMembers(ctx, keySetTxs).Result()
	if err != nil {
		return fmt.Errorf("failed to read transaction index: %w", err)
	}
	var txWrites []kv
	for _, id := range txIDs {
		data, err := r.client.Get(ctx, keyPrefixTx+id).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load transaction %s: %w", id, err)
		}
		record, err := persistence.UnmarshalTxRecord(data)
		if err != nil {
			return err
		}
		if record.Block == nil || *record.Block <= targetHeight {
			continue
		}
		record.Block = nil
		record.Index = nil
		out, err := persistence.MarshalTxRecord(record)
		if err != nil {
			return err
		}
		txWrites = append(txWrites, kv{key: keyPrefixTx + id, data: out})
	}

	// Block rows above the target.
	heightStrs, err := r.client.ZRangeByScore(ctx, keySetBlocks, &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", targetHeight),
		Max: "+inf",
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read block index: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range witnessKeys {
			pipe.Del(ctx, key)
		}
		for _, h := range witnessHeights {
			pipe.Del(ctx, witnessIndexKey(h))
			pipe.ZRem(ctx, keySetWitnessHeights, strconv.FormatUint(h, 10))
		}
		for _, w := range txWrites {
			pipe.Set(ctx, w.key, w.data, 0)
		}
		for _, hs := range heightStrs {
			h, err := strconv.ParseUint(hs, 10, 64)
			if err != nil {
				return fmt.Errorf("corrupt block index entry %q: %w", hs, err)
			}
			pipe.Del(ctx, blockKey(h))
			pipe.ZRem(ctx, keySetBlocks, hs)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to rewind to height %d: %w", targetHeight, err)
	}
	return nil
}

// Close shuts down the persistence layer.
func (r *RedisPersistence) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil // Already closed, idempotent
	}
	r.closed = true

	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	r.logger.Sugar().Info("Redis persistence closed")
	return nil
}

// HealthCheck verifies the persistence layer is operational.
func (r *RedisPersistence) HealthCheck() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := opContext()
	defer cancel()
	return r.client.Ping(ctx).Err()
}
