package wallet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shield-labs/lightscan-go/pkg/chain"
	"github.com/shield-labs/lightscan-go/pkg/crypto"
	"github.com/shield-labs/lightscan-go/pkg/persistence"
	"github.com/shield-labs/lightscan-go/pkg/persistence/memory"
	"github.com/shield-labs/lightscan-go/pkg/types"
)

var testSeed = [32]byte{0x31}

func newTestWallet(t *testing.T, store persistence.IWalletPersistence, accounts int) *Wallet {
	t.Helper()
	keys := make([]*crypto.ViewingKey, accounts)
	for i := range keys {
		keys[i] = crypto.NewViewingKey(uint32(i), testSeed)
	}
	w, err := New(store, keys, zap.NewNop(), Config{CheckInvariants: true})
	require.NoError(t, err)
	return w
}

func testTxID(n byte) types.TxID {
	var id types.TxID
	id[0] = n
	return id
}

func blockHash(height uint64) types.BlockHash {
	var h types.BlockHash
	h[0] = byte(height)
	h[1] = byte(height >> 8)
	return h
}

// compactBlock builds a hash-linked block at the given height.
func compactBlock(height uint64, vtx ...*types.CompactTx) *types.CompactBlock {
	return &types.CompactBlock{
		Height:   height,
		Hash:     blockHash(height),
		PrevHash: blockHash(height - 1),
		Time:     uint32(1_700_000_000 + height),
		Vtx:      vtx,
	}
}

// sealedOutput encrypts a fresh note of the given value to an account.
func sealedOutput(t *testing.T, account uint32, value uint64) *types.CompactOutput {
	t.Helper()
	vk := crypto.NewViewingKey(account, testSeed)
	note := &crypto.PlaintextNote{Value: value}
	note.Rcm[0] = byte(value)
	note.Rcm[1] = byte(value >> 8)
	note.Rcm[2] = byte(value >> 16)

	cmu, epk, ciphertext, err := crypto.SealNote(vk.Ivk, note)
	require.NoError(t, err)
	return &types.CompactOutput{Cmu: cmu[:], EphemeralKey: epk, Ciphertext: ciphertext}
}

func foreignOutput(t *testing.T, value uint64) *types.CompactOutput {
	t.Helper()
	vk := crypto.NewViewingKey(0, [32]byte{0xEE})
	note := &crypto.PlaintextNote{Value: value}
	note.Rcm[0] = 0x77
	note.Rcm[1] = byte(value)

	cmu, epk, ciphertext, err := crypto.SealNote(vk.Ivk, note)
	require.NoError(t, err)
	return &types.CompactOutput{Cmu: cmu[:], EphemeralKey: epk, Ciphertext: ciphertext}
}

func TestWallet_New_Validation(t *testing.T) {
	store := memory.NewMemoryPersistence()
	defer func() { _ = store.Close() }()

	keys := []*crypto.ViewingKey{crypto.NewViewingKey(0, testSeed)}

	_, err := New(nil, keys, zap.NewNop(), Config{})
	assert.Error(t, err)

	_, err = New(store, nil, zap.NewNop(), Config{})
	assert.Error(t, err)

	_, err = New(store, keys, nil, Config{})
	assert.Error(t, err)

	dup := []*crypto.ViewingKey{
		crypto.NewViewingKey(3, testSeed),
		crypto.NewViewingKey(3, [32]byte{0x01}),
	}
	_, err = New(store, dup, zap.NewNop(), Config{})
	assert.Error(t, err)
}

func TestWallet_ScanDiscoversNote(t *testing.T) {
	store := memory.NewMemoryPersistence()
	defer func() { _ = store.Close() }()
	w := newTestWallet(t, store, 1)

	block := compactBlock(100, &types.CompactTx{
		Index: 0,
		Hash:  testTxID(1),
		Outputs: []*types.CompactOutput{
			foreignOutput(t, 1),
			sealedOutput(t, 0, 60_000),
		},
	})
	require.NoError(t, w.ScanCachedBlocks([]*types.CompactBlock{block}))

	last, err := store.LastScannedBlock()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, uint64(100), last.Height)
	assert.Equal(t, uint64(2), last.Tree.Size())

	balance, err := w.Balance(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(60_000), balance)

	// The persisted witness must authenticate the note's commitment under
	// the persisted frontier's root.
	rows, err := store.WitnessesAtHeight(100)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(1), rows[0].Witness.Position())
	assert.Equal(t, last.Tree.Root(), rows[0].Witness.Root())

	path, err := rows[0].Witness.Path()
	require.NoError(t, err)

	note, err := store.GetNote(rows[0].Note)
	require.NoError(t, err)
	cmu := crypto.NoteCommitment(&crypto.PlaintextNote{
		Value:       note.Value,
		Diversifier: note.Diversifier,
		Rcm:         note.Rcm,
	})
	assert.Equal(t, last.Tree.Root(), path.Root(cmu))

	nfs, err := store.UnspentNullifiers()
	require.NoError(t, err)
	require.Len(t, nfs, 1)
}

func TestWallet_FirstBlockAcceptedAtAnyHeight(t *testing.T) {
	store := memory.NewMemoryPersistence()
	defer func() { _ = store.Close() }()
	w := newTestWallet(t, store, 1)

	block := compactBlock(1_250_000)
	require.NoError(t, w.ScanCachedBlocks([]*types.CompactBlock{block}))

	last, err := store.LastScannedBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(1_250_000), last.Height)
}

func TestWallet_ScanRejectsHeightGap(t *testing.T) {
	store := memory.NewMemoryPersistence()
	defer func() { _ = store.Close() }()
	w := newTestWallet(t, store, 1)

	require.NoError(t, w.ScanCachedBlocks([]*types.CompactBlock{compactBlock(100)}))

	err := w.ScanCachedBlocks([]*types.CompactBlock{compactBlock(102)})
	var heightErr *chain.ErrInvalidHeight
	require.ErrorAs(t, err, &heightErr)
	assert.Equal(t, uint64(101), heightErr.Expected)
	assert.Equal(t, uint64(102), heightErr.Actual)

	// The failed call must not have advanced the scanned tip.
	last, err := store.LastScannedBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), last.Height)
}

func TestWallet_SpendAndChange(t *testing.T) {
	store := memory.NewMemoryPersistence()
	defer func() { _ = store.Close() }()
	w := newTestWallet(t, store, 1)

	fund := compactBlock(100, &types.CompactTx{
		Index:   0,
		Hash:    testTxID(1),
		Outputs: []*types.CompactOutput{sealedOutput(t, 0, 100_000)},
	})
	require.NoError(t, w.ScanCachedBlocks([]*types.CompactBlock{fund}))

	nfs, err := store.UnspentNullifiers()
	require.NoError(t, err)
	require.Len(t, nfs, 1)

	spend := compactBlock(101, &types.CompactTx{
		Index:   0,
		Hash:    testTxID(2),
		Spends:  []*types.CompactSpend{{Nf: nfs[0].Nullifier[:]}},
		Outputs: []*types.CompactOutput{sealedOutput(t, 0, 40_000)},
	})
	require.NoError(t, w.ScanCachedBlocks([]*types.CompactBlock{spend}))

	// The funding note is spent; the 40k output is change back to the
	// spending account.
	balance, err := w.Balance(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(40_000), balance)

	notes, err := store.ListNotes(0)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	for _, note := range notes {
		switch note.Value {
		case 100_000:
			require.NotNil(t, note.SpentBy)
			assert.Equal(t, testTxID(2), *note.SpentBy)
		case 40_000:
			assert.Nil(t, note.SpentBy)
			assert.True(t, note.IsChange)
		default:
			t.Fatalf("unexpected note value %d", note.Value)
		}
	}

	// The spent note's nullifier left the matching set; only the change
	// note's remains.
	nfs, err = store.UnspentNullifiers()
	require.NoError(t, err)
	require.Len(t, nfs, 1)

	// The spent note's witness stopped being carried.
	rows, err := store.WitnessesAtHeight(101)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestWallet_WitnessesSurviveAcrossScanCalls(t *testing.T) {
	store := memory.NewMemoryPersistence()
	defer func() { _ = store.Close() }()
	w := newTestWallet(t, store, 1)

	fund := compactBlock(100, &types.CompactTx{
		Index:   0,
		Hash:    testTxID(1),
		Outputs: []*types.CompactOutput{sealedOutput(t, 0, 10_000)},
	})
	require.NoError(t, w.ScanCachedBlocks([]*types.CompactBlock{fund}))

	// A later call reloads witnesses from the store and keeps advancing
	// them through foreign traffic.
	later := []*types.CompactBlock{
		compactBlock(101, &types.CompactTx{
			Index:   0,
			Hash:    testTxID(2),
			Outputs: []*types.CompactOutput{foreignOutput(t, 1), foreignOutput(t, 2)},
		}),
		compactBlock(102, &types.CompactTx{
			Index:   0,
			Hash:    testTxID(3),
			Outputs: []*types.CompactOutput{foreignOutput(t, 3)},
		}),
	}
	require.NoError(t, w.ScanCachedBlocks(later))

	last, err := store.LastScannedBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), last.Tree.Size())

	rows, err := store.WitnessesAtHeight(102)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(0), rows[0].Witness.Position())
	assert.Equal(t, last.Tree.Root(), rows[0].Witness.Root())
}

func TestWallet_MultipleAccounts(t *testing.T) {
	store := memory.NewMemoryPersistence()
	defer func() { _ = store.Close() }()
	w := newTestWallet(t, store, 3)

	block := compactBlock(100, &types.CompactTx{
		Index: 0,
		Hash:  testTxID(1),
		Outputs: []*types.CompactOutput{
			sealedOutput(t, 0, 1_000),
			sealedOutput(t, 2, 3_000),
			foreignOutput(t, 9),
		},
	})
	require.NoError(t, w.ScanCachedBlocks([]*types.CompactBlock{block}))

	b0, err := w.Balance(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), b0)

	b1, err := w.Balance(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), b1)

	b2, err := w.Balance(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(3_000), b2)
}

func TestWallet_VerifiedBalance(t *testing.T) {
	store := memory.NewMemoryPersistence()
	defer func() { _ = store.Close() }()
	w := newTestWallet(t, store, 1)

	blocks := []*types.CompactBlock{
		compactBlock(100, &types.CompactTx{
			Index:   0,
			Hash:    testTxID(1),
			Outputs: []*types.CompactOutput{sealedOutput(t, 0, 10_000)},
		}),
		compactBlock(101),
		compactBlock(102, &types.CompactTx{
			Index:   0,
			Hash:    testTxID(2),
			Outputs: []*types.CompactOutput{sealedOutput(t, 0, 5_000)},
		}),
	}
	require.NoError(t, w.ScanCachedBlocks(blocks))

	total, err := w.VerifiedBalance(0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(15_000), total)

	// At 3 confirmations only the note from height 100 qualifies.
	verified, err := w.VerifiedBalance(0, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000), verified)
}

func TestWallet_ValidateChain(t *testing.T) {
	store := memory.NewMemoryPersistence()
	defer func() { _ = store.Close() }()
	w := newTestWallet(t, store, 1)

	require.NoError(t, w.ScanCachedBlocks([]*types.CompactBlock{compactBlock(100)}))

	// Descending segment 103..101 linking down to the scanned tip.
	good := []*types.CompactBlock{compactBlock(103), compactBlock(102), compactBlock(101)}
	assert.NoError(t, w.ValidateChain(good))

	// Break the linkage: block 101 no longer points at the scanned tip.
	bad := []*types.CompactBlock{compactBlock(103), compactBlock(102), {
		Height:   101,
		Hash:     blockHash(101),
		PrevHash: types.BlockHash{0xDE, 0xAD},
	}}
	err := w.ValidateChain(bad)
	var chainErr *chain.ErrInvalidChain
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, uint64(100), chainErr.Height)
}

func TestWallet_RewindAndRescan(t *testing.T) {
	store := memory.NewMemoryPersistence()
	defer func() { _ = store.Close() }()
	w := newTestWallet(t, store, 1)

	blocks := []*types.CompactBlock{
		compactBlock(100, &types.CompactTx{
			Index:   0,
			Hash:    testTxID(1),
			Outputs: []*types.CompactOutput{sealedOutput(t, 0, 10_000)},
		}),
		compactBlock(101, &types.CompactTx{
			Index:   0,
			Hash:    testTxID(2),
			Outputs: []*types.CompactOutput{foreignOutput(t, 1)},
		}),
		compactBlock(102),
	}
	require.NoError(t, w.ScanCachedBlocks(blocks))

	require.NoError(t, w.RewindToHeight(100))

	last, err := store.LastScannedBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), last.Height)
	assert.Equal(t, uint64(1), last.Tree.Size())

	// A replacement branch for 101..102 scans cleanly on top.
	replacement := []*types.CompactBlock{
		compactBlock(101),
		compactBlock(102, &types.CompactTx{
			Index:   0,
			Hash:    testTxID(9),
			Outputs: []*types.CompactOutput{sealedOutput(t, 0, 2_000)},
		}),
	}
	require.NoError(t, w.ScanCachedBlocks(replacement))

	balance, err := w.Balance(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(12_000), balance)

	rows, err := store.WitnessesAtHeight(102)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestWallet_RewindToUnscannedHeightFails(t *testing.T) {
	store := memory.NewMemoryPersistence()
	defer func() { _ = store.Close() }()
	w := newTestWallet(t, store, 1)

	require.NoError(t, w.ScanCachedBlocks([]*types.CompactBlock{
		compactBlock(100), compactBlock(101),
	}))

	assert.Error(t, w.RewindToHeight(50))

	// Rewinding at or above the tip is a no-op.
	assert.NoError(t, w.RewindToHeight(101))
	assert.NoError(t, w.RewindToHeight(500))
}

func TestWallet_ScanEmptyBatch(t *testing.T) {
	store := memory.NewMemoryPersistence()
	defer func() { _ = store.Close() }()
	w := newTestWallet(t, store, 1)

	require.NoError(t, w.ScanCachedBlocks(nil))
}
