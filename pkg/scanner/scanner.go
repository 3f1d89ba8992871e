// Package scanner discovers owned shielded outputs and spent notes in
// compact blocks. Scanning is sequential by construction: the accumulator
// and every witness are stateful structures whose correctness depends on
// exact append ordering, so blocks must be applied one at a time in height
// order. The only safe parallelism is trial decryption across viewing keys
// within a single output, which this package exploits.
package scanner

import (
	"sync"

	"go.uber.org/zap"

	"github.com/shield-labs/lightscan-go/pkg/commitment"
	"github.com/shield-labs/lightscan-go/pkg/crypto"
	"github.com/shield-labs/lightscan-go/pkg/types"
)

// parallelDecryptThreshold is the tracked-key count above which trial
// decryption of one output fans out across goroutines. Below it the
// goroutine overhead outweighs the work.
const parallelDecryptThreshold = 4

// WalletTx is one transaction that touched a tracked account: it matched at
// least one unspent nullifier, decrypted at least one output, or both.
type WalletTx struct {
	TxID       types.TxID
	Index      uint64
	NumSpends  int
	NumOutputs int
	Spends     []*WalletSpend
	Outputs    []*WalletOutput
}

// WalletSpend records a spend whose nullifier matched a tracked unspent
// note.
type WalletSpend struct {
	// Index is the spend's position within its transaction.
	Index   int
	Nf      types.Nullifier
	Account uint32
}

// WalletOutput is a newly discovered owned output, together with the
// witness created for it at its final leaf position.
type WalletOutput struct {
	// Index is the output's position within its transaction.
	Index    int
	Cmu      types.Commitment
	Account  uint32
	Note     *crypto.PlaintextNote
	IsChange bool
	Witness  *commitment.IncrementalWitness
}

// Scanner scans compact blocks against a fixed set of tracked viewing keys.
type Scanner struct {
	ivks   []*crypto.ViewingKey
	logger *zap.Logger
}

// New creates a Scanner. Keys are tried in the order given; the caller is
// expected to supply them in ascending account order, which fixes the
// winner when more than one key could decrypt the same output.
func New(ivks []*crypto.ViewingKey, logger *zap.Logger) *Scanner {
	return &Scanner{ivks: ivks, logger: logger}
}

// ScanBlock scans one compact block.
//
// The accumulator and every witness in existingWitnesses receive every
// output's commitment, in output order, whether or not the output is owned:
// the tree must include all outputs so that owned leaves keep their true
// global positions. Witnesses created for outputs discovered earlier in the
// same block are advanced by later outputs too.
//
// Matched nullifiers are removed from the supplied unspent set as they are
// found. Transactions that touch no tracked account are omitted from the
// result.
func (s *Scanner) ScanBlock(
	block *types.CompactBlock,
	nullifiers map[types.Nullifier]uint32,
	tree *commitment.Tree,
	existingWitnesses []*commitment.IncrementalWitness,
) ([]*WalletTx, error) {
	var (
		wtxs           []*WalletTx
		blockWitnesses []*commitment.IncrementalWitness
	)

	for _, tx := range block.Vtx {
		spends, spentAccounts := s.matchSpends(tx, nullifiers)

		var outputs []*WalletOutput
		for idx, output := range tx.Outputs {
			wo, err := s.scanOutput(idx, output, spentAccounts, tree, existingWitnesses, blockWitnesses)
			if err != nil {
				return nil, err
			}
			if wo != nil {
				outputs = append(outputs, wo)
				blockWitnesses = append(blockWitnesses, wo.Witness)
			}
		}

		if len(spends) == 0 && len(outputs) == 0 {
			continue
		}
		wtxs = append(wtxs, &WalletTx{
			TxID:       tx.Hash,
			Index:      tx.Index,
			NumSpends:  len(tx.Spends),
			NumOutputs: len(tx.Outputs),
			Spends:     spends,
			Outputs:    outputs,
		})
	}

	return wtxs, nil
}

// matchSpends tests each spend's nullifier against the unspent set, removing
// matches and recording which accounts spent in this transaction. The spent
// account set drives change detection for the transaction's outputs.
func (s *Scanner) matchSpends(
	tx *types.CompactTx,
	nullifiers map[types.Nullifier]uint32,
) ([]*WalletSpend, map[uint32]bool) {
	var spends []*WalletSpend
	spentAccounts := make(map[uint32]bool)

	for idx, spend := range tx.Spends {
		nf, err := types.NullifierFromBytes(spend.Nf)
		if err != nil {
			// A malformed nullifier cannot match any tracked note; the rest
			// of the transaction still scans.
			s.logger.Sugar().Debugw("Skipping malformed spend nullifier",
				"tx", tx.Hash, "spendIndex", idx, "error", err)
			continue
		}
		account, ok := nullifiers[nf]
		if !ok {
			continue
		}
		delete(nullifiers, nf)
		spends = append(spends, &WalletSpend{Index: idx, Nf: nf, Account: account})
		spentAccounts[account] = true
	}

	return spends, spentAccounts
}

// scanOutput appends one output's commitment to the accumulator and all live
// witnesses, then trial-decrypts it. It returns a WalletOutput only when a
// tracked key owns the output. A malformed output is appended as an
// anonymous leaf and never aborts the block.
func (s *Scanner) scanOutput(
	idx int,
	output *types.CompactOutput,
	spentAccounts map[uint32]bool,
	tree *commitment.Tree,
	existingWitnesses []*commitment.IncrementalWitness,
	blockWitnesses []*commitment.IncrementalWitness,
) (*WalletOutput, error) {
	cmu, cmuErr := types.CommitmentFromBytes(output.Cmu)
	if cmuErr != nil {
		// The output still occupies its global leaf position; it just can
		// never belong to any key.
		cmu = crypto.RepairLeaf(output.Cmu)
		s.logger.Sugar().Debugw("Repairing malformed output commitment",
			"outputIndex", idx, "error", cmuErr)
	}

	// The tree and every witness consume the same ordered leaf stream; the
	// witness for this output (if any) is created only after its own leaf
	// has entered the tree.
	for _, w := range existingWitnesses {
		if err := w.Append(cmu); err != nil {
			return nil, err
		}
	}
	for _, w := range blockWitnesses {
		if err := w.Append(cmu); err != nil {
			return nil, err
		}
	}
	if err := tree.Append(cmu); err != nil {
		return nil, err
	}

	if cmuErr != nil {
		return nil, nil
	}

	vk, note := s.trialDecrypt(output.EphemeralKey, cmu, output.Ciphertext)
	if vk == nil {
		return nil, nil
	}

	witness, err := commitment.NewIncrementalWitness(tree)
	if err != nil {
		return nil, err
	}

	return &WalletOutput{
		Index:    idx,
		Cmu:      cmu,
		Account:  vk.Account,
		Note:     note,
		IsChange: spentAccounts[vk.Account],
		Witness:  witness,
	}, nil
}

// trialDecrypt tries every tracked key against one output. For small key
// sets the keys are tried in order; larger sets fan out across goroutines.
// Either way the winner is the key at the lowest position, so the result is
// deterministic even in the (dishonestly constructed) case where several
// keys could decrypt the same ciphertext.
func (s *Scanner) trialDecrypt(ephemeralKey []byte, cmu types.Commitment, ciphertext []byte) (*crypto.ViewingKey, *crypto.PlaintextNote) {
	if len(s.ivks) < parallelDecryptThreshold {
		for _, vk := range s.ivks {
			if note, ok := crypto.TrialDecrypt(vk, ephemeralKey, cmu, ciphertext); ok {
				return vk, note
			}
		}
		return nil, nil
	}

	results := make([]*crypto.PlaintextNote, len(s.ivks))
	var wg sync.WaitGroup
	for i, vk := range s.ivks {
		wg.Add(1)
		go func(i int, vk *crypto.ViewingKey) {
			defer wg.Done()
			if note, ok := crypto.TrialDecrypt(vk, ephemeralKey, cmu, ciphertext); ok {
				results[i] = note
			}
		}(i, vk)
	}
	wg.Wait()

	for i, note := range results {
		if note != nil {
			return s.ivks[i], note
		}
	}
	return nil, nil
}
