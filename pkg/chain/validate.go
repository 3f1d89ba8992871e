// Package chain certifies that a cached run of compact blocks forms a valid
// extension of the locally scanned chain. Validation trusts the serving
// peer's most recent data over older cached data: reorgs are expected to
// replace older blocks, so the walk starts at the newest cached block and
// works backward to where it must reconnect with committed history.
package chain

import (
	"github.com/shield-labs/lightscan-go/pkg/types"
)

// BlockRef identifies the last persisted block a cached segment must link
// to.
type BlockRef struct {
	Height uint64          `json:"height"`
	Hash   types.BlockHash `json:"hash"`
}

// Validate checks a cached chain segment, ordered by descending height down
// to one block above lastScanned, against the last persisted block. The
// highest cached block is taken as the trust anchor. Heights must be exactly
// sequential, each block's hash must equal the previous-hash the block above
// it declares, and the lowest block must link to lastScanned.
//
// A nil lastScanned means nothing has been scanned yet, in which case only
// the internal consistency of the segment is checked. Validate performs no
// mutation: it only certifies or rejects.
func Validate(cached []*types.CompactBlock, lastScanned *BlockRef) error {
	if len(cached) == 0 {
		// Nothing new to certify; previously scanned blocks were validated
		// when they were scanned.
		return nil
	}

	anchor := cached[0]
	lastHeight := anchor.Height
	lastPrevHash := anchor.PrevHash

	for _, block := range cached[1:] {
		if block.Height != lastHeight-1 {
			return &ErrInvalidHeight{Expected: lastHeight - 1, Actual: block.Height}
		}
		lastHeight = block.Height

		if block.Hash != lastPrevHash {
			return &ErrInvalidChain{Height: block.Height, Cause: CausePrevHashMismatch}
		}
		lastPrevHash = block.PrevHash
	}

	if lastScanned == nil {
		return nil
	}

	// The segment's lower boundary must sit directly on top of committed
	// history and hash-link to it.
	if lastHeight != lastScanned.Height+1 {
		return &ErrInvalidHeight{Expected: lastScanned.Height + 1, Actual: lastHeight}
	}
	if lastPrevHash != lastScanned.Hash {
		return &ErrInvalidChain{Height: lastScanned.Height, Cause: CausePrevHashMismatch}
	}
	return nil
}
