package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shield-labs/lightscan-go/pkg/types"
)

func blockHash(n byte) types.BlockHash {
	var h types.BlockHash
	h[0] = n
	return h
}

// descendingChain builds a well-linked segment from `top` down to `bottom`
// inclusive, with the bottom block's previous-hash pointing at blockHash(p)
// where p is the byte below bottom's.
func descendingChain(top, bottom uint64) []*types.CompactBlock {
	var blocks []*types.CompactBlock
	for h := top; h >= bottom; h-- {
		blocks = append(blocks, &types.CompactBlock{
			Height:   h,
			Hash:     blockHash(byte(h)),
			PrevHash: blockHash(byte(h - 1)),
		})
	}
	return blocks
}

func TestValidate_EmptyCache(t *testing.T) {
	assert.NoError(t, Validate(nil, &BlockRef{Height: 10, Hash: blockHash(10)}))
	assert.NoError(t, Validate(nil, nil))
}

func TestValidate_WellLinkedSegment(t *testing.T) {
	cached := descendingChain(15, 11)
	err := Validate(cached, &BlockRef{Height: 10, Hash: blockHash(10)})
	assert.NoError(t, err)
}

func TestValidate_NoScannedState(t *testing.T) {
	// With nothing scanned yet only internal linkage is checked; the segment
	// may start anywhere.
	cached := descendingChain(500_015, 500_011)
	assert.NoError(t, Validate(cached, nil))
}

func TestValidate_HeightGap(t *testing.T) {
	cached := descendingChain(15, 11)
	// Remove height 13 to open a gap.
	cached = append(cached[:2], cached[3:]...)

	err := Validate(cached, &BlockRef{Height: 10, Hash: blockHash(10)})
	var heightErr *ErrInvalidHeight
	require.ErrorAs(t, err, &heightErr)
	assert.Equal(t, uint64(13), heightErr.Expected)
	assert.Equal(t, uint64(12), heightErr.Actual)
}

func TestValidate_PrevHashMismatchWithinSegment(t *testing.T) {
	cached := descendingChain(15, 11)
	// Corrupt the hash of height 12; the break is reported at the lower
	// block so a rewind to just below it reconnects.
	cached[3].Hash = blockHash(0xEE)

	err := Validate(cached, &BlockRef{Height: 10, Hash: blockHash(10)})
	var chainErr *ErrInvalidChain
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, uint64(12), chainErr.Height)
	assert.Equal(t, CausePrevHashMismatch, chainErr.Cause)
}

func TestValidate_SegmentDoesNotExtendScannedTip(t *testing.T) {
	cached := descendingChain(15, 12)

	err := Validate(cached, &BlockRef{Height: 10, Hash: blockHash(10)})
	var heightErr *ErrInvalidHeight
	require.ErrorAs(t, err, &heightErr)
	assert.Equal(t, uint64(11), heightErr.Expected)
	assert.Equal(t, uint64(12), heightErr.Actual)
}

func TestValidate_SegmentDisagreesWithScannedTip(t *testing.T) {
	cached := descendingChain(15, 11)

	// The persisted tip's hash differs from what the segment's lowest block
	// declares: the local chain itself reorged away.
	err := Validate(cached, &BlockRef{Height: 10, Hash: blockHash(0xAB)})
	var chainErr *ErrInvalidChain
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, uint64(10), chainErr.Height)
	assert.Equal(t, CausePrevHashMismatch, chainErr.Cause)
}

func TestValidate_SingleBlockSegment(t *testing.T) {
	cached := descendingChain(11, 11)
	assert.NoError(t, Validate(cached, &BlockRef{Height: 10, Hash: blockHash(10)}))
}
