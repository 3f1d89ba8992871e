package commitment

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shield-labs/lightscan-go/pkg/crypto"
	"github.com/shield-labs/lightscan-go/pkg/types"
)

// leaf produces a distinct deterministic commitment per index.
func leaf(i uint64) types.Commitment {
	var cm types.Commitment
	binary.LittleEndian.PutUint64(cm[:8], i+1)
	return cm
}

// naiveRoot recomputes the fixed-depth root from the full leaf list, padding
// each level with the empty subtree constant. The accumulator must agree
// with it at every size.
func naiveRoot(leaves []types.Commitment) types.Commitment {
	level := append([]types.Commitment(nil), leaves...)
	for depth := 0; depth < crypto.TreeDepth; depth++ {
		if len(level)%2 == 1 {
			level = append(level, crypto.EmptyRoot(depth))
		}
		next := make([]types.Commitment, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, crypto.MerkleCombine(depth, level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

func TestTree_EmptyRoot(t *testing.T) {
	tree := NewTree()
	assert.Equal(t, uint64(0), tree.Size())
	assert.Equal(t, crypto.EmptyRoot(crypto.TreeDepth), tree.Root())
}

func TestTree_RootMatchesNaiveRecomputation(t *testing.T) {
	tree := NewTree()
	var leaves []types.Commitment

	// Sizes crossing every frontier shape up to a few parent levels.
	for i := uint64(0); i < 33; i++ {
		cm := leaf(i)
		require.NoError(t, tree.Append(cm))
		leaves = append(leaves, cm)

		assert.Equal(t, uint64(len(leaves)), tree.Size())
		assert.Equal(t, naiveRoot(leaves), tree.Root(), "root diverged at size %d", len(leaves))
	}
}

func TestTree_RootIsSideEffectFree(t *testing.T) {
	tree := NewTree()
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, tree.Append(leaf(i)))
	}

	first := tree.Root()
	second := tree.Root()
	assert.Equal(t, first, second)
	assert.Equal(t, uint64(5), tree.Size())
}

func TestTree_CloneIsIndependent(t *testing.T) {
	tree := NewTree()
	for i := uint64(0); i < 3; i++ {
		require.NoError(t, tree.Append(leaf(i)))
	}

	clone := tree.Clone()
	require.NoError(t, tree.Append(leaf(3)))

	assert.Equal(t, uint64(3), clone.Size())
	assert.Equal(t, uint64(4), tree.Size())
	assert.NotEqual(t, clone.Root(), tree.Root())
}

func TestWitness_EmptyTreeRejected(t *testing.T) {
	_, err := NewIncrementalWitness(NewTree())
	assert.ErrorIs(t, err, ErrWitnessEmptyTree)
}

func TestWitness_RootTracksTree(t *testing.T) {
	tree := NewTree()

	// Create witnesses at several positions and advance them all with every
	// later leaf; each must agree with the accumulator root throughout.
	var witnesses []*IncrementalWitness
	for i := uint64(0); i < 20; i++ {
		cm := leaf(i)
		for _, w := range witnesses {
			require.NoError(t, w.Append(cm))
		}
		require.NoError(t, tree.Append(cm))

		w, err := NewIncrementalWitness(tree)
		require.NoError(t, err)
		assert.Equal(t, i, w.Position())
		witnesses = append(witnesses, w)

		root := tree.Root()
		for j, w := range witnesses {
			assert.Equal(t, root, w.Root(), "witness %d diverged at size %d", j, i+1)
		}
	}
}

func TestWitness_PathAuthenticatesLeaf(t *testing.T) {
	tree := NewTree()
	var witnesses []*IncrementalWitness

	for i := uint64(0); i < 12; i++ {
		cm := leaf(i)
		for _, w := range witnesses {
			require.NoError(t, w.Append(cm))
		}
		require.NoError(t, tree.Append(cm))

		w, err := NewIncrementalWitness(tree)
		require.NoError(t, err)
		witnesses = append(witnesses, w)
	}

	root := tree.Root()
	for i, w := range witnesses {
		path, err := w.Path()
		require.NoError(t, err)
		assert.Equal(t, uint64(i), path.Position)
		assert.Len(t, path.Siblings, crypto.TreeDepth)
		assert.Equal(t, root, path.Root(leaf(uint64(i))), "path for leaf %d does not authenticate", i)
	}
}

func TestWitness_PositionStableAcrossAppends(t *testing.T) {
	tree := NewTree()
	require.NoError(t, tree.Append(leaf(0)))

	w, err := NewIncrementalWitness(tree)
	require.NoError(t, err)

	for i := uint64(1); i < 9; i++ {
		require.NoError(t, w.Append(leaf(i)))
		require.NoError(t, tree.Append(leaf(i)))
	}
	assert.Equal(t, uint64(0), w.Position())
	assert.Equal(t, tree.Root(), w.Root())
}

func TestWitness_CloneIsIndependent(t *testing.T) {
	tree := NewTree()
	require.NoError(t, tree.Append(leaf(0)))
	require.NoError(t, tree.Append(leaf(1)))

	w, err := NewIncrementalWitness(tree)
	require.NoError(t, err)

	clone := w.Clone()
	require.NoError(t, w.Append(leaf(2)))
	require.NoError(t, tree.Append(leaf(2)))

	assert.Equal(t, tree.Root(), w.Root())
	assert.NotEqual(t, tree.Root(), clone.Root())
	assert.Equal(t, w.Position(), clone.Position())
}

func TestTree_JSONRoundTrip(t *testing.T) {
	tree := NewTree()
	for i := uint64(0); i < 7; i++ {
		require.NoError(t, tree.Append(leaf(i)))
	}

	data, err := tree.MarshalJSON()
	require.NoError(t, err)

	restored := NewTree()
	require.NoError(t, restored.UnmarshalJSON(data))

	assert.Equal(t, tree.Size(), restored.Size())
	assert.Equal(t, tree.Root(), restored.Root())

	// The restored frontier must keep accumulating identically.
	require.NoError(t, tree.Append(leaf(7)))
	require.NoError(t, restored.Append(leaf(7)))
	assert.Equal(t, tree.Root(), restored.Root())
}

func TestWitness_JSONRoundTrip(t *testing.T) {
	tree := NewTree()
	require.NoError(t, tree.Append(leaf(0)))
	require.NoError(t, tree.Append(leaf(1)))
	require.NoError(t, tree.Append(leaf(2)))

	w, err := NewIncrementalWitness(tree)
	require.NoError(t, err)

	// Advance past the snapshot so filled and cursor state exist.
	for i := uint64(3); i < 6; i++ {
		require.NoError(t, w.Append(leaf(i)))
		require.NoError(t, tree.Append(leaf(i)))
	}

	data, err := w.MarshalJSON()
	require.NoError(t, err)

	restored := &IncrementalWitness{}
	require.NoError(t, restored.UnmarshalJSON(data))

	assert.Equal(t, w.Position(), restored.Position())
	assert.Equal(t, tree.Root(), restored.Root())

	require.NoError(t, restored.Append(leaf(6)))
	require.NoError(t, tree.Append(leaf(6)))
	assert.Equal(t, tree.Root(), restored.Root())
}
