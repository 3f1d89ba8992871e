package commitment

import (
	"errors"

	"github.com/shield-labs/lightscan-go/pkg/crypto"
	"github.com/shield-labs/lightscan-go/pkg/types"
)

// ErrTreeFull is returned when an append would exceed the tree's fixed
// capacity of 2^TreeDepth leaves. With a depth of 32 this is a configuration
// error, not a condition reachable in practice.
var ErrTreeFull = errors.New("note commitment tree is full")

// Tree is the append-only note commitment accumulator. It stores only the
// frontier needed to append further leaves and compute the current root: the
// at-most-two leaves of the currently open leaf pair, plus the single
// unmatched node per level above it (nil where the level has none).
//
// Appends are O(TreeDepth). A Tree is not safe for concurrent use.
type Tree struct {
	left    *types.Commitment
	right   *types.Commitment
	parents []*types.Commitment
}

// NewTree returns an empty accumulator.
func NewTree() *Tree {
	return &Tree{}
}

// Size returns the number of leaves appended so far.
func (t *Tree) Size() uint64 {
	var n uint64
	if t.left != nil {
		n++
	}
	if t.right != nil {
		n++
	}
	for i, p := range t.parents {
		if p != nil {
			n += uint64(1) << (uint(i) + 1)
		}
	}
	return n
}

// Append adds one commitment at the next leaf position.
func (t *Tree) Append(cm types.Commitment) error {
	if t.left == nil {
		t.left = &cm
		return nil
	}
	if t.right == nil {
		t.right = &cm
		return nil
	}

	// Both leaf slots are occupied: close the pair and carry the combined
	// node upward until it finds an empty level.
	carry := crypto.MerkleCombine(0, *t.left, *t.right)
	t.left = &cm
	t.right = nil

	for i := 0; i < crypto.TreeDepth-1; i++ {
		if i < len(t.parents) {
			if t.parents[i] == nil {
				node := carry
				t.parents[i] = &node
				return nil
			}
			carry = crypto.MerkleCombine(i+1, *t.parents[i], carry)
			t.parents[i] = nil
			continue
		}
		node := carry
		t.parents = append(t.parents, &node)
		return nil
	}
	return ErrTreeFull
}

// Root returns the current root of the fixed-depth tree, with unfilled
// positions taken by the per-depth empty subtree constants. It has no side
// effects.
func (t *Tree) Root() types.Commitment {
	return t.rootWithFiller(crypto.TreeDepth, &pathFiller{})
}

// rootWithFiller computes the root of the tree padded to the given depth,
// drawing values for unfilled positions from filler. The plain Root uses an
// empty filler; witnesses substitute the nodes observed since their
// creation.
func (t *Tree) rootWithFiller(depth int, filler *pathFiller) types.Commitment {
	var root types.Commitment
	switch {
	case t.left != nil && t.right != nil:
		root = crypto.MerkleCombine(0, *t.left, *t.right)
	case t.left != nil:
		root = crypto.MerkleCombine(0, *t.left, filler.next(0))
	default:
		root = crypto.MerkleCombine(0, filler.next(0), filler.next(0))
	}

	for i := 0; i < depth-1; i++ {
		if i < len(t.parents) && t.parents[i] != nil {
			root = crypto.MerkleCombine(i+1, *t.parents[i], root)
		} else {
			root = crypto.MerkleCombine(i+1, root, filler.next(i+1))
		}
	}
	return root
}

// isComplete reports whether the tree is a perfectly full subtree of the
// given depth.
func (t *Tree) isComplete(depth int) bool {
	if depth == 0 {
		return t.left != nil && t.right == nil && len(t.parents) == 0
	}
	if t.left == nil || t.right == nil || len(t.parents) != depth-1 {
		return false
	}
	for _, p := range t.parents {
		if p == nil {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the tree.
func (t *Tree) Clone() *Tree {
	out := &Tree{}
	out.left = copyNode(t.left)
	out.right = copyNode(t.right)
	if t.parents != nil {
		out.parents = make([]*types.Commitment, len(t.parents))
		for i, p := range t.parents {
			out.parents[i] = copyNode(p)
		}
	}
	return out
}

func copyNode(p *types.Commitment) *types.Commitment {
	if p == nil {
		return nil
	}
	cm := *p
	return &cm
}

// pathFiller hands out the nodes a witness has observed since its creation,
// in order, falling back to the empty subtree constant for positions not yet
// observed.
type pathFiller struct {
	queue []types.Commitment
}

func (f *pathFiller) next(depth int) types.Commitment {
	if len(f.queue) > 0 {
		node := f.queue[0]
		f.queue = f.queue[1:]
		return node
	}
	return crypto.EmptyRoot(depth)
}
