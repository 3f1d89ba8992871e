package commitment

import (
	"errors"

	"github.com/shield-labs/lightscan-go/pkg/crypto"
	"github.com/shield-labs/lightscan-go/pkg/types"
)

// ErrWitnessEmptyTree is returned when a witness is requested for a tree
// with no leaves.
var ErrWitnessEmptyTree = errors.New("cannot witness an empty tree")

// IncrementalWitness maintains the authentication path for one leaf as the
// accumulator grows. It must be fed every leaf appended to the accumulator
// after its creation, in the same order; this lock-step append stream is
// what keeps the path correct without re-hashing the tree.
//
// Internally it freezes a snapshot of the accumulator frontier at creation
// time. Each level's sibling is either already present in the snapshot, or
// gets frozen into filled once the subtree covering that level closes off,
// or is still accumulating in cursor.
type IncrementalWitness struct {
	tree        *Tree
	filled      []types.Commitment
	cursorDepth int
	cursor      *Tree
}

// NewIncrementalWitness begins tracking the most recently appended leaf of
// the given accumulator. The accumulator is snapshotted; later appends must
// be mirrored via Append.
func NewIncrementalWitness(tree *Tree) (*IncrementalWitness, error) {
	if tree.Size() == 0 {
		return nil, ErrWitnessEmptyTree
	}
	return &IncrementalWitness{tree: tree.Clone()}, nil
}

// Position returns the tracked leaf's position in the global tree.
func (w *IncrementalWitness) Position() uint64 {
	return w.tree.Size() - 1
}

// Append advances the witness with the next leaf appended to the
// accumulator.
func (w *IncrementalWitness) Append(cm types.Commitment) error {
	if w.cursor != nil {
		if err := w.cursor.Append(cm); err != nil {
			return err
		}
		if w.cursor.isComplete(w.cursorDepth) {
			w.filled = append(w.filled, w.cursor.rootWithFiller(w.cursorDepth, &pathFiller{}))
			w.cursor = nil
		}
		return nil
	}

	w.cursorDepth = w.nextDepth()
	if w.cursorDepth >= crypto.TreeDepth {
		return ErrTreeFull
	}

	if w.cursorDepth == 0 {
		// The next unfilled slot is a single leaf: it freezes immediately.
		w.filled = append(w.filled, cm)
		return nil
	}

	cursor := NewTree()
	if err := cursor.Append(cm); err != nil {
		return err
	}
	w.cursor = cursor
	return nil
}

// nextDepth returns the depth of the next unfilled sibling slot relative to
// the frozen snapshot, accounting for slots already frozen into filled.
func (w *IncrementalWitness) nextDepth() int {
	skip := len(w.filled)

	if w.tree.left == nil {
		if skip > 0 {
			skip--
		} else {
			return 0
		}
	}
	if w.tree.right == nil {
		if skip > 0 {
			skip--
		} else {
			return 0
		}
	}

	depth := 1
	for _, p := range w.tree.parents {
		if p == nil {
			if skip > 0 {
				skip--
			} else {
				return depth
			}
		}
		depth++
	}
	return depth + skip
}

func (w *IncrementalWitness) filler() *pathFiller {
	queue := make([]types.Commitment, 0, len(w.filled)+1)
	queue = append(queue, w.filled...)
	if w.cursor != nil {
		queue = append(queue, w.cursor.rootWithFiller(w.cursorDepth, &pathFiller{}))
	}
	return &pathFiller{queue: queue}
}

// Root recomputes the tree root from the witness's own state. It must equal
// the accumulator's root after any identical append sequence; it exists for
// consistency assertions and is never the source of truth.
func (w *IncrementalWitness) Root() types.Commitment {
	return w.tree.rootWithFiller(crypto.TreeDepth, w.filler())
}

// Path returns the authentication path for the tracked leaf at the current
// tree state.
func (w *IncrementalWitness) Path() (*MerklePath, error) {
	if w.tree.left == nil {
		return nil, ErrWitnessEmptyTree
	}

	filler := w.filler()
	path := &MerklePath{Position: w.Position()}

	if w.tree.right != nil {
		// Tracked leaf is the right slot; its sibling is the left leaf.
		path.Siblings = append(path.Siblings, *w.tree.left)
	} else {
		path.Siblings = append(path.Siblings, filler.next(0))
	}

	for i, p := range w.tree.parents {
		if p != nil {
			path.Siblings = append(path.Siblings, *p)
		} else {
			path.Siblings = append(path.Siblings, filler.next(i+1))
		}
	}
	for i := len(w.tree.parents); i < crypto.TreeDepth-1; i++ {
		path.Siblings = append(path.Siblings, filler.next(i+1))
	}

	return path, nil
}

// Clone returns a deep copy of the witness.
func (w *IncrementalWitness) Clone() *IncrementalWitness {
	out := &IncrementalWitness{
		tree:        w.tree.Clone(),
		cursorDepth: w.cursorDepth,
	}
	if w.filled != nil {
		out.filled = append([]types.Commitment(nil), w.filled...)
	}
	if w.cursor != nil {
		out.cursor = w.cursor.Clone()
	}
	return out
}

// MerklePath is the ordered list of TreeDepth sibling hashes from leaf to
// root, plus the leaf's position. The position's bit i selects whether the
// tracked node is the right (1) or left (0) child at depth i.
type MerklePath struct {
	Position uint64             `json:"position"`
	Siblings []types.Commitment `json:"siblings"`
}

// Root folds the path over a leaf value, producing the root this path
// authenticates the leaf under.
func (p *MerklePath) Root(leaf types.Commitment) types.Commitment {
	node := leaf
	for i, sibling := range p.Siblings {
		if p.Position>>uint(i)&1 == 1 {
			node = crypto.MerkleCombine(i, sibling, node)
		} else {
			node = crypto.MerkleCombine(i, node, sibling)
		}
	}
	return node
}
