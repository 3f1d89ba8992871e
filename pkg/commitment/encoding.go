package commitment

import (
	"encoding/json"
	"fmt"

	"github.com/shield-labs/lightscan-go/pkg/types"
)

// treeJSON is the persisted form of a Tree frontier. nil pointers encode
// empty slots.
type treeJSON struct {
	Left    *types.Commitment   `json:"left,omitempty"`
	Right   *types.Commitment   `json:"right,omitempty"`
	Parents []*types.Commitment `json:"parents"`
}

func (t *Tree) MarshalJSON() ([]byte, error) {
	return json.Marshal(treeJSON{
		Left:    t.left,
		Right:   t.right,
		Parents: t.parents,
	})
}

func (t *Tree) UnmarshalJSON(data []byte) error {
	var enc treeJSON
	if err := json.Unmarshal(data, &enc); err != nil {
		return fmt.Errorf("failed to decode tree frontier: %w", err)
	}
	t.left = enc.Left
	t.right = enc.Right
	t.parents = enc.Parents
	return nil
}

type witnessJSON struct {
	Tree        *Tree              `json:"tree"`
	Filled      []types.Commitment `json:"filled,omitempty"`
	CursorDepth int                `json:"cursorDepth,omitempty"`
	Cursor      *Tree              `json:"cursor,omitempty"`
}

func (w *IncrementalWitness) MarshalJSON() ([]byte, error) {
	return json.Marshal(witnessJSON{
		Tree:        w.tree,
		Filled:      w.filled,
		CursorDepth: w.cursorDepth,
		Cursor:      w.cursor,
	})
}

func (w *IncrementalWitness) UnmarshalJSON(data []byte) error {
	var enc witnessJSON
	if err := json.Unmarshal(data, &enc); err != nil {
		return fmt.Errorf("failed to decode witness: %w", err)
	}
	if enc.Tree == nil {
		return fmt.Errorf("witness encoding is missing its tree snapshot")
	}
	w.tree = enc.Tree
	w.filled = enc.Filled
	w.cursorDepth = enc.CursorDepth
	w.cursor = enc.Cursor
	return nil
}
