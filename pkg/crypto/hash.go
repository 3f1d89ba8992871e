package crypto

import (
	"golang.org/x/crypto/blake2b"

	"github.com/shield-labs/lightscan-go/pkg/types"
)

// TreeDepth is the fixed depth of the note commitment tree. The tree holds
// at most 2^TreeDepth leaves.
const TreeDepth = 32

// Domain tags for hash personalization. Each use of BLAKE2b in this package
// carries a distinct tag so values from different contexts can never collide.
const (
	tagMerkleCombine = "lightscan.MerkleCombine"
	tagLeafRepair    = "lightscan.LeafRepair"
)

// UncommittedLeaf is the well-known value of an unfilled tree leaf.
var UncommittedLeaf = types.Commitment{0x01}

var emptyRoots [TreeDepth + 1]types.Commitment

func init() {
	// emptyRoots[d] is the root of a fully empty subtree of depth d.
	emptyRoots[0] = UncommittedLeaf
	for d := 0; d < TreeDepth; d++ {
		emptyRoots[d+1] = MerkleCombine(d, emptyRoots[d], emptyRoots[d])
	}
}

// MerkleCombine computes the parent of two sibling nodes at the given depth.
// The depth participates in the hash so that identical child pairs at
// different levels produce different parents.
func MerkleCombine(depth int, left, right types.Commitment) types.Commitment {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err) // unreachable with a nil key
	}
	_, _ = h.Write([]byte(tagMerkleCombine))
	_, _ = h.Write([]byte{byte(depth)})
	_, _ = h.Write(left[:])
	_, _ = h.Write(right[:])

	var out types.Commitment
	copy(out[:], h.Sum(nil))
	return out
}

// EmptyRoot returns the root of a fully empty subtree of the given depth.
// EmptyRoot(0) is the uncommitted leaf value.
func EmptyRoot(depth int) types.Commitment {
	return emptyRoots[depth]
}

// RepairLeaf maps an output commitment whose encoding is malformed onto a
// deterministic 32-byte leaf. The output still occupies its global tree
// position; it just can never decrypt under any key.
func RepairLeaf(raw []byte) types.Commitment {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	_, _ = h.Write([]byte(tagLeafRepair))
	_, _ = h.Write(raw)

	var out types.Commitment
	copy(out[:], h.Sum(nil))
	return out
}
