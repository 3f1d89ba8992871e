package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shield-labs/lightscan-go/pkg/types"
)

var testSeed = [32]byte{0x42}

func testNote(value uint64) *PlaintextNote {
	note := &PlaintextNote{Value: value}
	for i := range note.Diversifier {
		note.Diversifier[i] = byte(i)
	}
	for i := range note.Rcm {
		note.Rcm[i] = byte(value) ^ byte(i)
	}
	return note
}

func TestSealAndTrialDecrypt(t *testing.T) {
	vk := NewViewingKey(0, testSeed)
	note := testNote(100_000)

	cmu, epk, ciphertext, err := SealNote(vk.Ivk, note)
	require.NoError(t, err)
	assert.Len(t, epk, EphemeralKeySize)
	assert.Len(t, ciphertext, CompactCiphertextSize)
	assert.Equal(t, NoteCommitment(note), cmu)

	decrypted, ok := TrialDecrypt(vk, epk, cmu, ciphertext)
	require.True(t, ok)
	assert.Equal(t, note.Value, decrypted.Value)
	assert.Equal(t, note.Diversifier, decrypted.Diversifier)
	assert.Equal(t, note.Rcm, decrypted.Rcm)
}

func TestTrialDecrypt_WrongKeyFails(t *testing.T) {
	owner := NewViewingKey(0, testSeed)
	other := NewViewingKey(1, testSeed)
	note := testNote(5000)

	cmu, epk, ciphertext, err := SealNote(owner.Ivk, note)
	require.NoError(t, err)

	_, ok := TrialDecrypt(other, epk, cmu, ciphertext)
	assert.False(t, ok)
}

func TestTrialDecrypt_CommitmentMismatchFails(t *testing.T) {
	vk := NewViewingKey(0, testSeed)
	note := testNote(5000)

	_, epk, ciphertext, err := SealNote(vk.Ivk, note)
	require.NoError(t, err)

	// A ciphertext that authenticates but was published under a different
	// commitment must be rejected as implausible.
	wrongCmu := NoteCommitment(testNote(6000))
	_, ok := TrialDecrypt(vk, epk, wrongCmu, ciphertext)
	assert.False(t, ok)
}

func TestTrialDecrypt_TamperedCiphertextFails(t *testing.T) {
	vk := NewViewingKey(0, testSeed)
	note := testNote(5000)

	cmu, epk, ciphertext, err := SealNote(vk.Ivk, note)
	require.NoError(t, err)

	ciphertext[0] ^= 0x01
	_, ok := TrialDecrypt(vk, epk, cmu, ciphertext)
	assert.False(t, ok)
}

func TestTrialDecrypt_MalformedInputs(t *testing.T) {
	vk := NewViewingKey(0, testSeed)
	note := testNote(5000)

	cmu, epk, ciphertext, err := SealNote(vk.Ivk, note)
	require.NoError(t, err)

	_, ok := TrialDecrypt(vk, epk[:16], cmu, ciphertext)
	assert.False(t, ok)

	_, ok = TrialDecrypt(vk, epk, cmu, ciphertext[:CompactCiphertextSize-1])
	assert.False(t, ok)
}

func TestDeriveNullifier_PositionSensitive(t *testing.T) {
	vk := NewViewingKey(0, testSeed)
	note := testNote(5000)

	nf0 := DeriveNullifier(vk, note, 0)
	nf0again := DeriveNullifier(vk, note, 0)
	nf1 := DeriveNullifier(vk, note, 1)

	assert.Equal(t, nf0, nf0again)
	assert.NotEqual(t, nf0, nf1)
}

func TestDeriveNullifier_KeySensitive(t *testing.T) {
	note := testNote(5000)
	nf0 := DeriveNullifier(NewViewingKey(0, testSeed), note, 7)
	nf1 := DeriveNullifier(NewViewingKey(1, testSeed), note, 7)
	assert.NotEqual(t, nf0, nf1)
}

func TestMerkleCombine_DepthSensitive(t *testing.T) {
	left := types.Commitment{0x01}
	right := types.Commitment{0x02}

	assert.NotEqual(t, MerkleCombine(0, left, right), MerkleCombine(1, left, right))
	assert.NotEqual(t, MerkleCombine(0, left, right), MerkleCombine(0, right, left))
}

func TestEmptyRoots_Chain(t *testing.T) {
	assert.Equal(t, UncommittedLeaf, EmptyRoot(0))
	for depth := 0; depth < TreeDepth; depth++ {
		expected := MerkleCombine(depth, EmptyRoot(depth), EmptyRoot(depth))
		assert.Equal(t, expected, EmptyRoot(depth+1), "empty root chain broken at depth %d", depth+1)
	}
}

func TestRepairLeaf_Deterministic(t *testing.T) {
	raw := []byte{0x01, 0x02, 0x03}
	assert.Equal(t, RepairLeaf(raw), RepairLeaf(raw))
	assert.NotEqual(t, RepairLeaf(raw), RepairLeaf([]byte{0x01, 0x02, 0x04}))
}

func TestNewViewingKey_DistinctAccounts(t *testing.T) {
	vk0 := NewViewingKey(0, testSeed)
	vk1 := NewViewingKey(1, testSeed)

	assert.NotEqual(t, vk0.Ivk, vk1.Ivk)
	assert.NotEqual(t, vk0.Nk, vk1.Nk)
	assert.NotEqual(t, vk0.Ivk, vk0.Nk)
}
