package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/shield-labs/lightscan-go/pkg/types"
)

const (
	// DiversifierSize is the size of the recipient diversifier carried in a
	// note plaintext.
	DiversifierSize = 11

	// CompactNoteSize is the length of a compact note plaintext:
	// value (8) || diversifier (11) || rcm (32).
	CompactNoteSize = 8 + DiversifierSize + 32

	// CompactCiphertextSize is the length of the ciphertext fragment needed
	// for trial decryption: the compact plaintext plus the AEAD tag.
	CompactCiphertextSize = CompactNoteSize + 16

	// EphemeralKeySize is the length of an output's ephemeral public value.
	EphemeralKeySize = 32
)

const (
	tagNoteKDF        = "lightscan.NoteKDF"
	tagNoteCommitment = "lightscan.NoteCommit"
	tagNullifier      = "lightscan.Nullifier"
)

// ViewingKey grants trial-decryption and nullifier-derivation capability for
// one account, without spending authority. Key material is opaque to the
// rest of the module.
type ViewingKey struct {
	// Account is the tracked account index this key belongs to. Account
	// order is the documented tie-break when more than one key could
	// decrypt the same output.
	Account uint32 `json:"account"`

	// Ivk is the incoming viewing key used to derive per-output decryption
	// keys.
	Ivk [32]byte `json:"ivk"`

	// Nk is the nullifier-deriving component.
	Nk [32]byte `json:"nk"`
}

// PlaintextNote is the decrypted content of an owned shielded output.
type PlaintextNote struct {
	Value       uint64                `json:"value"`
	Diversifier [DiversifierSize]byte `json:"diversifier"`
	Rcm         [32]byte              `json:"rcm"`
}

// NewViewingKey derives a deterministic test/fixture viewing key for an
// account from a 32-byte seed. Real deployments obtain keys from the wallet
// key hierarchy, which is outside this module.
func NewViewingKey(account uint32, seed [32]byte) *ViewingKey {
	vk := &ViewingKey{Account: account}
	vk.Ivk = deriveKeyComponent(seed, account, 0)
	vk.Nk = deriveKeyComponent(seed, account, 1)
	return vk
}

func deriveKeyComponent(seed [32]byte, account uint32, index byte) [32]byte {
	h, _ := blake2b.New256(nil)
	_, _ = h.Write([]byte("lightscan.ViewingKey"))
	_, _ = h.Write(seed[:])
	var acct [4]byte
	binary.LittleEndian.PutUint32(acct[:], account)
	_, _ = h.Write(acct[:])
	_, _ = h.Write([]byte{index})

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// NoteCommitment computes the commitment for a note plaintext. Trial
// decryption uses it to require that a decrypted plaintext recommits to the
// output's published commitment.
func NoteCommitment(note *PlaintextNote) types.Commitment {
	h, _ := blake2b.New256(nil)
	_, _ = h.Write([]byte(tagNoteCommitment))
	var value [8]byte
	binary.LittleEndian.PutUint64(value[:], note.Value)
	_, _ = h.Write(value[:])
	_, _ = h.Write(note.Diversifier[:])
	_, _ = h.Write(note.Rcm[:])

	var out types.Commitment
	copy(out[:], h.Sum(nil))
	return out
}

// TrialDecrypt attempts to decrypt a compact output ciphertext fragment
// under one viewing key. It returns the note plaintext and true only when
// the ciphertext authenticates under the key-derived AEAD key and the
// plaintext recommits to the published commitment. It is a pure function of
// its inputs.
func TrialDecrypt(vk *ViewingKey, ephemeralKey []byte, cmu types.Commitment, ciphertext []byte) (*PlaintextNote, bool) {
	if len(ephemeralKey) != EphemeralKeySize || len(ciphertext) < CompactCiphertextSize {
		return nil, false
	}

	aead, err := chacha20poly1305.New(sharedKey(vk.Ivk, ephemeralKey))
	if err != nil {
		return nil, false
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	plaintext, err := aead.Open(nil, nonce, ciphertext[:CompactCiphertextSize], nil)
	if err != nil {
		return nil, false
	}

	note := &PlaintextNote{
		Value: binary.LittleEndian.Uint64(plaintext[0:8]),
	}
	copy(note.Diversifier[:], plaintext[8:8+DiversifierSize])
	copy(note.Rcm[:], plaintext[8+DiversifierSize:CompactNoteSize])

	// The plaintext must recommit to the output's commitment, otherwise the
	// decryption is implausible.
	if NoteCommitment(note) != cmu {
		return nil, false
	}
	return note, true
}

// SealNote encrypts a note plaintext to the holder of ivk, returning the
// commitment, a fresh ephemeral value and the compact ciphertext fragment.
// Scanning never seals; transaction building and test fixtures do.
func SealNote(ivk [32]byte, note *PlaintextNote) (types.Commitment, []byte, []byte, error) {
	ephemeralKey := make([]byte, EphemeralKeySize)
	if _, err := rand.Read(ephemeralKey); err != nil {
		return types.Commitment{}, nil, nil, fmt.Errorf("failed to sample ephemeral key: %w", err)
	}

	aead, err := chacha20poly1305.New(sharedKey(ivk, ephemeralKey))
	if err != nil {
		return types.Commitment{}, nil, nil, fmt.Errorf("failed to construct AEAD: %w", err)
	}

	plaintext := make([]byte, CompactNoteSize)
	binary.LittleEndian.PutUint64(plaintext[0:8], note.Value)
	copy(plaintext[8:8+DiversifierSize], note.Diversifier[:])
	copy(plaintext[8+DiversifierSize:], note.Rcm[:])

	nonce := make([]byte, chacha20poly1305.NonceSize)
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	return NoteCommitment(note), ephemeralKey, ciphertext, nil
}

// DeriveNullifier computes the nullifier for an owned note at its final tree
// position. The position is part of the derivation, which is why nullifiers
// are derived only once a note's leaf position can no longer change.
func DeriveNullifier(vk *ViewingKey, note *PlaintextNote, position uint64) types.Nullifier {
	h, _ := blake2b.New256(nil)
	_, _ = h.Write([]byte(tagNullifier))
	_, _ = h.Write(vk.Nk[:])
	_, _ = h.Write(note.Rcm[:])
	var pos [8]byte
	binary.LittleEndian.PutUint64(pos[:], position)
	_, _ = h.Write(pos[:])

	var nf types.Nullifier
	copy(nf[:], h.Sum(nil))
	return nf
}

func sharedKey(ivk [32]byte, ephemeralKey []byte) []byte {
	h, _ := blake2b.New256(nil)
	_, _ = h.Write([]byte(tagNoteKDF))
	_, _ = h.Write(ivk[:])
	_, _ = h.Write(ephemeralKey)
	return h.Sum(nil)
}
