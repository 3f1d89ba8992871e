package types

import (
	"encoding/hex"
	"fmt"
)

// Commitment is the 32-byte encoding of a note commitment. Commitments are
// the leaves of the note commitment tree; their append order is the global
// output order of the scanned chain.
type Commitment [32]byte

// Nullifier is the 32-byte value revealed when a note is spent. It is unique
// per spendable note and is used only for matching against the unspent set.
type Nullifier [32]byte

// BlockHash is a 32-byte block identifier.
type BlockHash [32]byte

// TxID is a 32-byte transaction identifier.
type TxID [32]byte

// CommitmentFromBytes parses a canonical 32-byte commitment encoding.
func CommitmentFromBytes(b []byte) (Commitment, error) {
	var cm Commitment
	if len(b) != len(cm) {
		return cm, fmt.Errorf("invalid commitment length: %d (expected %d)", len(b), len(cm))
	}
	copy(cm[:], b)
	return cm, nil
}

// NullifierFromBytes parses a 32-byte nullifier encoding.
func NullifierFromBytes(b []byte) (Nullifier, error) {
	var nf Nullifier
	if len(b) != len(nf) {
		return nf, fmt.Errorf("invalid nullifier length: %d (expected %d)", len(b), len(nf))
	}
	copy(nf[:], b)
	return nf, nil
}

func (c Commitment) String() string { return hex.EncodeToString(c[:]) }
func (n Nullifier) String() string  { return hex.EncodeToString(n[:]) }
func (h BlockHash) String() string  { return hex.EncodeToString(h[:]) }
func (t TxID) String() string       { return hex.EncodeToString(t[:]) }

func (c Commitment) MarshalText() ([]byte, error) { return marshalHex(c[:]) }
func (n Nullifier) MarshalText() ([]byte, error)  { return marshalHex(n[:]) }
func (h BlockHash) MarshalText() ([]byte, error)  { return marshalHex(h[:]) }
func (t TxID) MarshalText() ([]byte, error)       { return marshalHex(t[:]) }

func (c *Commitment) UnmarshalText(b []byte) error { return unmarshalHex(c[:], b) }
func (n *Nullifier) UnmarshalText(b []byte) error  { return unmarshalHex(n[:], b) }
func (h *BlockHash) UnmarshalText(b []byte) error  { return unmarshalHex(h[:], b) }
func (t *TxID) UnmarshalText(b []byte) error       { return unmarshalHex(t[:], b) }

func marshalHex(b []byte) ([]byte, error) {
	out := make([]byte, hex.EncodedLen(len(b)))
	hex.Encode(out, b)
	return out, nil
}

func unmarshalHex(dst []byte, src []byte) error {
	if hex.DecodedLen(len(src)) != len(dst) {
		return fmt.Errorf("invalid hex length: %d (expected %d)", len(src), hex.EncodedLen(len(dst)))
	}
	_, err := hex.Decode(dst, src)
	return err
}
