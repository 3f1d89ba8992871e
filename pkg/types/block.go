package types

// CompactBlock is the light-client representation of one block: enough data
// to trial-decrypt outputs and match nullifiers, already deserialized from
// whatever wire encoding the transport uses. This package does not parse
// bytes off the wire.
type CompactBlock struct {
	Height   uint64       `json:"height"`
	Hash     BlockHash    `json:"hash"`
	PrevHash BlockHash    `json:"prevHash"`
	Time     uint32       `json:"time"`
	Vtx      []*CompactTx `json:"vtx"`
}

// CompactTx is the compact form of one transaction: its shielded spends and
// outputs in consensus order.
type CompactTx struct {
	// Index is the transaction's position within its block.
	Index   uint64           `json:"index"`
	Hash    TxID             `json:"hash"`
	Spends  []*CompactSpend  `json:"spends"`
	Outputs []*CompactOutput `json:"outputs"`
}

// CompactSpend exposes a spend's nullifier. The encoding is kept raw: a
// malformed nullifier simply cannot match any tracked note.
type CompactSpend struct {
	Nf []byte `json:"nf"`
}

// CompactOutput carries the minimum needed for trial decryption: the note
// commitment, the ephemeral public value, and the leading fragment of the
// note ciphertext. Encodings are kept raw; malformed fields are handled
// during scanning, never at construction.
type CompactOutput struct {
	Cmu          []byte `json:"cmu"`
	EphemeralKey []byte `json:"epk"`
	Ciphertext   []byte `json:"ciphertext"`
}
