package persistence

import (
	"encoding/json"
	"fmt"
)

// MarshalBlockRecord serializes a BlockRecord to JSON bytes. The embedded
// tree frontier has its own JSON encoding.
func MarshalBlockRecord(block *BlockRecord) ([]byte, error) {
	if block == nil {
		return nil, fmt.Errorf("cannot marshal nil BlockRecord")
	}
	data, err := json.Marshal(block)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal BlockRecord: %w", err)
	}
	return data, nil
}

// UnmarshalBlockRecord deserializes a BlockRecord from JSON bytes.
func UnmarshalBlockRecord(data []byte) (*BlockRecord, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}
	var block BlockRecord
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, fmt.Errorf("failed to unmarshal BlockRecord: %w", err)
	}
	return &block, nil
}

// MarshalNoteRecord serializes a NoteRecord to JSON bytes.
func MarshalNoteRecord(note *NoteRecord) ([]byte, error) {
	if note == nil {
		return nil, fmt.Errorf("cannot marshal nil NoteRecord")
	}
	data, err := json.Marshal(note)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal NoteRecord: %w", err)
	}
	return data, nil
}

// UnmarshalNoteRecord deserializes a NoteRecord from JSON bytes.
func UnmarshalNoteRecord(data []byte) (*NoteRecord, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}
	var note NoteRecord
	if err := json.Unmarshal(data, &note); err != nil {
		return nil, fmt.Errorf("failed to unmarshal NoteRecord: %w", err)
	}
	return &note, nil
}

// MarshalWitnessRecord serializes a WitnessRecord to JSON bytes.
func MarshalWitnessRecord(row *WitnessRecord) ([]byte, error) {
	if row == nil || row.Witness == nil {
		return nil, fmt.Errorf("cannot marshal nil WitnessRecord")
	}
	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal WitnessRecord: %w", err)
	}
	return data, nil
}

// UnmarshalWitnessRecord deserializes a WitnessRecord from JSON bytes.
func UnmarshalWitnessRecord(data []byte) (*WitnessRecord, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}
	var row WitnessRecord
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("failed to unmarshal WitnessRecord: %w", err)
	}
	return &row, nil
}

// MarshalTxRecord serializes a TxRecord to JSON bytes.
func MarshalTxRecord(tx *TxRecord) ([]byte, error) {
	if tx == nil {
		return nil, fmt.Errorf("cannot marshal nil TxRecord")
	}
	data, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal TxRecord: %w", err)
	}
	return data, nil
}

// UnmarshalTxRecord deserializes a TxRecord from JSON bytes.
func UnmarshalTxRecord(data []byte) (*TxRecord, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}
	var tx TxRecord
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal TxRecord: %w", err)
	}
	return &tx, nil
}
