// Package ledger defines the two primitives every chain exposes to the
// coordinator: send a signed transaction and look up what was recorded for it.
package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrRejected  = errors.New("transaction rejected")
	ErrUnknownTx = errors.New("unknown transaction")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Tx is a chain-encoded, signed transaction. Ref is the identifier the chain
// will report it under.
type Tx struct {
	Ref  string `json:"ref"`
	Body []byte `json:"body"`
}

// Entry is what a ledger holds for a transaction. Body is the stored
// transaction as the chain recorded it; Proof is set once confirmed.
type Entry struct {
	Ref    string `json:"ref"`
	Status Status `json:"status"`
	Height uint64 `json:"height,omitempty"`
	Body   []byte `json:"body,omitempty"`
	Proof  []byte `json:"proof,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type Client interface {
	Send(ctx context.Context, tx Tx) (string, error)
	Lookup(ctx context.Context, ref string) (Entry, error)
}

// Block groups confirmed transactions for attestation.
type Block struct {
	Height uint64
	Hash   []byte
	Bodies [][]byte
}

// Attestor produces one chain-specific proof per body in a sealed block.
type Attestor interface {
	Attest(block Block) ([][]byte, error)
}

// Envelope is the chain-neutral content every transaction carries: the
// operation identity and its canonical payload bytes.
type Envelope struct {
	VaultID     string `json:"vault_id"`
	OperationID string `json:"operation_id"`
	Payload     []byte `json:"payload"`
}

func (e Envelope) Marshal() ([]byte, error) {
	if e.OperationID == "" || len(e.Payload) == 0 {
		return nil, errors.New("ledger: envelope requires operation id and payload")
	}
	return json.Marshal(e)
}

func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("ledger: decode envelope: %w", err)
	}
	if len(env.Payload) == 0 {
		return Envelope{}, errors.New("ledger: envelope has no payload")
	}
	return env, nil
}

// HeightBytes is the big-endian encoding used when a height is signed.
func HeightBytes(height uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	return buf[:]
}
