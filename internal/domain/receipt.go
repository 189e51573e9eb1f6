package domain

import "time"

type ReceiptStatus string

const (
	ReceiptSubmitted ReceiptStatus = "submitted"
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptConfirmed ReceiptStatus = "confirmed"
	ReceiptFailed    ReceiptStatus = "failed"
)

// rank orders statuses so a receipt never regresses once confirmed or failed.
func (s ReceiptStatus) rank() int {
	switch s {
	case ReceiptSubmitted:
		return 1
	case ReceiptPending:
		return 2
	case ReceiptConfirmed, ReceiptFailed:
		return 3
	}
	return 0
}

// Settled reports whether the status can no longer change for this txRef.
func (s ReceiptStatus) Settled() bool {
	return s == ReceiptConfirmed || s == ReceiptFailed
}

const (
	QueryErrorTimeout     = "timeout"
	QueryErrorUnavailable = "unavailable"
)

type ChainReceipt struct {
	Chain               ChainID
	TxRef               string
	Status              ReceiptStatus
	Proof               []byte
	ObservedPayloadHash string
	// QueryError is set when the most recent status lookup failed; it is
	// cleared by the next successful lookup.
	QueryError  string
	ErrorDetail string
	SubmittedAt time.Time
	UpdatedAt   time.Time
}

// MergeReceipt applies an update to an existing receipt for the same chain and
// txRef. Identity fields are kept from current; a settled status is never
// replaced by an earlier one.
func MergeReceipt(current, update ChainReceipt) ChainReceipt {
	merged := current
	if update.Status != "" && update.Status.rank() >= current.Status.rank() {
		if !(current.Status.Settled() && update.Status != current.Status) {
			merged.Status = update.Status
		}
	}
	if len(update.Proof) > 0 {
		merged.Proof = append([]byte(nil), update.Proof...)
	}
	if update.ObservedPayloadHash != "" {
		merged.ObservedPayloadHash = update.ObservedPayloadHash
	}
	merged.QueryError = update.QueryError
	merged.ErrorDetail = update.ErrorDetail
	if !update.UpdatedAt.IsZero() {
		merged.UpdatedAt = update.UpdatedAt
	}
	return merged
}

// OperationRecord is the registry's anchor for an operation: the canonical
// payload hash fixed when the primary chain accepted it.
type OperationRecord struct {
	VaultID       string
	OperationID   string
	PrimaryChain  ChainID
	CanonicalHash string
	CreatedAt     time.Time
}

// ApplyReceiptWrite is the registry write rule shared by every backend: a
// receipt for a new key is stored as is, an update for the same txRef is
// merged, and a different txRef is a conflict.
func ApplyReceiptWrite(current *ChainReceipt, update ChainReceipt) (ChainReceipt, error) {
	if !update.Chain.Valid() {
		return ChainReceipt{}, ErrUnknownChain
	}
	if update.TxRef == "" {
		return ChainReceipt{}, ErrInvalidOperation
	}
	if current == nil {
		return update, nil
	}
	if current.TxRef != update.TxRef {
		return ChainReceipt{}, ErrReceiptConflict
	}
	return MergeReceipt(*current, update), nil
}

// CheckCanonicalHash enforces that an operation's canonical hash is written
// once.
func CheckCanonicalHash(existing, incoming string) error {
	if existing != "" && existing != incoming {
		return ErrCanonicalHashConflict
	}
	return nil
}
