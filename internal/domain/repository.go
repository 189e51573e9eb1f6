package domain

import "context"

// ProofRegistry stores per-chain receipts keyed by (vaultID, operationID,
// chain). Writes are atomic per key; the canonical hash of an operation is
// written once.
type ProofRegistry interface {
	RegisterOperation(ctx context.Context, record OperationRecord) error
	RecordReceipt(ctx context.Context, vaultID, operationID string, receipt ChainReceipt) error
	// ReplaceReceipt installs a receipt with a new txRef for a chain during
	// recovery. The previous receipt moves to the history.
	ReplaceReceipt(ctx context.Context, vaultID, operationID string, receipt ChainReceipt) error
	GetReceipts(ctx context.Context, vaultID, operationID string) ([]ChainReceipt, error)
	GetCanonicalHash(ctx context.Context, vaultID, operationID string) (string, error)
	ListReceiptHistory(ctx context.Context, vaultID, operationID string) ([]ChainReceipt, error)
}

type VaultRepository interface {
	Create(ctx context.Context, vault Vault) error
	Get(ctx context.Context, vaultID string) (*Vault, error)
	Update(ctx context.Context, vault Vault) error
}

type OperationRepository interface {
	Create(ctx context.Context, op Operation) error
	Get(ctx context.Context, vaultID, operationID string) (*Operation, error)
	Update(ctx context.Context, op Operation) error
	ListByVault(ctx context.Context, vaultID string) ([]Operation, error)
}

// ReceiptByChain indexes receipts; chains without an entry are missing.
func ReceiptByChain(receipts []ChainReceipt) map[ChainID]ChainReceipt {
	out := make(map[ChainID]ChainReceipt, len(receipts))
	for _, r := range receipts {
		out[r.Chain] = r
	}
	return out
}
