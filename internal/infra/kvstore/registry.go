package kvstore

import (
	"context"
	"fmt"
	"sort"

	"chainvault/internal/domain"

	"github.com/dgraph-io/badger"
)

// ProofRegistry keeps one key per (vault, operation, chain). Each write is a
// single badger transaction, so read-merge-store is atomic per key.
type ProofRegistry struct {
	store *Store
}

func NewProofRegistry(store *Store) *ProofRegistry {
	return &ProofRegistry{store: store}
}

func (r *ProofRegistry) RegisterOperation(ctx context.Context, record domain.OperationRecord) error {
	if err := domain.RequireIDs(record.VaultID, record.OperationID); err != nil {
		return err
	}
	if record.CanonicalHash == "" {
		return fmt.Errorf("%w: canonical hash is required", domain.ErrInvalidOperation)
	}
	key := prefixRecord + opPath(record.VaultID, record.OperationID)
	return r.store.update(ctx, func(txn *badger.Txn) error {
		var existing domain.OperationRecord
		found, err := getJSON(txn, key, &existing)
		if err != nil {
			return err
		}
		if found {
			return domain.CheckCanonicalHash(existing.CanonicalHash, record.CanonicalHash)
		}
		return setJSON(txn, key, record)
	})
}

func (r *ProofRegistry) RecordReceipt(ctx context.Context, vaultID, operationID string, receipt domain.ChainReceipt) error {
	path := opPath(vaultID, operationID)
	return r.store.update(ctx, func(txn *badger.Txn) error {
		if err := requireRecord(txn, path); err != nil {
			return err
		}
		key := receiptKey(path, receipt.Chain)
		var existing domain.ChainReceipt
		found, err := getJSON(txn, key, &existing)
		if err != nil {
			return err
		}
		var current *domain.ChainReceipt
		if found {
			current = &existing
		}
		merged, err := domain.ApplyReceiptWrite(current, receipt)
		if err != nil {
			return err
		}
		return setJSON(txn, key, merged)
	})
}

func (r *ProofRegistry) ReplaceReceipt(ctx context.Context, vaultID, operationID string, receipt domain.ChainReceipt) error {
	fresh, err := domain.ApplyReceiptWrite(nil, receipt)
	if err != nil {
		return err
	}
	path := opPath(vaultID, operationID)
	return r.store.update(ctx, func(txn *badger.Txn) error {
		if err := requireRecord(txn, path); err != nil {
			return err
		}
		key := receiptKey(path, receipt.Chain)
		var existing domain.ChainReceipt
		found, err := getJSON(txn, key, &existing)
		if err != nil {
			return err
		}
		if found {
			if existing.TxRef == fresh.TxRef {
				return setJSON(txn, key, domain.MergeReceipt(existing, fresh))
			}
			histPrefix := prefixHistory + path + "/"
			seq := countPrefix(txn, histPrefix)
			if err := setJSON(txn, fmt.Sprintf("%s%010d", histPrefix, seq), existing); err != nil {
				return err
			}
		}
		return setJSON(txn, key, fresh)
	})
}

func (r *ProofRegistry) GetReceipts(ctx context.Context, vaultID, operationID string) ([]domain.ChainReceipt, error) {
	path := opPath(vaultID, operationID)
	var out []domain.ChainReceipt
	err := r.store.view(ctx, func(txn *badger.Txn) error {
		if err := requireRecord(txn, path); err != nil {
			return err
		}
		var err error
		out, err = scanJSON[domain.ChainReceipt](txn, prefixReceipt+path+"/")
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chain < out[j].Chain })
	if out == nil {
		out = []domain.ChainReceipt{}
	}
	return out, nil
}

func (r *ProofRegistry) GetCanonicalHash(ctx context.Context, vaultID, operationID string) (string, error) {
	var record domain.OperationRecord
	var found bool
	err := r.store.view(ctx, func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, prefixRecord+opPath(vaultID, operationID), &record)
		return err
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", domain.ErrOperationNotFound
	}
	return record.CanonicalHash, nil
}

// ListReceiptHistory returns superseded receipts in the order they were
// replaced.
func (r *ProofRegistry) ListReceiptHistory(ctx context.Context, vaultID, operationID string) ([]domain.ChainReceipt, error) {
	path := opPath(vaultID, operationID)
	var out []domain.ChainReceipt
	err := r.store.view(ctx, func(txn *badger.Txn) error {
		if err := requireRecord(txn, path); err != nil {
			return err
		}
		var err error
		out, err = scanJSON[domain.ChainReceipt](txn, prefixHistory+path+"/")
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.ChainReceipt{}
	}
	return out, nil
}

func requireRecord(txn *badger.Txn, path string) error {
	var record domain.OperationRecord
	found, err := getJSON(txn, prefixRecord+path, &record)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrOperationNotFound
	}
	return nil
}

func receiptKey(path string, chain domain.ChainID) string {
	return prefixReceipt + path + "/" + string(chain)
}

func sortOperations(ops []domain.Operation) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].CreatedAt.Equal(ops[j].CreatedAt) {
			return ops[i].ID < ops[j].ID
		}
		return ops[i].CreatedAt.Before(ops[j].CreatedAt)
	})
}
