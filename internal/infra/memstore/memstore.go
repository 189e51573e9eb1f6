// Package memstore keeps vaults, operations and the proof registry in process
// memory. It backs development mode and tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"chainvault/internal/domain"
)

type VaultRepository struct {
	mu     sync.RWMutex
	vaults map[string]domain.Vault
}

func NewVaultRepository() *VaultRepository {
	return &VaultRepository{vaults: make(map[string]domain.Vault)}
}

func (r *VaultRepository) Create(ctx context.Context, vault domain.Vault) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if vault.ID == "" {
		return domain.ErrVaultIDRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.vaults[vault.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrVaultExists, vault.ID)
	}
	r.vaults[vault.ID] = cloneVault(vault)
	return nil
}

func (r *VaultRepository) Get(ctx context.Context, vaultID string) (*domain.Vault, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	vault, ok := r.vaults[vaultID]
	if !ok {
		return nil, domain.ErrVaultNotFound
	}
	out := cloneVault(vault)
	return &out, nil
}

func (r *VaultRepository) Update(ctx context.Context, vault domain.Vault) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.vaults[vault.ID]; !ok {
		return domain.ErrVaultNotFound
	}
	r.vaults[vault.ID] = cloneVault(vault)
	return nil
}

type OperationRepository struct {
	mu  sync.RWMutex
	ops map[string]domain.Operation
}

func NewOperationRepository() *OperationRepository {
	return &OperationRepository{ops: make(map[string]domain.Operation)}
}

func (r *OperationRepository) Create(ctx context.Context, op domain.Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := domain.RequireIDs(op.VaultID, op.ID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := opKey(op.VaultID, op.ID)
	if _, exists := r.ops[key]; exists {
		return fmt.Errorf("%w: operation %s already exists", domain.ErrInvalidOperation, op.ID)
	}
	r.ops[key] = cloneOperation(op)
	return nil
}

func (r *OperationRepository) Get(ctx context.Context, vaultID, operationID string) (*domain.Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[opKey(vaultID, operationID)]
	if !ok {
		return nil, domain.ErrOperationNotFound
	}
	out := cloneOperation(op)
	return &out, nil
}

func (r *OperationRepository) Update(ctx context.Context, op domain.Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := opKey(op.VaultID, op.ID)
	if _, ok := r.ops[key]; !ok {
		return domain.ErrOperationNotFound
	}
	r.ops[key] = cloneOperation(op)
	return nil
}

// ListByVault returns the vault's operations oldest first.
func (r *OperationRepository) ListByVault(ctx context.Context, vaultID string) ([]domain.Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]domain.Operation, 0)
	for _, op := range r.ops {
		if op.VaultID == vaultID {
			out = append(out, cloneOperation(op))
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ProofRegistry is a mutex-guarded domain.ProofRegistry. Each write holds the
// lock for the whole read-merge-store of one key.
type ProofRegistry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	record   domain.OperationRecord
	receipts map[domain.ChainID]domain.ChainReceipt
	history  []domain.ChainReceipt
}

func NewProofRegistry() *ProofRegistry {
	return &ProofRegistry{entries: make(map[string]*registryEntry)}
}

func (r *ProofRegistry) RegisterOperation(ctx context.Context, record domain.OperationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := domain.RequireIDs(record.VaultID, record.OperationID); err != nil {
		return err
	}
	if record.CanonicalHash == "" {
		return fmt.Errorf("%w: canonical hash is required", domain.ErrInvalidOperation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := opKey(record.VaultID, record.OperationID)
	if entry, ok := r.entries[key]; ok {
		return domain.CheckCanonicalHash(entry.record.CanonicalHash, record.CanonicalHash)
	}
	r.entries[key] = &registryEntry{record: record, receipts: make(map[domain.ChainID]domain.ChainReceipt)}
	return nil
}

func (r *ProofRegistry) RecordReceipt(ctx context.Context, vaultID, operationID string, receipt domain.ChainReceipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[opKey(vaultID, operationID)]
	if !ok {
		return domain.ErrOperationNotFound
	}
	var current *domain.ChainReceipt
	if existing, ok := entry.receipts[receipt.Chain]; ok {
		current = &existing
	}
	merged, err := domain.ApplyReceiptWrite(current, receipt)
	if err != nil {
		return err
	}
	entry.receipts[receipt.Chain] = cloneReceipt(merged)
	return nil
}

func (r *ProofRegistry) ReplaceReceipt(ctx context.Context, vaultID, operationID string, receipt domain.ChainReceipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fresh, err := domain.ApplyReceiptWrite(nil, receipt)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[opKey(vaultID, operationID)]
	if !ok {
		return domain.ErrOperationNotFound
	}
	if existing, ok := entry.receipts[receipt.Chain]; ok {
		if existing.TxRef == fresh.TxRef {
			entry.receipts[receipt.Chain] = cloneReceipt(domain.MergeReceipt(existing, fresh))
			return nil
		}
		entry.history = append(entry.history, existing)
	}
	entry.receipts[receipt.Chain] = cloneReceipt(fresh)
	return nil
}

func (r *ProofRegistry) GetReceipts(ctx context.Context, vaultID, operationID string) ([]domain.ChainReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[opKey(vaultID, operationID)]
	if !ok {
		return nil, domain.ErrOperationNotFound
	}
	out := make([]domain.ChainReceipt, 0, len(entry.receipts))
	for _, receipt := range entry.receipts {
		out = append(out, cloneReceipt(receipt))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chain < out[j].Chain })
	return out, nil
}

func (r *ProofRegistry) GetCanonicalHash(ctx context.Context, vaultID, operationID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[opKey(vaultID, operationID)]
	if !ok {
		return "", domain.ErrOperationNotFound
	}
	return entry.record.CanonicalHash, nil
}

func (r *ProofRegistry) ListReceiptHistory(ctx context.Context, vaultID, operationID string) ([]domain.ChainReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[opKey(vaultID, operationID)]
	if !ok {
		return nil, domain.ErrOperationNotFound
	}
	out := make([]domain.ChainReceipt, len(entry.history))
	for i, receipt := range entry.history {
		out[i] = cloneReceipt(receipt)
	}
	return out, nil
}

func opKey(vaultID, operationID string) string {
	return vaultID + "/" + operationID
}

func cloneVault(v domain.Vault) domain.Vault {
	if v.UnlockTime != nil {
		t := *v.UnlockTime
		v.UnlockTime = &t
	}
	return v
}

func cloneOperation(op domain.Operation) domain.Operation {
	op.CanonicalPayload = append([]byte(nil), op.CanonicalPayload...)
	op.SecondaryChains = append([]domain.ChainID(nil), op.SecondaryChains...)
	if op.Verdict != nil {
		v := *op.Verdict
		v.VerifiedChains = append([]domain.ChainID{}, v.VerifiedChains...)
		v.Inconsistent = append([]domain.ChainFinding{}, v.Inconsistent...)
		op.Verdict = &v
	}
	return op
}

func cloneReceipt(r domain.ChainReceipt) domain.ChainReceipt {
	if r.Proof != nil {
		r.Proof = append([]byte(nil), r.Proof...)
	}
	return r
}
