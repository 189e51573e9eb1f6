package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chainvault/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProofRegistry stores receipts in postgres. Writes to one (vault, operation,
// chain) key serialise on a row lock.
type ProofRegistry struct {
	db  *gorm.DB
	now func() time.Time
}

func NewProofRegistry(db *gorm.DB) *ProofRegistry {
	return &ProofRegistry{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *ProofRegistry) RegisterOperation(ctx context.Context, record domain.OperationRecord) error {
	if r.db == nil {
		return errDBUnavailable
	}
	if err := domain.RequireIDs(record.VaultID, record.OperationID); err != nil {
		return err
	}
	if record.CanonicalHash == "" {
		return fmt.Errorf("%w: canonical hash is required", domain.ErrInvalidOperation)
	}
	model := OperationRecordModel{
		VaultID:       record.VaultID,
		OperationID:   record.OperationID,
		PrimaryChain:  string(record.PrimaryChain),
		CanonicalHash: record.CanonicalHash,
		CreatedAt:     record.CreatedAt,
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	existing, err := r.GetCanonicalHash(ctx, record.VaultID, record.OperationID)
	if err != nil {
		return err
	}
	return domain.CheckCanonicalHash(existing, record.CanonicalHash)
}

func (r *ProofRegistry) RecordReceipt(ctx context.Context, vaultID, operationID string, receipt domain.ChainReceipt) error {
	if r.db == nil {
		return errDBUnavailable
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockRecord(tx, vaultID, operationID); err != nil {
			return err
		}
		current, err := currentReceipt(tx, vaultID, operationID, receipt.Chain)
		if err != nil {
			return err
		}
		merged, err := domain.ApplyReceiptWrite(current, receipt)
		if err != nil {
			return err
		}
		return upsertReceipt(tx, vaultID, operationID, merged)
	})
}

func (r *ProofRegistry) ReplaceReceipt(ctx context.Context, vaultID, operationID string, receipt domain.ChainReceipt) error {
	if r.db == nil {
		return errDBUnavailable
	}
	fresh, err := domain.ApplyReceiptWrite(nil, receipt)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockRecord(tx, vaultID, operationID); err != nil {
			return err
		}
		current, err := currentReceipt(tx, vaultID, operationID, receipt.Chain)
		if err != nil {
			return err
		}
		if current != nil {
			if current.TxRef == fresh.TxRef {
				return upsertReceipt(tx, vaultID, operationID, domain.MergeReceipt(*current, fresh))
			}
			m := receiptToModel(vaultID, operationID, *current)
			hist := ReceiptHistoryModel{
				VaultID:             m.VaultID,
				OperationID:         m.OperationID,
				Chain:               m.Chain,
				TxRef:               m.TxRef,
				Status:              m.Status,
				Proof:               m.Proof,
				ObservedPayloadHash: m.ObservedPayloadHash,
				QueryError:          m.QueryError,
				ErrorDetail:         m.ErrorDetail,
				SubmittedAt:         m.SubmittedAt,
				UpdatedAt:           m.UpdatedAt,
				ReplacedAt:          r.now(),
			}
			if err := tx.Create(&hist).Error; err != nil {
				return err
			}
		}
		return upsertReceipt(tx, vaultID, operationID, fresh)
	})
}

func (r *ProofRegistry) GetReceipts(ctx context.Context, vaultID, operationID string) ([]domain.ChainReceipt, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	if _, err := r.GetCanonicalHash(ctx, vaultID, operationID); err != nil {
		return nil, err
	}
	var models []ChainReceiptModel
	if err := r.db.WithContext(ctx).
		Where("vault_id = ? AND operation_id = ?", vaultID, operationID).
		Order("chain ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.ChainReceipt, 0, len(models))
	for _, m := range models {
		out = append(out, receiptFromModel(m))
	}
	return out, nil
}

func (r *ProofRegistry) GetCanonicalHash(ctx context.Context, vaultID, operationID string) (string, error) {
	if r.db == nil {
		return "", errDBUnavailable
	}
	var model OperationRecordModel
	err := r.db.WithContext(ctx).
		Where("vault_id = ? AND operation_id = ?", vaultID, operationID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", domain.ErrOperationNotFound
	}
	if err != nil {
		return "", err
	}
	return model.CanonicalHash, nil
}

func (r *ProofRegistry) ListReceiptHistory(ctx context.Context, vaultID, operationID string) ([]domain.ChainReceipt, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	if _, err := r.GetCanonicalHash(ctx, vaultID, operationID); err != nil {
		return nil, err
	}
	var models []ReceiptHistoryModel
	if err := r.db.WithContext(ctx).
		Where("vault_id = ? AND operation_id = ?", vaultID, operationID).
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.ChainReceipt, 0, len(models))
	for _, m := range models {
		out = append(out, receiptFromModel(ChainReceiptModel{
			Chain:               m.Chain,
			TxRef:               m.TxRef,
			Status:              m.Status,
			Proof:               m.Proof,
			ObservedPayloadHash: m.ObservedPayloadHash,
			QueryError:          m.QueryError,
			ErrorDetail:         m.ErrorDetail,
			SubmittedAt:         m.SubmittedAt,
			UpdatedAt:           m.UpdatedAt,
		}))
	}
	return out, nil
}

// lockRecord takes a row lock on the operation record so that concurrent
// writers for the same operation serialise, including the first insert of a
// chain's receipt.
func lockRecord(tx *gorm.DB, vaultID, operationID string) error {
	var record OperationRecordModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("vault_id = ? AND operation_id = ?", vaultID, operationID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrOperationNotFound
	}
	return err
}

func currentReceipt(tx *gorm.DB, vaultID, operationID string, chain domain.ChainID) (*domain.ChainReceipt, error) {
	var model ChainReceiptModel
	err := tx.Where("vault_id = ? AND operation_id = ? AND chain = ?", vaultID, operationID, string(chain)).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	receipt := receiptFromModel(model)
	return &receipt, nil
}

func upsertReceipt(tx *gorm.DB, vaultID, operationID string, receipt domain.ChainReceipt) error {
	model := receiptToModel(vaultID, operationID, receipt)
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "vault_id"}, {Name: "operation_id"}, {Name: "chain"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"tx_ref", "status", "proof", "observed_payload_hash", "query_error", "error_detail", "submitted_at", "updated_at",
		}),
	}).Create(&model).Error
}
