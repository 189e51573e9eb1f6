package db

import (
	"context"
	"errors"
	"fmt"

	"chainvault/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OperationRepository struct {
	db *gorm.DB
}

func NewOperationRepository(db *gorm.DB) *OperationRepository {
	return &OperationRepository{db: db}
}

func (r *OperationRepository) Create(ctx context.Context, op domain.Operation) error {
	if r.db == nil {
		return errDBUnavailable
	}
	if err := domain.RequireIDs(op.VaultID, op.ID); err != nil {
		return err
	}
	model, err := operationToModel(op)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: operation %s already exists", domain.ErrInvalidOperation, op.ID)
	}
	return nil
}

func (r *OperationRepository) Get(ctx context.Context, vaultID, operationID string) (*domain.Operation, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model OperationModel
	err := r.db.WithContext(ctx).
		Where("vault_id = ? AND operation_id = ?", vaultID, operationID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrOperationNotFound
	}
	if err != nil {
		return nil, err
	}
	op, err := operationFromModel(model)
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (r *OperationRepository) Update(ctx context.Context, op domain.Operation) error {
	if r.db == nil {
		return errDBUnavailable
	}
	model, err := operationToModel(op)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).
		Model(&OperationModel{}).
		Where("vault_id = ? AND operation_id = ?", op.VaultID, op.ID).
		Select("*").
		Omit("vault_id", "operation_id", "created_at").
		Updates(&model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrOperationNotFound
	}
	return nil
}

// ListByVault returns the vault's operations oldest first.
func (r *OperationRepository) ListByVault(ctx context.Context, vaultID string) ([]domain.Operation, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []OperationModel
	if err := r.db.WithContext(ctx).
		Where("vault_id = ?", vaultID).
		Order("created_at ASC, operation_id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Operation, 0, len(models))
	for _, m := range models {
		op, err := operationFromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}
