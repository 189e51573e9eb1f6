package db

import (
	"context"
	"errors"
	"fmt"

	"chainvault/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type VaultRepository struct {
	db *gorm.DB
}

func NewVaultRepository(db *gorm.DB) *VaultRepository {
	return &VaultRepository{db: db}
}

func (r *VaultRepository) Create(ctx context.Context, vault domain.Vault) error {
	if r.db == nil {
		return errDBUnavailable
	}
	if vault.ID == "" {
		return domain.ErrVaultIDRequired
	}
	model := vaultToModel(vault)
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrVaultExists, vault.ID)
	}
	return nil
}

func (r *VaultRepository) Get(ctx context.Context, vaultID string) (*domain.Vault, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model VaultModel
	err := r.db.WithContext(ctx).Where("id = ?", vaultID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrVaultNotFound
	}
	if err != nil {
		return nil, err
	}
	vault := vaultFromModel(model)
	return &vault, nil
}

func (r *VaultRepository) Update(ctx context.Context, vault domain.Vault) error {
	if r.db == nil {
		return errDBUnavailable
	}
	model := vaultToModel(vault)
	res := r.db.WithContext(ctx).
		Model(&VaultModel{}).
		Where("id = ?", vault.ID).
		Select("*").
		Omit("id", "created_at").
		Updates(&model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrVaultNotFound
	}
	return nil
}
