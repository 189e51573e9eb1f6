// Package kvstore persists vaults, operations and the proof registry in an
// embedded badger database.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chainvault/internal/domain"
	"chainvault/pkg/retry"

	"github.com/dgraph-io/badger"
	"github.com/sirupsen/logrus"
)

const (
	prefixVault     = "vault/"
	prefixOperation = "op/"
	prefixRecord    = "reg/"
	prefixReceipt   = "rcpt/"
	prefixHistory   = "hist/"
)

var conflictRetry = retry.Fixed(5, 2*time.Millisecond)

type Store struct {
	db *badger.DB
}

// Open opens (or creates) the database under dir. Badger's own logging goes
// through logger.
func Open(dir string, logger logrus.FieldLogger) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	if logger != nil {
		opts = opts.WithLogger(logger)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// update runs fn in a read-write transaction, retrying when a concurrent
// transaction touched the same keys.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	return retry.Do(ctx, conflictRetry, func(ctx context.Context, _ int) error {
		err := s.db.Update(fn)
		if err == nil || errors.Is(err, badger.ErrConflict) {
			return err
		}
		return retry.Permanent(err)
	})
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func getJSON(txn *badger.Txn, key string, out any) (bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), raw)
}

// scanJSON decodes every value under prefix in key order.
func scanJSON[T any](txn *badger.Txn, prefix string) ([]T, error) {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	var out []T
	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		var v T
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		}); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func countPrefix(txn *badger.Txn, prefix string) int {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	n := 0
	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		n++
	}
	return n
}

func opPath(vaultID, operationID string) string {
	return vaultID + "/" + operationID
}

type VaultRepository struct {
	store *Store
}

func NewVaultRepository(store *Store) *VaultRepository {
	return &VaultRepository{store: store}
}

func (r *VaultRepository) Create(ctx context.Context, vault domain.Vault) error {
	if vault.ID == "" {
		return domain.ErrVaultIDRequired
	}
	return r.store.update(ctx, func(txn *badger.Txn) error {
		var existing domain.Vault
		found, err := getJSON(txn, prefixVault+vault.ID, &existing)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("%w: %s", domain.ErrVaultExists, vault.ID)
		}
		return setJSON(txn, prefixVault+vault.ID, vault)
	})
}

func (r *VaultRepository) Get(ctx context.Context, vaultID string) (*domain.Vault, error) {
	var vault domain.Vault
	var found bool
	err := r.store.view(ctx, func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, prefixVault+vaultID, &vault)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, domain.ErrVaultNotFound
	}
	return &vault, nil
}

func (r *VaultRepository) Update(ctx context.Context, vault domain.Vault) error {
	return r.store.update(ctx, func(txn *badger.Txn) error {
		var existing domain.Vault
		found, err := getJSON(txn, prefixVault+vault.ID, &existing)
		if err != nil {
			return err
		}
		if !found {
			return domain.ErrVaultNotFound
		}
		return setJSON(txn, prefixVault+vault.ID, vault)
	})
}

type OperationRepository struct {
	store *Store
}

func NewOperationRepository(store *Store) *OperationRepository {
	return &OperationRepository{store: store}
}

func (r *OperationRepository) Create(ctx context.Context, op domain.Operation) error {
	if err := domain.RequireIDs(op.VaultID, op.ID); err != nil {
		return err
	}
	key := prefixOperation + opPath(op.VaultID, op.ID)
	return r.store.update(ctx, func(txn *badger.Txn) error {
		var existing domain.Operation
		found, err := getJSON(txn, key, &existing)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("%w: operation %s already exists", domain.ErrInvalidOperation, op.ID)
		}
		return setJSON(txn, key, op)
	})
}

func (r *OperationRepository) Get(ctx context.Context, vaultID, operationID string) (*domain.Operation, error) {
	var op domain.Operation
	var found bool
	err := r.store.view(ctx, func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, prefixOperation+opPath(vaultID, operationID), &op)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, domain.ErrOperationNotFound
	}
	return &op, nil
}

func (r *OperationRepository) Update(ctx context.Context, op domain.Operation) error {
	key := prefixOperation + opPath(op.VaultID, op.ID)
	return r.store.update(ctx, func(txn *badger.Txn) error {
		var existing domain.Operation
		found, err := getJSON(txn, key, &existing)
		if err != nil {
			return err
		}
		if !found {
			return domain.ErrOperationNotFound
		}
		return setJSON(txn, key, op)
	})
}

// ListByVault returns the vault's operations oldest first.
func (r *OperationRepository) ListByVault(ctx context.Context, vaultID string) ([]domain.Operation, error) {
	var ops []domain.Operation
	err := r.store.view(ctx, func(txn *badger.Txn) error {
		var err error
		ops, err = scanJSON[domain.Operation](txn, prefixOperation+vaultID+"/")
		return err
	})
	if err != nil {
		return nil, err
	}
	sortOperations(ops)
	if ops == nil {
		ops = []domain.Operation{}
	}
	return ops, nil
}
