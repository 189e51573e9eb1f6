//go:build integration
// +build integration

package db

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"chainvault/internal/config"
	"chainvault/internal/domain"
	"chainvault/internal/logging"

	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("POSTGRES_DSN_TEST"))
	if dsn == "" {
		t.Skip("POSTGRES_DSN_TEST not set")
	}
	store, err := NewStore(config.Config{PostgresDSN: dsn}, logging.Discard())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store.DB
}

func resetDB(t *testing.T, db *gorm.DB) {
	t.Helper()
	if err := db.Exec(`
		TRUNCATE vaults,
			operations,
			chain_receipts,
			chain_receipt_history,
			operation_records
		RESTART IDENTITY CASCADE`).Error; err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}

func TestProofRegistry_ReceiptLifecycle(t *testing.T) {
	db := setupTestDB(t)
	resetDB(t, db)
	ctx := context.Background()
	reg := NewProofRegistry(db)

	record := domain.OperationRecord{
		VaultID:       "v1",
		OperationID:   "op1",
		PrimaryChain:  domain.ChainEthereum,
		CanonicalHash: "sha256:aa",
		CreatedAt:     time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := reg.RegisterOperation(ctx, record); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.RegisterOperation(ctx, record); err != nil {
		t.Fatalf("re-register same hash: %v", err)
	}
	record.CanonicalHash = "sha256:bb"
	if err := reg.RegisterOperation(ctx, record); !errors.Is(err, domain.ErrCanonicalHashConflict) {
		t.Fatalf("expected hash conflict, got %v", err)
	}

	if err := reg.RecordReceipt(ctx, "v1", "op1", domain.ChainReceipt{Chain: domain.ChainTon, TxRef: "t1", Status: domain.ReceiptSubmitted}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := reg.RecordReceipt(ctx, "v1", "op1", domain.ChainReceipt{Chain: domain.ChainTon, TxRef: "t1", Status: domain.ReceiptConfirmed, Proof: []byte("p"), ObservedPayloadHash: "sha256:aa"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := reg.RecordReceipt(ctx, "v1", "op1", domain.ChainReceipt{Chain: domain.ChainTon, TxRef: "t2"}); !errors.Is(err, domain.ErrReceiptConflict) {
		t.Fatalf("expected receipt conflict, got %v", err)
	}
	if err := reg.ReplaceReceipt(ctx, "v1", "op1", domain.ChainReceipt{Chain: domain.ChainTon, TxRef: "t3", Status: domain.ReceiptSubmitted}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	receipts, err := reg.GetReceipts(ctx, "v1", "op1")
	if err != nil {
		t.Fatalf("get receipts: %v", err)
	}
	if len(receipts) != 1 || receipts[0].TxRef != "t3" {
		t.Fatalf("unexpected receipts %+v", receipts)
	}
	history, err := reg.ListReceiptHistory(ctx, "v1", "op1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].TxRef != "t1" || history[0].Status != domain.ReceiptConfirmed {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestProofRegistry_ConcurrentWritersSameChain(t *testing.T) {
	db := setupTestDB(t)
	resetDB(t, db)
	ctx := context.Background()
	reg := NewProofRegistry(db)
	if err := reg.RegisterOperation(ctx, domain.OperationRecord{VaultID: "v1", OperationID: "op1", CanonicalHash: "sha256:aa", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("register: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, conflicts int
	for _, ref := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(ref string) {
			defer wg.Done()
			err := reg.RecordReceipt(ctx, "v1", "op1", domain.ChainReceipt{Chain: domain.ChainSolana, TxRef: ref, Status: domain.ReceiptSubmitted})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrReceiptConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(ref)
	}
	wg.Wait()
	if ok != 1 || conflicts != 3 {
		t.Fatalf("ok=%d conflicts=%d", ok, conflicts)
	}
}

func TestVaultAndOperationRepositories(t *testing.T) {
	db := setupTestDB(t)
	resetDB(t, db)
	ctx := context.Background()
	vaults := NewVaultRepository(db)
	ops := NewOperationRepository(db)
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	vault := domain.Vault{ID: "v1", OwnerAddress: "0xowner", SecurityLevel: 2, PrimaryChain: domain.ChainEthereum, State: domain.VaultStatePending, CreatedAt: now, UpdatedAt: now}
	if err := vaults.Create(ctx, vault); err != nil {
		t.Fatalf("create vault: %v", err)
	}
	if err := vaults.Create(ctx, vault); !errors.Is(err, domain.ErrVaultExists) {
		t.Fatalf("expected vault exists, got %v", err)
	}
	vault.State = domain.VaultStateActive
	if err := vaults.Update(ctx, vault); err != nil {
		t.Fatalf("update vault: %v", err)
	}
	got, err := vaults.Get(ctx, "v1")
	if err != nil || got.State != domain.VaultStateActive {
		t.Fatalf("get vault: %+v %v", got, err)
	}

	level := 1
	op := domain.Operation{
		ID:              "op1",
		VaultID:         "v1",
		Type:            domain.OperationUnlock,
		Payload:         domain.OperationPayload{Type: domain.OperationUnlock, SecurityLevel: &level, Unlock: &domain.UnlockBody{RequestedBy: "0xowner"}},
		PayloadHash:     "sha256:aa",
		PrimaryChain:    domain.ChainEthereum,
		SecondaryChains: []domain.ChainID{domain.ChainTon, domain.ChainSolana},
		SecurityLevel:   1,
		Status:          domain.OperationStatusCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := ops.Create(ctx, op); err != nil {
		t.Fatalf("create op: %v", err)
	}
	op.Status = domain.OperationStatusVerified
	op.Verdict = &domain.ConsistencyVerdict{OperationID: "op1", Consistent: true, RequiredQuorum: 1}
	if err := ops.Update(ctx, op); err != nil {
		t.Fatalf("update op: %v", err)
	}
	list, err := ops.ListByVault(ctx, "v1")
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %+v %v", list, err)
	}
	if list[0].Verdict == nil || !list[0].Verdict.Consistent || len(list[0].SecondaryChains) != 2 || list[0].Payload.Unlock == nil {
		t.Fatalf("unexpected op %+v", list[0])
	}
}
