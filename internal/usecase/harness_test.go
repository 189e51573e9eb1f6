package usecase

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"chainvault/internal/domain"
	"chainvault/internal/infra/chain/ethereum"
	"chainvault/internal/infra/chain/solana"
	"chainvault/internal/infra/chain/ton"
	"chainvault/internal/infra/ledger"
	"chainvault/internal/infra/ledger/memledger"
	"chainvault/internal/infra/locks"
	"chainvault/internal/infra/memstore"
	"chainvault/internal/logging"
	"chainvault/pkg/retry"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
)

const testCallTimeout = 50 * time.Millisecond

type harness struct {
	coord      *Coordinator
	ledgers    map[domain.ChainID]*memledger.Ledger
	registry   *memstore.ProofRegistry
	vaults     *memstore.VaultRepository
	operations *memstore.OperationRepository
	locker     *locks.Local
	alerts     *recordingAlerts
	metrics    *recordingMetrics
}

type harnessOptions struct {
	confirmAfter int
	pollAttempts int
	pollInterval time.Duration
	policy       AdmissionPolicy
}

func defaultHarnessOptions() harnessOptions {
	return harnessOptions{confirmAfter: 0, pollAttempts: 20, pollInterval: 5 * time.Millisecond}
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	h := &harness{
		ledgers:    make(map[domain.ChainID]*memledger.Ledger),
		registry:   memstore.NewProofRegistry(),
		vaults:     memstore.NewVaultRepository(),
		operations: memstore.NewOperationRepository(),
		locker:     locks.NewLocal(),
		alerts:     &recordingAlerts{},
		metrics:    &recordingMetrics{verdicts: make(map[domain.OperationStatus]int)},
	}
	newLedger := func(name string, attestor ledger.Attestor) *memledger.Ledger {
		led, err := memledger.New(memledger.Config{Name: name, ConfirmAfter: opts.confirmAfter, Attestor: attestor})
		if err != nil {
			t.Fatalf("%s ledger: %v", name, err)
		}
		return led
	}

	ethAttestor, err := ethereum.GenerateAttestor()
	if err != nil {
		t.Fatalf("ethereum attestor: %v", err)
	}
	ethSigner, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("ethereum signer: %v", err)
	}
	h.ledgers[domain.ChainEthereum] = newLedger("ethereum", ethAttestor)
	ethAdapter, err := ethereum.New(ethereum.Config{
		Client:   h.ledgers[domain.ChainEthereum],
		Signer:   ethSigner,
		Attestor: ethAttestor.Address(),
		Timeout:  testCallTimeout,
	})
	if err != nil {
		t.Fatalf("ethereum adapter: %v", err)
	}

	tonAttestor, err := ton.GenerateAttestor()
	if err != nil {
		t.Fatalf("ton attestor: %v", err)
	}
	h.ledgers[domain.ChainTon] = newLedger("ton", tonAttestor)
	tonAdapter, err := ton.New(ton.Config{
		Client:   h.ledgers[domain.ChainTon],
		Signer:   newEd25519Key(t),
		Attestor: tonAttestor.PublicKey(),
		Timeout:  testCallTimeout,
	})
	if err != nil {
		t.Fatalf("ton adapter: %v", err)
	}

	solAttestor, err := solana.GenerateAttestor()
	if err != nil {
		t.Fatalf("solana attestor: %v", err)
	}
	h.ledgers[domain.ChainSolana] = newLedger("solana", solAttestor)
	solAdapter, err := solana.New(solana.Config{
		Client:   h.ledgers[domain.ChainSolana],
		Signer:   newEd25519Key(t),
		Attestor: solAttestor.PublicKey(),
		Timeout:  testCallTimeout,
	})
	if err != nil {
		t.Fatalf("solana adapter: %v", err)
	}

	coord, err := NewCoordinator(CoordinatorDeps{
		Adapters:   []ChainAdapter{ethAdapter, tonAdapter, solAdapter},
		Registry:   h.registry,
		Vaults:     h.vaults,
		Operations: h.operations,
		Locker:     h.locker,
		Policy:     opts.policy,
		Metrics:    h.metrics,
		Alerts:     h.alerts,
		Logger:     logging.Discard(),
	}, CoordinatorOptions{
		Propagation:  retry.Policy{MaxAttempts: 3, Initial: time.Millisecond, Max: 4 * time.Millisecond, Multiplier: 2},
		Verification: retry.Fixed(opts.pollAttempts, opts.pollInterval),
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	t.Cleanup(coord.Close)
	h.coord = coord
	return h
}

func newEd25519Key(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519 key: %v", err)
	}
	return key
}

func (h *harness) fault(chain domain.ChainID, f memledger.Faults) {
	h.ledgers[chain].SetFaults(f)
}

func (h *harness) await(t *testing.T, vaultID, operationID string) domain.OperationOutcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	outcome, err := h.coord.AwaitOutcome(ctx, vaultID, operationID)
	if err != nil {
		t.Fatalf("await outcome: %v", err)
	}
	return outcome
}

// createVault runs a create operation to completion on healthy ledgers.
func (h *harness) createVault(t *testing.T, vaultID string, level int) domain.OperationHandle {
	t.Helper()
	handle, err := h.coord.ExecuteVaultOperation(context.Background(), vaultID, domain.ChainEthereum, createPayload(level))
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}
	outcome := h.await(t, handle.VaultID, handle.OperationID)
	if outcome.Status != domain.OperationStatusVerified {
		t.Fatalf("create vault outcome %s: %+v", outcome.Status, outcome.Verdict)
	}
	return handle
}

func createPayload(level int) domain.OperationPayload {
	return domain.OperationPayload{
		Type:   domain.OperationCreate,
		Create: &domain.CreateBody{OwnerAddress: "0xowner", SecurityLevel: level},
	}
}

func unlockPayload(quorumLevel *int) domain.OperationPayload {
	return domain.OperationPayload{
		Type:          domain.OperationUnlock,
		SecurityLevel: quorumLevel,
		Unlock:        &domain.UnlockBody{RequestedBy: "0xowner"},
	}
}

func updateOwnerPayload(owner string) domain.OperationPayload {
	return domain.OperationPayload{
		Type:   domain.OperationUpdate,
		Update: &domain.UpdateBody{OwnerAddress: owner},
	}
}

func intPtr(v int) *int { return &v }

// tamperSolanaMemo rewrites the owner address inside a Solana transaction's
// memo, keeping the body decodable.
func tamperSolanaMemo(body []byte) []byte {
	var tx map[string]any
	if err := json.Unmarshal(body, &tx); err != nil {
		return body
	}
	memo, _ := tx["memo"].(string)
	raw, err := base58.Decode(memo)
	if err != nil {
		return body
	}
	env, err := ledger.UnmarshalEnvelope(raw)
	if err != nil {
		return body
	}
	env.Payload = bytes.ReplaceAll(env.Payload, []byte("0xowner"), []byte("0xthief"))
	rewritten, err := env.Marshal()
	if err != nil {
		return body
	}
	tx["memo"] = base58.Encode(rewritten)
	out, err := json.Marshal(tx)
	if err != nil {
		return body
	}
	return out
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (r *recordingAlerts) Raise(_ context.Context, alert domain.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

func (r *recordingAlerts) byKind(kind string) []domain.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Alert
	for _, a := range r.alerts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

type recordingMetrics struct {
	mu           sync.Mutex
	submissions  int
	attempts     int
	proofInvalid int
	verdicts     map[domain.OperationStatus]int
}

func (m *recordingMetrics) SubmissionResult(domain.ChainID, string) {
	m.mu.Lock()
	m.submissions++
	m.mu.Unlock()
}

func (m *recordingMetrics) PropagationAttempt(domain.ChainID) {
	m.mu.Lock()
	m.attempts++
	m.mu.Unlock()
}

func (m *recordingMetrics) Verdict(status domain.OperationStatus) {
	m.mu.Lock()
	m.verdicts[status]++
	m.mu.Unlock()
}

func (m *recordingMetrics) ProofInvalid(domain.ChainID) {
	m.mu.Lock()
	m.proofInvalid++
	m.mu.Unlock()
}

func chainsEqual(got, want []domain.ChainID) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
