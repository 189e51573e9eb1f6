package solana

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"chainvault/internal/domain"
	"chainvault/internal/infra/canonical"
	"chainvault/internal/infra/ledger/memledger"
)

func testOperation(t *testing.T, id string) domain.Operation {
	t.Helper()
	payload := domain.OperationPayload{
		Type:   domain.OperationUnlock,
		Unlock: &domain.UnlockBody{RequestedBy: "owner"},
	}
	body, hash, err := canonical.EncodePayload("vault-1", payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return domain.Operation{
		ID:               id,
		VaultID:          "vault-1",
		Type:             payload.Type,
		Payload:          payload,
		CanonicalPayload: body,
		PayloadHash:      hash,
		PrimaryChain:     domain.ChainSolana,
	}
}

func newTestAdapter(t *testing.T, confirmAfter int) (*Adapter, *memledger.Ledger) {
	t.Helper()
	attestor, err := GenerateAttestor()
	if err != nil {
		t.Fatalf("attestor: %v", err)
	}
	led, err := memledger.New(memledger.Config{Name: "solana", ConfirmAfter: confirmAfter, Attestor: attestor})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	_, signer, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	adapter, err := New(Config{Client: led, Signer: signer, Attestor: attestor.PublicKey(), Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("adapter: %v", err)
	}
	return adapter, led
}

func TestSubmitQueryVerify(t *testing.T) {
	adapter, led := newTestAdapter(t, 5)
	ctx := context.Background()
	ops := []domain.Operation{testOperation(t, "op-1"), testOperation(t, "op-2"), testOperation(t, "op-3")}
	refs := make([]string, len(ops))
	for i, op := range ops {
		receipt, err := adapter.Submit(ctx, op)
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if receipt.Status != domain.ReceiptSubmitted || receipt.Chain != domain.ChainSolana {
			t.Fatalf("unexpected submit receipt %+v", receipt)
		}
		refs[i] = receipt.TxRef
	}
	led.Seal()

	for i, ref := range refs {
		confirmed, err := adapter.QueryStatus(ctx, ref)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if confirmed.Status != domain.ReceiptConfirmed {
			t.Fatalf("expected confirmed, got %s", confirmed.Status)
		}
		if confirmed.ObservedPayloadHash != ops[i].PayloadHash {
			t.Fatalf("observed hash %s, want %s", confirmed.ObservedPayloadHash, ops[i].PayloadHash)
		}
		if !adapter.VerifyProof(confirmed.Proof, ops[i].PayloadHash) {
			t.Fatalf("proof %d did not verify", i)
		}
		if adapter.VerifyProof(confirmed.Proof, canonical.HashBytes([]byte("other"))) {
			t.Fatal("proof must not verify against a different hash")
		}
	}
}

func TestTamperedProofFails(t *testing.T) {
	adapter, _ := newTestAdapter(t, 0)
	op := testOperation(t, "op-1")
	receipt, err := adapter.Submit(context.Background(), op)
	if err != nil {
		t.Fatal(err)
	}
	confirmed, err := adapter.QueryStatus(context.Background(), receipt.TxRef)
	if err != nil {
		t.Fatal(err)
	}
	var proof Proof
	if err := json.Unmarshal(confirmed.Proof, &proof); err != nil {
		t.Fatalf("decode proof: %v", err)
	}
	proof.Slot++
	tampered, _ := json.Marshal(proof)
	if adapter.VerifyProof(tampered, op.PayloadHash) {
		t.Fatal("proof with altered height must fail")
	}
}

func TestSubmitRejectedAndTimeout(t *testing.T) {
	adapter, led := newTestAdapter(t, 1)
	receipt, err := adapter.Submit(context.Background(), testOperation(t, "op-1"))
	if err != nil {
		t.Fatal(err)
	}

	led.SetFaults(memledger.Faults{RejectSubmissions: true})
	_, err = adapter.Submit(context.Background(), testOperation(t, "op-2"))
	var subErr *domain.SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}

	led.SetFaults(memledger.Faults{HangLookups: true})
	_, err = adapter.QueryStatus(context.Background(), receipt.TxRef)
	if !errors.Is(err, domain.ErrQueryTimeout) {
		t.Fatalf("expected query timeout, got %v", err)
	}
}
