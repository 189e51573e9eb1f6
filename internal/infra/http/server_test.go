package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"chainvault/internal/config"
	"chainvault/internal/domain"
	"chainvault/internal/infra/ratelimit"
	"chainvault/internal/logging"
)

type stubVaults struct {
	mu sync.Mutex

	executeErr error
	lastVault  string
	lastChain  domain.ChainID
	lastType   domain.OperationType

	op       *domain.Operation
	receipts []domain.ChainReceipt
	verdict  domain.ConsistencyVerdict
	recovery domain.RecoveryResult
	recErr   error
	status   domain.VaultSecurityStatus
	block    bool
}

func (s *stubVaults) ExecuteVaultOperation(_ context.Context, vaultID string, primary domain.ChainID, payload domain.OperationPayload) (domain.OperationHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastVault, s.lastChain, s.lastType = vaultID, primary, payload.Type
	if s.executeErr != nil {
		return domain.OperationHandle{}, s.executeErr
	}
	if vaultID == "" {
		vaultID = "generated"
	}
	return domain.OperationHandle{
		Success:      true,
		OperationID:  "op-1",
		VaultID:      vaultID,
		PrimaryChain: primary,
		Status:       domain.OperationStatusPrimarySubmitted,
	}, nil
}

func (s *stubVaults) VerifyTripleChainConsistency(context.Context, string, string) (domain.ConsistencyVerdict, error) {
	return s.verdict, nil
}

func (s *stubVaults) RecoverChainConsistency(_ context.Context, _, _ string, source domain.ChainID) (domain.RecoveryResult, error) {
	if s.recErr != nil {
		return domain.RecoveryResult{}, s.recErr
	}
	out := s.recovery
	out.SourceChain = source
	return out, nil
}

func (s *stubVaults) InitiateEmergencyRecovery(_ context.Context, vaultID, _ string) (domain.EmergencyRecoveryResult, error) {
	return domain.EmergencyRecoveryResult{Success: true, RecoveryID: "rec-1", PrimaryChain: domain.ChainEthereum}, nil
}

func (s *stubVaults) GetVaultSecurityStatus(_ context.Context, vaultID string) (domain.VaultSecurityStatus, error) {
	if vaultID != s.status.VaultID {
		return domain.VaultSecurityStatus{}, domain.ErrVaultNotFound
	}
	return s.status, nil
}

func (s *stubVaults) GetOperation(context.Context, string, string) (*domain.Operation, error) {
	if s.op == nil {
		return nil, domain.ErrOperationNotFound
	}
	op := *s.op
	return &op, nil
}

func (s *stubVaults) Receipts(context.Context, string, string) ([]domain.ChainReceipt, error) {
	return s.receipts, nil
}

func (s *stubVaults) AwaitOutcome(ctx context.Context, _, opID string) (domain.OperationOutcome, error) {
	if s.block {
		<-ctx.Done()
		return domain.OperationOutcome{}, ctx.Err()
	}
	return domain.OperationOutcome{OperationID: opID, Status: domain.OperationStatusVerified}, nil
}

func newTestServer(t *testing.T, vaults *stubVaults, cfg config.Config, deps ServerDeps) *Server {
	t.Helper()
	deps.Vaults = vaults
	deps.Logger = logging.Discard()
	return NewServer(cfg, deps)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var out errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return out
}

func createBody() map[string]any {
	return map[string]any{
		"primary_chain": "Ethereum",
		"payload": map[string]any{
			"type": "create",
			"create": map[string]any{
				"owner_address":  "0xowner",
				"security_level": 3,
			},
		},
	}
}

func TestCreateVaultGeneratesID(t *testing.T) {
	vaults := &stubVaults{}
	s := newTestServer(t, vaults, config.Config{}, ServerDeps{})

	rec := doJSON(t, s, http.MethodPost, "/v1/vaults", createBody())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var handle domain.OperationHandle
	if err := json.Unmarshal(rec.Body.Bytes(), &handle); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if handle.VaultID != "generated" || !handle.Success {
		t.Fatalf("unexpected handle %+v", handle)
	}
	if vaults.lastVault != "" || vaults.lastChain != domain.ChainEthereum || vaults.lastType != domain.OperationCreate {
		t.Fatalf("unexpected call vault=%q chain=%q type=%q", vaults.lastVault, vaults.lastChain, vaults.lastType)
	}
}

func TestExecuteRejectsUnknownChain(t *testing.T) {
	vaults := &stubVaults{}
	s := newTestServer(t, vaults, config.Config{}, ServerDeps{})

	body := createBody()
	body["primary_chain"] = "bitcoin"
	rec := doJSON(t, s, http.MethodPost, "/v1/vaults/v1/operations", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeError(t, rec).Code; got != "INVALID_OPERATION" {
		t.Fatalf("code = %s", got)
	}
	if vaults.lastType != "" {
		t.Fatal("coordinator should not be called for an unknown chain")
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ErrVaultNotFound, http.StatusNotFound, "NOT_FOUND"},
		{fmt.Errorf("%w: UNLOCK_BEFORE_UNLOCK_TIME", domain.ErrPolicyDenied), http.StatusForbidden, "POLICY_DENIED"},
		{fmt.Errorf("%w: vault v1 is recovered", domain.ErrVaultState), http.StatusConflict, "VAULT_STATE"},
		{domain.ErrOperationInFlight, http.StatusConflict, "OPERATION_IN_FLIGHT"},
		{&domain.SubmissionError{Chain: domain.ChainEthereum, Reason: "nonce too low"}, http.StatusBadGateway, "SUBMISSION_REJECTED"},
		{&domain.RegistryError{Op: "record receipt", Err: errors.New("disk full")}, http.StatusInternalServerError, "REGISTRY_WRITE_FAILED"},
		{&domain.RegistryError{Op: "register", Err: domain.ErrCanonicalHashConflict}, http.StatusConflict, "REGISTRY_CONFLICT"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			s := newTestServer(t, &stubVaults{executeErr: tc.err}, config.Config{}, ServerDeps{})
			rec := doJSON(t, s, http.MethodPost, "/v1/vaults/v1/operations", createBody())
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			if got := decodeError(t, rec).Code; got != tc.code {
				t.Fatalf("code = %s, want %s", got, tc.code)
			}
		})
	}
}

func TestGetOperationIncludesReceipts(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	vaults := &stubVaults{
		op: &domain.Operation{
			ID:              "op-1",
			VaultID:         "v1",
			Type:            domain.OperationCreate,
			PayloadHash:     "sha256:aa",
			PrimaryChain:    domain.ChainEthereum,
			SecondaryChains: []domain.ChainID{domain.ChainTon, domain.ChainSolana},
			SecurityLevel:   3,
			Status:          domain.OperationStatusVerified,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		receipts: []domain.ChainReceipt{
			{Chain: domain.ChainEthereum, TxRef: "0x1", Status: domain.ReceiptConfirmed, Proof: []byte("proof")},
		},
	}
	s := newTestServer(t, vaults, config.Config{}, ServerDeps{})

	rec := doJSON(t, s, http.MethodGet, "/v1/vaults/v1/operations/op-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out operationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Receipts) != 1 || out.Receipts[0].Proof != "cHJvb2Y=" {
		t.Fatalf("unexpected receipts %+v", out.Receipts)
	}
	if out.CreatedAt != "2026-01-02T03:04:05Z" {
		t.Fatalf("created_at = %s", out.CreatedAt)
	}
}

func TestOutcomeReturnsPendingWhenWaitElapses(t *testing.T) {
	s := newTestServer(t, &stubVaults{block: true}, config.Config{}, ServerDeps{})

	rec := doJSON(t, s, http.MethodGet, "/v1/vaults/v1/operations/op-1/outcome?wait=10ms", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeError(t, rec).Code; got != "PENDING" {
		t.Fatalf("code = %s", got)
	}

	rec = doJSON(t, s, http.MethodGet, "/v1/vaults/v1/operations/op-1/outcome?wait=soon", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRecoverRequiresTrustedSource(t *testing.T) {
	vaults := &stubVaults{recErr: &domain.RecoveryError{Chain: domain.ChainTon, Reason: "hash mismatch"}}
	s := newTestServer(t, vaults, config.Config{}, ServerDeps{})

	rec := doJSON(t, s, http.MethodPost, "/v1/vaults/v1/operations/op-1/recover", recoverRequest{SourceChain: "ton"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}

	vaults.recErr = nil
	vaults.recovery = domain.RecoveryResult{Success: true, RecoveredChains: []domain.ChainID{domain.ChainSolana}}
	rec = doJSON(t, s, http.MethodPost, "/v1/vaults/v1/operations/op-1/recover", recoverRequest{SourceChain: "ethereum"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out domain.RecoveryResult
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Success || out.SourceChain != domain.ChainEthereum {
		t.Fatalf("unexpected result %+v", out)
	}
}

func TestEmergencyRecoveryRequiresReason(t *testing.T) {
	s := newTestServer(t, &stubVaults{}, config.Config{}, ServerDeps{})

	rec := doJSON(t, s, http.MethodPost, "/v1/vaults/v1/emergency-recovery", emergencyRequest{Reason: "  "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = doJSON(t, s, http.MethodPost, "/v1/vaults/v1/emergency-recovery", emergencyRequest{Reason: "key compromised"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSecurityStatus(t *testing.T) {
	vaults := &stubVaults{status: domain.VaultSecurityStatus{VaultID: "v1", State: domain.VaultStateLocked, RequiredQuorum: 3}}
	s := newTestServer(t, vaults, config.Config{}, ServerDeps{})

	rec := doJSON(t, s, http.MethodGet, "/v1/vaults/v1/security-status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = doJSON(t, s, http.MethodGet, "/v1/vaults/v2/security-status", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRateLimitRejectsAfterBudget(t *testing.T) {
	cfg := config.Config{RateLimitRequests: 1, RateLimitWindowSeconds: 60}
	limiter := ratelimit.NewMemory(ratelimit.MemoryConfig{})
	s := newTestServer(t, &stubVaults{status: domain.VaultSecurityStatus{VaultID: "v1"}}, cfg, ServerDeps{RateLimiter: limiter})

	first := doJSON(t, s, http.MethodGet, "/v1/vaults/v1/security-status", nil)
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}
	if first.Header().Get("RateLimit-Limit") != "1" || first.Header().Get("RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected headers %v", first.Header())
	}
	second := doJSON(t, s, http.MethodGet, "/v1/vaults/v1/security-status", nil)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	// writes have their own budget
	write := doJSON(t, s, http.MethodPost, "/v1/vaults", createBody())
	if write.Code != http.StatusAccepted {
		t.Fatalf("write status = %d", write.Code)
	}
}

func TestRateLimitChargesOperationsToTheVault(t *testing.T) {
	cfg := config.Config{RateLimitVaultOperations: 1, RateLimitWindowSeconds: 60}
	limiter := ratelimit.NewMemory(ratelimit.MemoryConfig{})
	s := newTestServer(t, &stubVaults{}, cfg, ServerDeps{RateLimiter: limiter})

	submit := func(vaultID, remote string) int {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(createBody()); err != nil {
			t.Fatalf("encode body: %v", err)
		}
		req := httptest.NewRequest(http.MethodPost, "/v1/vaults/"+vaultID+"/operations", &buf)
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec.Code
	}
	if code := submit("v1", "10.0.0.1:4000"); code != http.StatusAccepted {
		t.Fatalf("first submission status = %d", code)
	}
	if code := submit("v1", "10.0.0.2:4000"); code != http.StatusTooManyRequests {
		t.Fatalf("another client on the same vault should share its budget, status = %d", code)
	}
	if code := submit("v2", "10.0.0.2:4000"); code != http.StatusAccepted {
		t.Fatalf("other vault status = %d", code)
	}
	if rec := doJSON(t, s, http.MethodGet, "/v1/vaults/v1/security-status", nil); rec.Code == http.StatusTooManyRequests {
		t.Fatal("reads are not limited without a read budget")
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, domain.RateLimitKey, domain.RateLimitRule) (domain.RateLimitDecision, error) {
	return domain.RateLimitDecision{}, errors.New("redis down")
}

func TestRateLimitFailClosed(t *testing.T) {
	cfg := config.Config{RateLimitRequests: 5, RateLimitWindowSeconds: 60, RateLimitFailClosed: true}
	s := newTestServer(t, &stubVaults{}, cfg, ServerDeps{RateLimiter: failingLimiter{}})
	rec := doJSON(t, s, http.MethodPost, "/v1/vaults", createBody())
	if rec.Code != http.StatusTooManyRequests || decodeError(t, rec).Code != "RATE_LIMIT_UNAVAILABLE" {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	cfg.RateLimitFailClosed = false
	s = newTestServer(t, &stubVaults{}, cfg, ServerDeps{RateLimiter: failingLimiter{}})
	if rec := doJSON(t, s, http.MethodPost, "/v1/vaults", createBody()); rec.Code != http.StatusAccepted {
		t.Fatalf("fail-open status = %d", rec.Code)
	}
}

func TestMetricsAndHealth(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("chainvault_verdicts_total 1\n"))
	})
	s := newTestServer(t, &stubVaults{}, config.Config{RegistryBackend: "memory"}, ServerDeps{Metrics: metrics})

	if rec := doJSON(t, s, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	rec := doJSON(t, s, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte("chainvault_verdicts_total")) {
		t.Fatalf("metrics = %d %s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, s, http.MethodGet, "/nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("no route = %d", rec.Code)
	}
}
