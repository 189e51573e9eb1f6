package policyopa

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"chainvault/internal/domain"
)

func TestEngineDeterministic(t *testing.T) {
	engine := newTestEngine(t)
	input := lockedVaultInput(domain.OperationUpdate)
	input.Operation.SecurityLevel = intPtr(4)

	first, err := engine.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("evaluate first: %v", err)
	}
	second, err := engine.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("evaluate second: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected deterministic policy evaluation")
	}
	if !first.Result.Allow || len(first.Result.Deny) != 0 {
		t.Fatalf("expected allow for raising the level: %+v", first.Result)
	}
	if !strings.HasPrefix(first.BundleHash, "sha256:") || first.BundleID != DefaultBundleID {
		t.Fatalf("unexpected bundle identity %q %q", first.BundleID, first.BundleHash)
	}
}

func TestEngineAdmissionRules(t *testing.T) {
	engine := newTestEngine(t)
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name  string
		input func() domain.AdmissionInput
		want  []string
	}{
		{
			name: "unlock before unlock time",
			input: func() domain.AdmissionInput {
				return lockedVaultInput(domain.OperationUnlock)
			},
			want: []string{"UNLOCK_BEFORE_UNLOCK_TIME"},
		},
		{
			name: "unlock after unlock time",
			input: func() domain.AdmissionInput {
				in := lockedVaultInput(domain.OperationUnlock)
				in.NowUnix = *in.Vault.UnlockUnix + 1
				return in
			},
		},
		{
			name: "unlock below vault level while locked",
			input: func() domain.AdmissionInput {
				in := lockedVaultInput(domain.OperationUnlock)
				in.NowUnix = *in.Vault.UnlockUnix + 1
				in.Operation.QuorumLevel = intPtr(1)
				return in
			},
			want: []string{"QUORUM_LOWERED_WHILE_LOCKED"},
		},
		{
			name: "unlock at vault level while locked",
			input: func() domain.AdmissionInput {
				in := lockedVaultInput(domain.OperationUnlock)
				in.NowUnix = *in.Vault.UnlockUnix + 1
				in.Operation.QuorumLevel = intPtr(3)
				return in
			},
		},
		{
			name: "lower quorum on active vault",
			input: func() domain.AdmissionInput {
				in := lockedVaultInput(domain.OperationUnlock)
				in.Vault.State = domain.VaultStateActive
				in.Vault.UnlockUnix = nil
				in.Operation.QuorumLevel = intPtr(1)
				return in
			},
		},
		{
			name: "lower level while locked",
			input: func() domain.AdmissionInput {
				in := lockedVaultInput(domain.OperationUpdate)
				in.Operation.SecurityLevel = intPtr(1)
				return in
			},
			want: []string{"SECURITY_LEVEL_LOWERED_WHILE_LOCKED"},
		},
		{
			name: "shorten time lock",
			input: func() domain.AdmissionInput {
				in := lockedVaultInput(domain.OperationUpdate)
				earlier := *in.Vault.UnlockUnix - 60
				in.Operation.UnlockUnix = &earlier
				in.Operation.SecurityLevel = intPtr(1)
				return in
			},
			want: []string{"SECURITY_LEVEL_LOWERED_WHILE_LOCKED", "UNLOCK_TIME_SHORTENED_WHILE_LOCKED"},
		},
		{
			name: "create with past unlock time",
			input: func() domain.AdmissionInput {
				past := now.Add(-time.Hour)
				payload := domain.OperationPayload{
					Type:   domain.OperationCreate,
					Create: &domain.CreateBody{OwnerAddress: "0xowner", SecurityLevel: 2, UnlockTime: &past},
				}
				return domain.NewAdmissionInput(payload, "V1", domain.ChainEthereum, nil, now.Unix())
			},
			want: []string{"UNLOCK_TIME_IN_PAST"},
		},
		{
			name: "create without time lock",
			input: func() domain.AdmissionInput {
				payload := domain.OperationPayload{
					Type:   domain.OperationCreate,
					Create: &domain.CreateBody{OwnerAddress: "0xowner", SecurityLevel: 2},
				}
				return domain.NewAdmissionInput(payload, "V1", domain.ChainEthereum, nil, now.Unix())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := engine.Evaluate(context.Background(), tt.input())
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if len(tt.want) == 0 {
				if !out.Result.Allow {
					t.Fatalf("expected allow, got %+v", out.Result.Deny)
				}
				return
			}
			if out.Result.Allow {
				t.Fatalf("expected deny")
			}
			if !reflect.DeepEqual(tt.want, denyOrder(out.Result.Deny)) {
				t.Fatalf("expected deny codes %v, got %v", tt.want, denyOrder(out.Result.Deny))
			}
		})
	}
}

func TestEngineFromBundlePath(t *testing.T) {
	dir := t.TempDir()
	regoContent := `package chainvault.admission
result := {"allow": true, "deny": []}
`
	if err := os.WriteFile(filepath.Join(dir, "policy.rego"), []byte(regoContent), 0o644); err != nil {
		t.Fatalf("write rego: %v", err)
	}
	engine, err := NewEngineFromBundlePath(context.Background(), dir, "custom")
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	out, err := engine.Evaluate(context.Background(), lockedVaultInput(domain.OperationUnlock))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !out.Result.Allow || out.BundleID != "custom" {
		t.Fatalf("unexpected evaluation %+v", out)
	}
}

func TestEngineRejectsTimeBuiltin(t *testing.T) {
	rejectBuiltin(t, "time.now_ns()")
}

func TestEngineRejectsHttpSend(t *testing.T) {
	rejectBuiltin(t, "http.send({\"method\": \"get\", \"url\": \"https://example.com\"})")
}

func TestEngineRejectsRand(t *testing.T) {
	rejectBuiltin(t, "rand.intn(\"seed\", 10)")
}

func rejectBuiltin(t *testing.T, expr string) {
	t.Helper()
	dir := t.TempDir()
	regoContent := `package chainvault.admission
result := {"allow": true, "deny": []} {
  ` + expr + `
}`
	if err := os.WriteFile(filepath.Join(dir, "policy.rego"), []byte(regoContent), 0o644); err != nil {
		t.Fatalf("write rego: %v", err)
	}
	if _, err := NewEngineFromBundlePath(context.Background(), dir, "test"); err == nil {
		t.Fatalf("expected builtin to be rejected")
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewDefaultEngine(context.Background())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func lockedVaultInput(opType domain.OperationType) domain.AdmissionInput {
	now := int64(1_700_000_000)
	unlock := now + 3600
	return domain.AdmissionInput{
		Operation: domain.AdmissionOperation{
			Type:         opType,
			VaultID:      "V1",
			PrimaryChain: domain.ChainEthereum,
		},
		Vault: &domain.AdmissionVault{
			State:         domain.VaultStateLocked,
			SecurityLevel: 3,
			UnlockUnix:    &unlock,
		},
		NowUnix: now,
	}
}

func intPtr(v int) *int { return &v }

func denyOrder(deny []domain.PolicyDeny) []string {
	out := make([]string, 0, len(deny))
	for _, item := range deny {
		out = append(out, item.Code)
	}
	return out
}
