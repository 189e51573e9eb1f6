package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"chainvault/internal/domain"
)

func vaultWrite(vaultID, client string) domain.RateLimitKey {
	return domain.RateLimitKey{Scope: domain.ScopeVaultOperation, VaultID: vaultID, Client: client}
}

func TestMemoryChargesWritesToTheVault(t *testing.T) {
	now := time.Unix(1000, 0)
	limiter := NewMemory(MemoryConfig{Now: func() time.Time { return now }})
	ctx := context.Background()
	rule := domain.RateLimitRule{Limit: 2, Window: time.Minute}

	for i, client := range []string{"10.0.0.1", "10.0.0.2"} {
		d, err := limiter.Allow(ctx, vaultWrite("V1", client), rule)
		if err != nil || !d.Allowed {
			t.Fatalf("request %d should pass: %+v %v", i, d, err)
		}
	}
	d, err := limiter.Allow(ctx, vaultWrite("V1", "10.0.0.3"), rule)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed || d.Remaining != 0 || !d.ResetAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("a third client must not get past the vault budget: %+v", d)
	}
	if d, _ := limiter.Allow(ctx, vaultWrite("V2", "10.0.0.3"), rule); !d.Allowed {
		t.Fatal("other vaults have their own window")
	}
	recovery := domain.RateLimitKey{Scope: domain.ScopeRecovery, VaultID: "V1"}
	if d, _ := limiter.Allow(ctx, recovery, rule); !d.Allowed {
		t.Fatal("recovery is budgeted apart from ordinary operations")
	}

	now = now.Add(time.Minute)
	if d, _ := limiter.Allow(ctx, vaultWrite("V1", "10.0.0.1"), rule); !d.Allowed || d.Remaining != 1 {
		t.Fatalf("window should reset: %+v", d)
	}
}

func TestMemoryChargesReadsToTheClient(t *testing.T) {
	limiter := NewMemory(MemoryConfig{})
	ctx := context.Background()
	rule := domain.RateLimitRule{Limit: 1, Window: time.Minute}
	read := func(client string) domain.RateLimitKey {
		return domain.RateLimitKey{Scope: domain.ScopeVaultRead, Client: client}
	}
	if d, _ := limiter.Allow(ctx, read("a"), rule); !d.Allowed {
		t.Fatal("first read should pass")
	}
	if d, _ := limiter.Allow(ctx, read("a"), rule); d.Allowed {
		t.Fatal("second read from the same client should be limited")
	}
	if d, _ := limiter.Allow(ctx, read("b"), rule); !d.Allowed {
		t.Fatal("another client keeps its own budget")
	}
}

func TestMemoryCapacitySweepsExpiredWindows(t *testing.T) {
	now := time.Unix(1000, 0)
	limiter := NewMemory(MemoryConfig{Now: func() time.Time { return now }, MaxKeys: 1})
	ctx := context.Background()
	rule := domain.RateLimitRule{Limit: 1, Window: time.Second}
	if _, err := limiter.Allow(ctx, vaultWrite("a", ""), rule); err != nil {
		t.Fatalf("first key: %v", err)
	}
	if _, err := limiter.Allow(ctx, vaultWrite("b", ""), rule); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	now = now.Add(2 * time.Second)
	if _, err := limiter.Allow(ctx, vaultWrite("b", ""), rule); err != nil {
		t.Fatalf("expired windows should be swept: %v", err)
	}
	if limiter.Len() != 1 {
		t.Fatalf("expected one live window, got %d", limiter.Len())
	}
}

func TestDisabledRule(t *testing.T) {
	limiter := NewMemory(MemoryConfig{})
	d, err := limiter.Allow(context.Background(), vaultWrite("V1", ""), domain.RateLimitRule{})
	if err != nil || !d.Allowed || limiter.Len() != 0 {
		t.Fatalf("zero limit disables limiting: %+v %v", d, err)
	}
}

func TestRedisKeyGroupsVaultScopes(t *testing.T) {
	ops := redisKey(vaultWrite("V1", "10.0.0.1"))
	rec := redisKey(domain.RateLimitKey{Scope: domain.ScopeRecovery, VaultID: "V1"})
	if ops != "chainvault:rl:{vault:V1}:vault_operation" || rec != "chainvault:rl:{vault:V1}:recovery" {
		t.Fatalf("unexpected keys %q %q", ops, rec)
	}
	read := redisKey(domain.RateLimitKey{Scope: domain.ScopeVaultRead, Client: "10.0.0.1"})
	if read != "chainvault:rl:{client:10.0.0.1}:vault_read" {
		t.Fatalf("unexpected read key %q", read)
	}
}
