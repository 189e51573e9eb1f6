package domain

import (
	"context"
	"time"
)

// RateLimitScope names the budget a request draws from.
type RateLimitScope string

const (
	ScopeVaultRead      RateLimitScope = "vault_read"
	ScopeVaultOperation RateLimitScope = "vault_operation"
	ScopeRecovery       RateLimitScope = "recovery"
)

// RateLimitKey identifies one window. Requests that submit to chains are
// charged to the vault they target, whatever client sends them; reads and
// vault creation are charged to the client.
type RateLimitKey struct {
	Scope   RateLimitScope
	VaultID string
	Client  string
}

// Subject is the vault or client the window belongs to.
func (k RateLimitKey) Subject() string {
	if k.VaultID != "" {
		return "vault:" + k.VaultID
	}
	return "client:" + k.Client
}

func (k RateLimitKey) String() string {
	return k.Subject() + ":" + string(k.Scope)
}

// RateLimitRule is the budget of one scope. A zero Limit disables limiting.
type RateLimitRule struct {
	Limit  int
	Window time.Duration
}

type RateLimitDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Unlimited is the decision for a disabled rule.
func (r RateLimitRule) Unlimited() RateLimitDecision {
	return RateLimitDecision{Allowed: true, Limit: r.Limit, Remaining: r.Limit}
}

type RateLimiter interface {
	Allow(ctx context.Context, key RateLimitKey, rule RateLimitRule) (RateLimitDecision, error)
}
