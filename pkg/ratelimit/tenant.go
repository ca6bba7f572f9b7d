package ratelimit

import (
	"context"
	"time"
)

// CheckTenant applies a fixed-window quota scoped to a tenant. A
// request with no tenant identifier is denied outright rather than
// falling back to a shared bucket, so one misconfigured client cannot
// exhaust everyone else's quota.
func (l *Limiter) CheckTenant(ctx context.Context, scope, tenantID, identifier string) (Decision, error) {
	if tenantID == "" {
		return Decision{Allowed: false, RetryAfter: time.Second}, nil
	}
	return l.Check(ctx, scope+":"+tenantID, identifier)
}
