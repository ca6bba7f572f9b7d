package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/woodkill00/gatekeep/pkg/config"
)

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Count      int64
	Allowed    bool
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds the wait up to whole seconds for the
// Retry-After header, never below one.
func (d Decision) RetryAfterSeconds() int {
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter enforces fixed-window quotas backed by Redis. Windows are
// aligned to wall-clock boundaries so every replica computes the same
// bucket for the same instant.
type Limiter struct {
	client *redis.Client
	cfg    *config.Config
	now    func() time.Time
}

// NewLimiter creates a limiter over an existing Redis client.
func NewLimiter(client *redis.Client, cfg *config.Config) *Limiter {
	return &Limiter{client: client, cfg: cfg, now: time.Now}
}

// Check increments the counter for (scope, identifier) in the current
// window and reports whether the request is within quota. The INCR and
// PEXPIRE run in one pipeline; a crash between them can leave a counter
// without a TTL for at most one window, which the bucketed key makes
// harmless.
func (l *Limiter) Check(ctx context.Context, scope, identifier string) (Decision, error) {
	rule := l.cfg.RuleFor(scope)
	now := l.now()

	bucketStart := now.Truncate(rule.Window)
	key := fmt.Sprintf("rl:%s:%s:%d", scope, identifier, bucketStart.Unix())

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.PExpire(ctx, key, rule.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}

	count := incr.Val()
	if count <= rule.Max {
		return Decision{Count: count, Allowed: true}, nil
	}

	retryAfter := bucketStart.Add(rule.Window).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Decision{Count: count, Allowed: false, RetryAfter: retryAfter}, nil
}

// HashIdentifier derives a stable, salted identifier from sensitive
// input such as an email address, so raw values never appear in Redis
// keys.
func (l *Limiter) HashIdentifier(value string) string {
	sum := sha256.Sum256([]byte(l.cfg.RateLimitSalt + strings.ToLower(strings.TrimSpace(value))))
	return hex.EncodeToString(sum[:16])
}
