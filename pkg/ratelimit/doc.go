// Package ratelimit implements Redis-backed fixed-window rate limiting
// with per-scope quotas and a tenant-scoped variant.
package ratelimit
