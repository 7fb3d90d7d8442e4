// Package ratelimit provides Redis-based rate limiting for API endpoints
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRateLimited is returned when a rate limit is exceeded
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrTargetedAttack is returned when a single user's directory key
	// is being fetched at a rate that suggests enumeration
	ErrTargetedAttack = errors.New("targeted attack detected")
)

// Limiter provides rate limiting functionality using Redis
type Limiter struct {
	redis *redis.Client
}

// NewLimiter creates a new rate limiter
func NewLimiter(redis *redis.Client) *Limiter {
	return &Limiter{redis: redis}
}

// DirectoryFetchLimits defines the rate limits for key directory fetches
type DirectoryFetchLimits struct {
	// Per-requester: how many directory lookups a single user can make
	RequesterLimit  int
	RequesterWindow time.Duration

	// Per-target: how many times a single user's key can be fetched.
	// High numbers indicate someone is enumerating the directory.
	TargetLimit  int
	TargetWindow time.Duration

	// Per-IP: fallback limit for unauthenticated or distributed abuse
	IPLimit  int
	IPWindow time.Duration
}

// DefaultDirectoryFetchLimits returns the recommended rate limits
func DefaultDirectoryFetchLimits() DirectoryFetchLimits {
	return DirectoryFetchLimits{
		RequesterLimit:  30,
		RequesterWindow: time.Minute,
		TargetLimit:     60,
		TargetWindow:    time.Minute,
		IPLimit:         100,
		IPWindow:        time.Minute,
	}
}

// CheckDirectoryFetch checks all rate limits for a key directory lookup.
// Returns nil if allowed, ErrRateLimited if any limit exceeded.
func (l *Limiter) CheckDirectoryFetch(ctx context.Context, requesterID, targetID, ip string) error {
	if l == nil || l.redis == nil {
		// If Redis is unavailable, allow the request (fail-open for availability)
		return nil
	}

	limits := DefaultDirectoryFetchLimits()

	requesterKey := fmt.Sprintf("ratelimit:directory:requester:%s", requesterID)
	if err := l.checkLimit(ctx, requesterKey, limits.RequesterLimit, limits.RequesterWindow); err != nil {
		log.Printf("[RateLimit] Requester %s exceeded directory fetch limit", requesterID)
		return ErrRateLimited
	}

	targetKey := fmt.Sprintf("ratelimit:directory:target:%s", targetID)
	if err := l.checkLimit(ctx, targetKey, limits.TargetLimit, limits.TargetWindow); err != nil {
		log.Printf("[RateLimit] ALERT: directory key for %s being fetched at an unusual rate", targetID)
		return ErrTargetedAttack
	}

	if ip != "" {
		ipKey := fmt.Sprintf("ratelimit:directory:ip:%s", ip)
		if err := l.checkLimit(ctx, ipKey, limits.IPLimit, limits.IPWindow); err != nil {
			return ErrRateLimited
		}
	}

	return nil
}

// CheckMessageSend limits how fast a single user can post messages.
func (l *Limiter) CheckMessageSend(ctx context.Context, senderID string) error {
	if l == nil || l.redis == nil {
		return nil
	}

	key := fmt.Sprintf("ratelimit:message:sender:%s", senderID)
	if err := l.checkLimit(ctx, key, 60, time.Minute); err != nil {
		log.Printf("[RateLimit] Sender %s exceeded message send limit", senderID)
		return ErrRateLimited
	}
	return nil
}

// checkLimit performs the actual rate limit check using Redis INCR
func (l *Limiter) checkLimit(ctx context.Context, key string, limit int, window time.Duration) error {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		// Fail-open on Redis errors to maintain availability
		return nil
	}

	// If this is the first request, set the expiry
	if count == 1 {
		l.redis.Expire(ctx, key, window)
	}

	if int(count) > limit {
		return ErrRateLimited
	}

	return nil
}

// GetRemainingRequests returns how many requests are remaining for a given key
func (l *Limiter) GetRemainingRequests(ctx context.Context, keyPrefix, identifier string, limit int) (int, error) {
	if l == nil || l.redis == nil {
		return limit, nil
	}

	key := fmt.Sprintf("%s:%s", keyPrefix, identifier)
	count, err := l.redis.Get(ctx, key).Int()
	if err == redis.Nil {
		return limit, nil
	}
	if err != nil {
		return limit, err
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
