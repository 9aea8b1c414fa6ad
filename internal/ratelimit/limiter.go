// Package ratelimit throttles inbound frames with fixed Redis windows
// (INCR, then EXPIRE on the first hit). Every Redis failure fails open.
package ratelimit

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is one limit: at most Limit hits per Window for keys under Prefix.
type Rule struct {
	Prefix string
	Limit  int
	Window time.Duration
}

var (
	// RuleMessage covers message, typing and effect frames per connection.
	RuleMessage = Rule{Prefix: "rl:msg:", Limit: 20, Window: 10 * time.Second}

	// RuleMatch covers find_match per connection.
	RuleMatch = Rule{Prefix: "rl:match:", Limit: 10, Window: time.Minute}

	// RuleConnect covers WebSocket upgrades per remote IP.
	RuleConnect = Rule{Prefix: "rl:conn:", Limit: 30, Window: time.Minute}
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // time until the window resets; zero when allowed
}

// Limiter checks rules against Redis.
type Limiter struct {
	client *redis.Client
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one hit for id under rule. The returned error is for logging
// only; the decision is always usable.
func (l *Limiter) Allow(ctx context.Context, id string, rule Rule) (Decision, error) {
	key := rule.Prefix + id

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, rule.Window)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[ratelimit] key=%s: %v (failing open)", key, err)
		return Decision{Allowed: true}, err
	}

	if int(incr.Val()) <= rule.Limit {
		return Decision{Allowed: true}, nil
	}
	retry := ttl.Val()
	if retry <= 0 {
		retry = rule.Window
	}
	return Decision{RetryAfter: retry}, nil
}

// Remaining returns the hits id has left in the current window.
func (l *Limiter) Remaining(ctx context.Context, id string, rule Rule) (int, error) {
	count, err := l.client.Get(ctx, rule.Prefix+id).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		return rule.Limit, err
	}
	if left := rule.Limit - count; left > 0 {
		return left, nil
	}
	return 0, nil
}
