// Package ban keeps the fingerprint ban list and the per-fingerprint report
// counters in Redis.
//
//	ban:<fingerprint>      -> reason, TTL = remaining ban
//	reports:<fingerprint>  -> report count, TTL = counting window
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BanPrefix     = "ban:"
	ReportsPrefix = "reports:"

	// ReasonMultipleReports is recorded when a ban comes from report
	// escalation rather than a moderator.
	ReasonMultipleReports = "multiple_reports"
)

// Policy controls report escalation.
type Policy struct {
	// Threshold is the report count within Window that triggers a ban.
	Threshold int
	// Window is the lifetime of a report counter. It starts with the first
	// report and does not slide.
	Window time.Duration
	// Ladder lists ban durations by offense. The first ban uses Ladder[0],
	// later ones step up and stay on the last entry.
	Ladder []time.Duration
}

// DefaultPolicy bans after three reports in a day: 15m, then 1h, then 24h.
func DefaultPolicy() Policy {
	return Policy{
		Threshold: 3,
		Window:    24 * time.Hour,
		Ladder:    []time.Duration{15 * time.Minute, time.Hour, 24 * time.Hour},
	}
}

func (p Policy) duration(count int) time.Duration {
	if len(p.Ladder) == 0 {
		return 15 * time.Minute
	}
	step := count - p.Threshold
	if step < 0 {
		step = 0
	}
	if step >= len(p.Ladder) {
		step = len(p.Ladder) - 1
	}
	return p.Ladder[step]
}

// Store is the Redis-backed ban list.
type Store struct {
	client *redis.Client
	policy Policy
}

// NewStore creates a Store with DefaultPolicy.
func NewStore(client *redis.Client) *Store {
	return NewStoreWithPolicy(client, DefaultPolicy())
}

// NewStoreWithPolicy creates a Store with a custom escalation policy.
func NewStoreWithPolicy(client *redis.Client, p Policy) *Store {
	if p.Threshold <= 0 {
		p.Threshold = 1
	}
	return &Store{client: client, policy: p}
}

// IsBanned returns (banned, remainingSeconds, reason, err). Redis errors
// are returned as-is; the caller owns the fail-open decision.
func (s *Store) IsBanned(ctx context.Context, fingerprint string) (bool, int, string, error) {
	key := BanPrefix + fingerprint

	pipe := s.client.Pipeline()
	get := pipe.Get(ctx, key)
	ttl := pipe.TTL(ctx, key)
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, 0, "", err
	}

	reason, err := get.Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	remaining := 0
	if d := ttl.Val(); d > 0 {
		remaining = int(d.Seconds())
	}
	return true, remaining, reason, nil
}

// Ban bans fingerprint for d. An existing ban is replaced.
func (s *Store) Ban(ctx context.Context, fingerprint string, d time.Duration, reason string) error {
	return s.client.Set(ctx, BanPrefix+fingerprint, reason, d).Err()
}

// Unban lifts a ban immediately.
func (s *Store) Unban(ctx context.Context, fingerprint string) error {
	return s.client.Del(ctx, BanPrefix+fingerprint).Err()
}

// ReportCount returns the live report counter for fingerprint, or 0.
func (s *Store) ReportCount(ctx context.Context, fingerprint string) (int, error) {
	n, err := s.client.Get(ctx, ReportsPrefix+fingerprint).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// ReportAndCheck counts one report against fingerprint and bans it once the
// policy threshold is reached. It returns whether a ban was applied and for
// how long.
func (s *Store) ReportAndCheck(ctx context.Context, fingerprint, reason string) (bool, time.Duration, error) {
	key := ReportsPrefix + fingerprint

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// NX keeps the window anchored at the first report.
	pipe.ExpireNX(ctx, key, s.policy.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("ban: count report: %w", err)
	}

	count := int(incr.Val())
	if count < s.policy.Threshold {
		return false, 0, nil
	}

	d := s.policy.duration(count)
	if err := s.Ban(ctx, fingerprint, d, ReasonMultipleReports); err != nil {
		return false, 0, fmt.Errorf("ban: apply: %w", err)
	}
	return true, d, nil
}
