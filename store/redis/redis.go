// Package redis provides a Redis-backed UsageLedger and SubscriptionStore.
//
// Each owner and period is one hash keyed by bucket, incremented with HINCRBY
// so concurrent writers from any number of instances never lose updates.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/chatgate"
)

// Store is a Redis-backed UsageLedger and SubscriptionStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var (
	_ chatgate.UsageLedger       = (*Store)(nil)
	_ chatgate.SubscriptionStore = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "chatgate:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "chatgate:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) usageKey(ownerID string, period chatgate.Period) string {
	return s.keyPrefix + "usage:" + ownerID + ":" + period.Key()
}

func (s *Store) subscriptionKey(ownerID string) string {
	return s.keyPrefix + "sub:" + ownerID
}

// Usage returns the tokens used in the period.
func (s *Store) Usage(ctx context.Context, ownerID string, bucket chatgate.Bucket, period chatgate.Period) (int64, error) {
	v, err := s.client.HGet(ctx, s.usageKey(ownerID, period), string(bucket)).Int64()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("chatgate/redis: usage: %w", err)
	}
	return v, nil
}

// Increment adds delta to the period's counter.
func (s *Store) Increment(ctx context.Context, ownerID string, bucket chatgate.Bucket, period chatgate.Period, delta int64) error {
	if err := s.client.HIncrBy(ctx, s.usageKey(ownerID, period), string(bucket), delta).Err(); err != nil {
		return fmt.Errorf("chatgate/redis: increment: %w", err)
	}
	return nil
}

// Usages returns every counter the owner has in the period.
func (s *Store) Usages(ctx context.Context, ownerID string, period chatgate.Period) (map[chatgate.Bucket]int64, error) {
	vals, err := s.client.HGetAll(ctx, s.usageKey(ownerID, period)).Result()
	if err != nil {
		return nil, fmt.Errorf("chatgate/redis: usages: %w", err)
	}
	out := make(map[chatgate.Bucket]int64, len(vals))
	for field, raw := range vals {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("chatgate/redis: bucket %s: %w", field, err)
		}
		out[chatgate.Bucket(field)] = n
	}
	return out, nil
}

// Subscription returns the owner's subscription.
func (s *Store) Subscription(ctx context.Context, ownerID string) (chatgate.Subscription, bool, error) {
	vals, err := s.client.HGetAll(ctx, s.subscriptionKey(ownerID)).Result()
	if err != nil {
		return chatgate.Subscription{}, false, fmt.Errorf("chatgate/redis: subscription: %w", err)
	}
	if len(vals) == 0 {
		return chatgate.Subscription{}, false, nil
	}

	sub := chatgate.Subscription{
		OwnerID: ownerID,
		Plan:    chatgate.Plan(vals["plan"]),
		Status:  vals["status"],
	}
	if sub.PeriodStart, err = parseUnix(vals["period_start"]); err != nil {
		return chatgate.Subscription{}, false, fmt.Errorf("chatgate/redis: period_start: %w", err)
	}
	if sub.PeriodEnd, err = parseUnix(vals["period_end"]); err != nil {
		return chatgate.Subscription{}, false, fmt.Errorf("chatgate/redis: period_end: %w", err)
	}
	return sub, true, nil
}

// SetSubscription stores the owner's subscription.
func (s *Store) SetSubscription(ctx context.Context, sub chatgate.Subscription) error {
	err := s.client.HSet(ctx, s.subscriptionKey(sub.OwnerID),
		"plan", string(sub.Plan),
		"status", sub.Status,
		"period_start", formatUnix(sub.PeriodStart),
		"period_end", formatUnix(sub.PeriodEnd),
	).Err()
	if err != nil {
		return fmt.Errorf("chatgate/redis: set subscription: %w", err)
	}
	return nil
}

func formatUnix(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.Unix(), 10)
}

func parseUnix(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(n, 0).UTC(), nil
}
