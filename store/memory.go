// Package store provides UsageLedger, ConversationStore and SubscriptionStore
// implementations for chatgate.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ineyio/chatgate"
)

// MemoryLedger is an in-memory UsageLedger.
type MemoryLedger struct {
	mu     sync.RWMutex
	counts map[ledgerKey]int64
}

type ledgerKey struct {
	owner  string
	bucket chatgate.Bucket
	period string
}

var _ chatgate.UsageLedger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{counts: make(map[ledgerKey]int64)}
}

// Usage returns the tokens used in the period.
func (l *MemoryLedger) Usage(_ context.Context, ownerID string, bucket chatgate.Bucket, period chatgate.Period) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.counts[ledgerKey{ownerID, bucket, period.Key()}], nil
}

// Increment adds delta to the period's counter.
func (l *MemoryLedger) Increment(_ context.Context, ownerID string, bucket chatgate.Bucket, period chatgate.Period, delta int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[ledgerKey{ownerID, bucket, period.Key()}] += delta
	return nil
}

// Usages returns every counter the owner has in the period.
func (l *MemoryLedger) Usages(_ context.Context, ownerID string, period chatgate.Period) (map[chatgate.Bucket]int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	key := period.Key()
	out := make(map[chatgate.Bucket]int64)
	for k, v := range l.counts {
		if k.owner == ownerID && k.period == key {
			out[k.bucket] = v
		}
	}
	return out, nil
}

// MemorySubscriptions is an in-memory SubscriptionStore.
type MemorySubscriptions struct {
	mu   sync.RWMutex
	subs map[string]chatgate.Subscription
}

var _ chatgate.SubscriptionStore = (*MemorySubscriptions)(nil)

// NewMemorySubscriptions creates an empty subscription store.
func NewMemorySubscriptions() *MemorySubscriptions {
	return &MemorySubscriptions{subs: make(map[string]chatgate.Subscription)}
}

// SetSubscription stores sub, replacing any existing subscription of its owner.
func (s *MemorySubscriptions) SetSubscription(_ context.Context, sub chatgate.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.OwnerID] = sub
	return nil
}

// Subscription returns the owner's subscription.
func (s *MemorySubscriptions) Subscription(_ context.Context, ownerID string) (chatgate.Subscription, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[ownerID]
	return sub, ok, nil
}

// MemoryConversations is an in-memory ConversationStore.
type MemoryConversations struct {
	mu    sync.Mutex
	convs map[string]chatgate.Conversation
	turns map[string][]chatgate.Turn // by conversation, ordered by Seq
	owner map[string]string          // turn id -> conversation id
	seq   int64
}

var _ chatgate.ConversationStore = (*MemoryConversations)(nil)

// NewMemoryConversations creates an empty conversation store.
func NewMemoryConversations() *MemoryConversations {
	return &MemoryConversations{
		convs: make(map[string]chatgate.Conversation),
		turns: make(map[string][]chatgate.Turn),
		owner: make(map[string]string),
	}
}

// EnsureConversation creates conv unless a conversation with its ID exists.
func (s *MemoryConversations) EnsureConversation(_ context.Context, conv chatgate.Conversation) (chatgate.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.convs[conv.ID]; ok {
		return existing, nil
	}
	s.convs[conv.ID] = conv
	return conv, nil
}

// SubmitUserTurn appends turn, or rewinds to it if it already exists.
func (s *MemoryConversations) SubmitUserTurn(_ context.Context, turn chatgate.Turn) (chatgate.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if convID, ok := s.owner[turn.ID]; ok {
		if convID != turn.ConversationID {
			return chatgate.Turn{}, false, fmt.Errorf("%w: turn %q belongs to another conversation", chatgate.ErrInvalidRequest, turn.ID)
		}
		turns := s.turns[convID]
		for i, t := range turns {
			if t.ID != turn.ID {
				continue
			}
			for _, dropped := range turns[i+1:] {
				delete(s.owner, dropped.ID)
			}
			s.turns[convID] = turns[:i+1]
			return t, true, nil
		}
	}
	return s.appendLocked(turn)
}

// AppendTurn appends turn at the next sequence position.
func (s *MemoryConversations) AppendTurn(_ context.Context, turn chatgate.Turn) (chatgate.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.owner[turn.ID]; ok {
		return chatgate.Turn{}, fmt.Errorf("chatgate/store: duplicate turn id %q", turn.ID)
	}
	t, _, err := s.appendLocked(turn)
	return t, err
}

// Must be called with lock held.
func (s *MemoryConversations) appendLocked(turn chatgate.Turn) (chatgate.Turn, bool, error) {
	s.seq++
	turn.Seq = s.seq
	s.turns[turn.ConversationID] = append(s.turns[turn.ConversationID], turn)
	s.owner[turn.ID] = turn.ConversationID
	return turn, false, nil
}

// Turns returns the conversation's turns in sequence order.
func (s *MemoryConversations) Turns(_ context.Context, conversationID string) ([]chatgate.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := append([]chatgate.Turn(nil), s.turns[conversationID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
