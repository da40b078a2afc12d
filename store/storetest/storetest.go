// Package storetest holds behaviour tests shared by every chatgate store.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/chatgate"
)

var october = chatgate.PeriodContaining(time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC))

// RunLedger exercises a UsageLedger. newLedger must return an empty ledger.
func RunLedger(t *testing.T, newLedger func(t *testing.T) chatgate.UsageLedger) {
	t.Run("missing record is zero", func(t *testing.T) {
		l := newLedger(t)
		used, err := l.Usage(context.Background(), "u1", chatgate.BucketGPT4o, october)
		require.NoError(t, err)
		assert.Zero(t, used)
	})

	t.Run("increments accumulate", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		require.NoError(t, l.Increment(ctx, "u1", chatgate.BucketGPT4o, october, 100))
		require.NoError(t, l.Increment(ctx, "u1", chatgate.BucketGPT4o, october, 23))

		used, err := l.Usage(ctx, "u1", chatgate.BucketGPT4o, october)
		require.NoError(t, err)
		assert.Equal(t, int64(123), used)
	})

	t.Run("periods and owners are isolated", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		november := chatgate.PeriodContaining(october.End.AddDate(0, 0, 1))

		require.NoError(t, l.Increment(ctx, "u1", chatgate.BucketGPT4o, october, 10))
		require.NoError(t, l.Increment(ctx, "u1", chatgate.BucketGPT4o, november, 1))
		require.NoError(t, l.Increment(ctx, "u1", chatgate.BucketClaudeHaiku, october, 5))
		require.NoError(t, l.Increment(ctx, "u2", chatgate.BucketGPT4o, october, 99))

		usages, err := l.Usages(ctx, "u1", october)
		require.NoError(t, err)
		assert.Equal(t, map[chatgate.Bucket]int64{
			chatgate.BucketGPT4o:       10,
			chatgate.BucketClaudeHaiku: 5,
		}, usages)

		used, err := l.Usage(ctx, "u1", chatgate.BucketGPT4o, november)
		require.NoError(t, err)
		assert.Equal(t, int64(1), used)
	})

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		for range 25 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, l.Increment(ctx, "u1", chatgate.BucketLlama, october, 4))
			}()
		}
		wg.Wait()

		used, err := l.Usage(ctx, "u1", chatgate.BucketLlama, october)
		require.NoError(t, err)
		assert.Equal(t, int64(100), used)
	})
}

// RunConversations exercises a ConversationStore. newStore must return an
// empty store.
func RunConversations(t *testing.T, newStore func(t *testing.T) chatgate.ConversationStore) {
	conv := chatgate.Conversation{
		ID:        "c1",
		Title:     "What is Go?",
		Owner:     chatgate.Owner{UserID: "u1"},
		FocusMode: "webSearch",
		Files:     []chatgate.File{{Name: "notes.pdf", FileID: "f1"}},
		CreatedAt: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC),
	}

	userTurn := func(id, content string) chatgate.Turn {
		return chatgate.Turn{ID: id, ConversationID: "c1", Role: chatgate.RoleUser, Content: content}
	}
	assistantTurn := func(id, content string) chatgate.Turn {
		return chatgate.Turn{ID: id, ConversationID: "c1", Role: chatgate.RoleAssistant, Content: content}
	}

	t.Run("ensure conversation is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		stored, err := s.EnsureConversation(ctx, conv)
		require.NoError(t, err)
		assert.Equal(t, conv.Title, stored.Title)
		assert.Equal(t, conv.Files, stored.Files)

		other := conv
		other.Title = "changed"
		other.Owner = chatgate.Owner{UserID: "u2"}
		stored, err = s.EnsureConversation(ctx, other)
		require.NoError(t, err)
		assert.Equal(t, "What is Go?", stored.Title)
		assert.Equal(t, "u1", stored.Owner.UserID)
	})

	t.Run("turns are sequenced", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.EnsureConversation(ctx, conv)
		require.NoError(t, err)

		first, rewound, err := s.SubmitUserTurn(ctx, userTurn("t1", "q1"))
		require.NoError(t, err)
		assert.False(t, rewound)

		answer := assistantTurn("a1", "answer")
		answer.Metadata = chatgate.TurnMetadata{
			CreatedAt: time.Date(2026, 10, 1, 9, 0, 5, 0, time.UTC),
			Sources:   []chatgate.Source{{"pageContent": "Go is a language", "url": "https://go.dev"}},
		}
		second, err := s.AppendTurn(ctx, answer)
		require.NoError(t, err)
		assert.Greater(t, second.Seq, first.Seq)

		turns, err := s.Turns(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, turns, 2)
		assert.Equal(t, "t1", turns[0].ID)
		assert.Equal(t, "a1", turns[1].ID)
		assert.Equal(t, chatgate.RoleAssistant, turns[1].Role)
		require.Len(t, turns[1].Metadata.Sources, 1)
		assert.Equal(t, "https://go.dev", turns[1].Metadata.Sources[0]["url"])
		assert.True(t, answer.Metadata.CreatedAt.Equal(turns[1].Metadata.CreatedAt))
	})

	t.Run("resubmission rewinds history after the edited turn", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.EnsureConversation(ctx, conv)
		require.NoError(t, err)

		_, _, err = s.SubmitUserTurn(ctx, userTurn("t1", "q1"))
		require.NoError(t, err)
		_, err = s.AppendTurn(ctx, assistantTurn("a1", "r1"))
		require.NoError(t, err)
		_, _, err = s.SubmitUserTurn(ctx, userTurn("t2", "q2"))
		require.NoError(t, err)
		_, err = s.AppendTurn(ctx, assistantTurn("a2", "r2"))
		require.NoError(t, err)

		stored, rewound, err := s.SubmitUserTurn(ctx, userTurn("t2", "q2 edited"))
		require.NoError(t, err)
		assert.True(t, rewound)
		assert.Equal(t, "q2", stored.Content, "the edited turn itself is untouched")

		turns, err := s.Turns(ctx, "c1")
		require.NoError(t, err)
		ids := make([]string, len(turns))
		for i, turn := range turns {
			ids[i] = turn.ID
		}
		assert.Equal(t, []string{"t1", "a1", "t2"}, ids)

		// The next answer continues from the edited turn.
		next, err := s.AppendTurn(ctx, assistantTurn("a3", "r3"))
		require.NoError(t, err)
		assert.Greater(t, next.Seq, turns[2].Seq)
	})

	t.Run("turn id from another conversation is rejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.EnsureConversation(ctx, conv)
		require.NoError(t, err)
		_, _, err = s.SubmitUserTurn(ctx, userTurn("t1", "q1"))
		require.NoError(t, err)

		moved := userTurn("t1", "q1")
		moved.ConversationID = "c2"
		_, _, err = s.SubmitUserTurn(ctx, moved)
		assert.ErrorIs(t, err, chatgate.ErrInvalidRequest)
	})

	t.Run("unknown conversation has no turns", func(t *testing.T) {
		s := newStore(t)
		turns, err := s.Turns(context.Background(), "missing")
		require.NoError(t, err)
		assert.Empty(t, turns)
	})
}

// SubscriptionSetter is implemented by stores that can write subscriptions.
type SubscriptionSetter interface {
	chatgate.SubscriptionStore
	SetSubscription(ctx context.Context, sub chatgate.Subscription) error
}

// RunSubscriptions exercises a writable SubscriptionStore.
func RunSubscriptions(t *testing.T, newStore func(t *testing.T) SubscriptionSetter) {
	t.Run("missing subscription", func(t *testing.T) {
		s := newStore(t)
		_, ok, err := s.Subscription(context.Background(), "u1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("upsert replaces", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		end := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)

		require.NoError(t, s.SetSubscription(ctx, chatgate.Subscription{OwnerID: "u1", Plan: chatgate.PlanProMonthly, Status: "active", PeriodEnd: end}))
		require.NoError(t, s.SetSubscription(ctx, chatgate.Subscription{OwnerID: "u1", Plan: chatgate.PlanProYearly, Status: "canceled", PeriodEnd: end}))

		sub, ok, err := s.Subscription(ctx, "u1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, chatgate.PlanProYearly, sub.Plan)
		assert.Equal(t, "canceled", sub.Status)
		assert.True(t, end.Equal(sub.PeriodEnd))
		assert.True(t, sub.PeriodStart.IsZero())
	})
}
