//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/chatgate"
	chatpg "github.com/ineyio/chatgate/store/postgres"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/chatgate_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func newTestStore(t *testing.T, pool *pgxpool.Pool) *chatpg.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := fmt.Sprintf("test_%s_", t.Name())
	s := chatpg.New(pool, chatpg.WithTablePrefix(prefix))

	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %[1]susage, %[1]sconversations, %[1]sturns, %[1]ssubscriptions", prefix))
	})
	return s
}

var october = chatgate.PeriodContaining(time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC))

func TestIncrementAndUsage(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()

	used, err := store.Usage(ctx, "u1", chatgate.BucketGPT4oMini, october)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if used != 0 {
		t.Fatalf("expected 0 for missing record, got %d", used)
	}

	if err := store.Increment(ctx, "u1", chatgate.BucketGPT4oMini, october, 120); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := store.Increment(ctx, "u1", chatgate.BucketGPT4oMini, october, 30); err != nil {
		t.Fatalf("increment: %v", err)
	}

	used, err = store.Usage(ctx, "u1", chatgate.BucketGPT4oMini, october)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if used != 150 {
		t.Fatalf("expected 150, got %d", used)
	}

	november := chatgate.PeriodContaining(october.End.AddDate(0, 0, 1))
	used, _ = store.Usage(ctx, "u1", chatgate.BucketGPT4oMini, november)
	if used != 0 {
		t.Fatalf("expected new period to start at 0, got %d", used)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Increment(ctx, "u1", chatgate.BucketClaudeHaiku, october, 5); err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()

	used, err := store.Usage(ctx, "u1", chatgate.BucketClaudeHaiku, october)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if used != 100 {
		t.Fatalf("expected 100 after concurrent increments, got %d", used)
	}
}

func TestUsages(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()

	_ = store.Increment(ctx, "u1", chatgate.BucketGPT4o, october, 10)
	_ = store.Increment(ctx, "u1", chatgate.BucketDeepSeek, october, 20)
	_ = store.Increment(ctx, "u2", chatgate.BucketGPT4o, october, 99)

	usages, err := store.Usages(ctx, "u1", october)
	if err != nil {
		t.Fatalf("usages: %v", err)
	}
	if len(usages) != 2 || usages[chatgate.BucketGPT4o] != 10 || usages[chatgate.BucketDeepSeek] != 20 {
		t.Fatalf("unexpected usages: %v", usages)
	}
}

func TestSubmitUserTurnRewind(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()

	_, err := store.EnsureConversation(ctx, chatgate.Conversation{
		ID: "c1", Title: "hello", Owner: chatgate.Owner{UserID: "u1"}, FocusMode: "webSearch", CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("ensure conversation: %v", err)
	}

	for _, turn := range []chatgate.Turn{
		{ID: "t1", ConversationID: "c1", Role: chatgate.RoleUser, Content: "q1"},
		{ID: "a1", ConversationID: "c1", Role: chatgate.RoleAssistant, Content: "a1"},
		{ID: "t2", ConversationID: "c1", Role: chatgate.RoleUser, Content: "q2"},
		{ID: "a2", ConversationID: "c1", Role: chatgate.RoleAssistant, Content: "a2"},
	} {
		if _, err := store.AppendTurn(ctx, turn); err != nil {
			t.Fatalf("append %s: %v", turn.ID, err)
		}
	}

	stored, rewound, err := store.SubmitUserTurn(ctx, chatgate.Turn{ID: "t1", ConversationID: "c1", Role: chatgate.RoleUser, Content: "edited"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !rewound {
		t.Fatal("expected rewind")
	}
	if stored.Content != "q1" {
		t.Fatalf("edited turn should be untouched, got %q", stored.Content)
	}

	turns, err := store.Turns(ctx, "c1")
	if err != nil {
		t.Fatalf("turns: %v", err)
	}
	if len(turns) != 1 || turns[0].ID != "t1" {
		t.Fatalf("expected only t1 after rewind, got %+v", turns)
	}
}

func TestSubmitUserTurnConcurrentRetries(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()

	_, err := store.EnsureConversation(ctx, chatgate.Conversation{
		ID: "c1", Title: "hello", Owner: chatgate.Owner{UserID: "u1"}, FocusMode: "webSearch", CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("ensure conversation: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	rewound := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, rewound[i], errs[i] = store.SubmitUserTurn(ctx, chatgate.Turn{ID: "t1", ConversationID: "c1", Role: chatgate.RoleUser, Content: "q1"})
		}(i)
	}
	wg.Wait()

	appended := 0
	for i, err := range errs {
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if !rewound[i] {
			appended++
		}
	}
	if appended != 1 {
		t.Fatalf("expected exactly one append, got %d", appended)
	}

	turns, err := store.Turns(ctx, "c1")
	if err != nil {
		t.Fatalf("turns: %v", err)
	}
	if len(turns) != 1 || turns[0].ID != "t1" || turns[0].Content != "q1" {
		t.Fatalf("expected a single t1, got %+v", turns)
	}

	_, _, err = store.SubmitUserTurn(ctx, chatgate.Turn{ID: "t1", ConversationID: "c2", Role: chatgate.RoleUser, Content: "q1"})
	if !errors.Is(err, chatgate.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for a foreign conversation, got %v", err)
	}
}

func TestEnsureConversationKeepsExisting(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()

	first := chatgate.Conversation{ID: "c1", Title: "first", Owner: chatgate.Owner{UserID: "u1"}, FocusMode: "webSearch", CreatedAt: time.Now()}
	if _, err := store.EnsureConversation(ctx, first); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	got, err := store.EnsureConversation(ctx, chatgate.Conversation{ID: "c1", Title: "second", Owner: chatgate.Owner{UserID: "u2"}, FocusMode: "webSearch", CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got.Title != "first" || got.Owner.UserID != "u1" {
		t.Fatalf("expected existing conversation, got %+v", got)
	}
}

func TestSubscriptionUpsert(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()

	if _, ok, err := store.Subscription(ctx, "u1"); err != nil || ok {
		t.Fatalf("expected no subscription, got ok=%v err=%v", ok, err)
	}

	sub := chatgate.Subscription{OwnerID: "u1", Plan: chatgate.PlanProMonthly, Status: "active", PeriodEnd: time.Now().Add(24 * time.Hour)}
	if err := store.SetSubscription(ctx, sub); err != nil {
		t.Fatalf("set subscription: %v", err)
	}

	got, ok, err := store.Subscription(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("subscription: ok=%v err=%v", ok, err)
	}
	if got.ActivePlan(time.Now()) != chatgate.PlanProMonthly {
		t.Fatalf("expected pro_monthly, got %s", got.ActivePlan(time.Now()))
	}
}
