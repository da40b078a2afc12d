// Package postgres provides PostgreSQL-backed chatgate stores.
//
// Usage counters are upserted with ON CONFLICT so concurrent increments from
// many instances add up. Turns are sequenced by a BIGSERIAL column and edits
// rewind inside a transaction.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/chatgate"
)

// Store is a PostgreSQL-backed UsageLedger, ConversationStore and
// SubscriptionStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ chatgate.UsageLedger       = (*Store)(nil)
	_ chatgate.ConversationStore = (*Store)(nil)
	_ chatgate.SubscriptionStore = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "chatgate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "chatgate_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens a pool for dsn and returns a store using it.
func Connect(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("chatgate/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("chatgate/postgres: ping: %w", err)
	}
	return New(pool, opts...), nil
}

// Close closes the underlying pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) usageTable() string         { return s.tablePrefix + "usage" }
func (s *Store) conversationsTable() string { return s.tablePrefix + "conversations" }
func (s *Store) turnsTable() string         { return s.tablePrefix + "turns" }
func (s *Store) subscriptionsTable() string { return s.tablePrefix + "subscriptions" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			owner_id TEXT NOT NULL,
			bucket TEXT NOT NULL,
			period_start DATE NOT NULL,
			period_end DATE NOT NULL,
			tokens BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (owner_id, bucket, period_start)
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			guest_id TEXT NOT NULL DEFAULT '',
			focus_mode TEXT NOT NULL,
			files JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[3]s (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS %[3]s_conversation_idx ON %[3]s (conversation_id, seq);
		CREATE TABLE IF NOT EXISTS %[4]s (
			owner_id TEXT PRIMARY KEY,
			plan TEXT NOT NULL,
			status TEXT NOT NULL,
			period_start TIMESTAMPTZ,
			period_end TIMESTAMPTZ
		);
	`, s.usageTable(), s.conversationsTable(), s.turnsTable(), s.subscriptionsTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("chatgate/postgres: ensure schema: %w", err)
	}
	return nil
}

// Usage returns the tokens used in the period.
func (s *Store) Usage(ctx context.Context, ownerID string, bucket chatgate.Bucket, period chatgate.Period) (int64, error) {
	var tokens int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT tokens FROM %s WHERE owner_id = $1 AND bucket = $2 AND period_start = $3`, s.usageTable()),
		ownerID, string(bucket), period.Start,
	).Scan(&tokens)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("chatgate/postgres: usage: %w", err)
	}
	return tokens, nil
}

// Increment adds delta to the period's counter in a single upsert.
func (s *Store) Increment(ctx context.Context, ownerID string, bucket chatgate.Bucket, period chatgate.Period, delta int64) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (owner_id, bucket, period_start, period_end, tokens)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (owner_id, bucket, period_start)
			DO UPDATE SET tokens = %[1]s.tokens + EXCLUDED.tokens`, s.usageTable()),
		ownerID, string(bucket), period.Start, period.End, delta,
	)
	if err != nil {
		return fmt.Errorf("chatgate/postgres: increment: %w", err)
	}
	return nil
}

// Usages returns every counter the owner has in the period.
func (s *Store) Usages(ctx context.Context, ownerID string, period chatgate.Period) (map[chatgate.Bucket]int64, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT bucket, tokens FROM %s WHERE owner_id = $1 AND period_start = $2`, s.usageTable()),
		ownerID, period.Start,
	)
	if err != nil {
		return nil, fmt.Errorf("chatgate/postgres: usages: %w", err)
	}
	defer rows.Close()

	out := make(map[chatgate.Bucket]int64)
	for rows.Next() {
		var bucket string
		var tokens int64
		if err := rows.Scan(&bucket, &tokens); err != nil {
			return nil, fmt.Errorf("chatgate/postgres: scan usage: %w", err)
		}
		out[chatgate.Bucket(bucket)] = tokens
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatgate/postgres: usages: %w", err)
	}
	return out, nil
}

// EnsureConversation inserts conv unless it exists and returns the stored row.
func (s *Store) EnsureConversation(ctx context.Context, conv chatgate.Conversation) (chatgate.Conversation, error) {
	files, err := json.Marshal(nonNilFiles(conv.Files))
	if err != nil {
		return chatgate.Conversation{}, fmt.Errorf("chatgate/postgres: encode files: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, title, user_id, guest_id, focus_mode, files, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`, s.conversationsTable()),
		conv.ID, conv.Title, conv.Owner.UserID, conv.Owner.GuestID, conv.FocusMode, files, conv.CreatedAt.UTC(),
	)
	if err != nil {
		return chatgate.Conversation{}, fmt.Errorf("chatgate/postgres: insert conversation: %w", err)
	}

	var stored chatgate.Conversation
	var rawFiles []byte
	err = s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT id, title, user_id, guest_id, focus_mode, files, created_at FROM %s WHERE id = $1`, s.conversationsTable()),
		conv.ID,
	).Scan(&stored.ID, &stored.Title, &stored.Owner.UserID, &stored.Owner.GuestID, &stored.FocusMode, &rawFiles, &stored.CreatedAt)
	if err != nil {
		return chatgate.Conversation{}, fmt.Errorf("chatgate/postgres: load conversation: %w", err)
	}
	if err := json.Unmarshal(rawFiles, &stored.Files); err != nil {
		return chatgate.Conversation{}, fmt.Errorf("chatgate/postgres: decode files: %w", err)
	}
	return stored, nil
}

// SubmitUserTurn appends turn, or deletes every later turn if it already exists.
// Concurrent submits of the same new id resolve to one append; the others
// see the stored turn.
func (s *Store) SubmitUserTurn(ctx context.Context, turn chatgate.Turn) (chatgate.Turn, bool, error) {
	meta, err := json.Marshal(turn.Metadata)
	if err != nil {
		return chatgate.Turn{}, false, fmt.Errorf("chatgate/postgres: encode metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return chatgate.Turn{}, false, fmt.Errorf("chatgate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, conversation_id, role, content, metadata)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
			RETURNING seq`, s.turnsTable()),
		turn.ID, turn.ConversationID, string(turn.Role), turn.Content, meta,
	).Scan(&turn.Seq)
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return chatgate.Turn{}, false, fmt.Errorf("chatgate/postgres: commit: %w", err)
		}
		return turn, false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return chatgate.Turn{}, false, fmt.Errorf("chatgate/postgres: insert turn: %w", err)
	}

	existing, err := scanTurn(tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT seq, id, conversation_id, role, content, metadata FROM %s WHERE id = $1 FOR UPDATE`, s.turnsTable()),
		turn.ID,
	))
	if err != nil {
		return chatgate.Turn{}, false, fmt.Errorf("chatgate/postgres: lookup turn: %w", err)
	}

	if existing.ConversationID != turn.ConversationID {
		return chatgate.Turn{}, false, fmt.Errorf("%w: turn %q belongs to another conversation", chatgate.ErrInvalidRequest, turn.ID)
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE conversation_id = $1 AND seq > $2`, s.turnsTable()),
		existing.ConversationID, existing.Seq,
	)
	if err != nil {
		return chatgate.Turn{}, false, fmt.Errorf("chatgate/postgres: rewind: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return chatgate.Turn{}, false, fmt.Errorf("chatgate/postgres: commit: %w", err)
	}
	return existing, true, nil
}

// AppendTurn appends turn at the next sequence position.
func (s *Store) AppendTurn(ctx context.Context, turn chatgate.Turn) (chatgate.Turn, error) {
	return s.insertTurn(ctx, s.pool, turn)
}

// Turns returns the conversation's turns in sequence order.
func (s *Store) Turns(ctx context.Context, conversationID string) ([]chatgate.Turn, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT seq, id, conversation_id, role, content, metadata FROM %s WHERE conversation_id = $1 ORDER BY seq`, s.turnsTable()),
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatgate/postgres: turns: %w", err)
	}
	defer rows.Close()

	var out []chatgate.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("chatgate/postgres: scan turn: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatgate/postgres: turns: %w", err)
	}
	return out, nil
}

// Subscription returns the owner's subscription.
func (s *Store) Subscription(ctx context.Context, ownerID string) (chatgate.Subscription, bool, error) {
	sub := chatgate.Subscription{OwnerID: ownerID}
	var plan string
	var start, end *time.Time
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT plan, status, period_start, period_end FROM %s WHERE owner_id = $1`, s.subscriptionsTable()),
		ownerID,
	).Scan(&plan, &sub.Status, &start, &end)
	if errors.Is(err, pgx.ErrNoRows) {
		return chatgate.Subscription{}, false, nil
	}
	if err != nil {
		return chatgate.Subscription{}, false, fmt.Errorf("chatgate/postgres: subscription: %w", err)
	}
	sub.Plan = chatgate.Plan(plan)
	if start != nil {
		sub.PeriodStart = *start
	}
	if end != nil {
		sub.PeriodEnd = *end
	}
	return sub, true, nil
}

// SetSubscription upserts the owner's subscription.
func (s *Store) SetSubscription(ctx context.Context, sub chatgate.Subscription) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (owner_id, plan, status, period_start, period_end)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (owner_id) DO UPDATE SET plan = $2, status = $3, period_start = $4, period_end = $5`,
			s.subscriptionsTable()),
		sub.OwnerID, string(sub.Plan), sub.Status, nullTime(sub.PeriodStart), nullTime(sub.PeriodEnd),
	)
	if err != nil {
		return fmt.Errorf("chatgate/postgres: set subscription: %w", err)
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) insertTurn(ctx context.Context, q querier, turn chatgate.Turn) (chatgate.Turn, error) {
	meta, err := json.Marshal(turn.Metadata)
	if err != nil {
		return chatgate.Turn{}, fmt.Errorf("chatgate/postgres: encode metadata: %w", err)
	}
	err = q.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, conversation_id, role, content, metadata)
			VALUES ($1, $2, $3, $4, $5) RETURNING seq`, s.turnsTable()),
		turn.ID, turn.ConversationID, string(turn.Role), turn.Content, meta,
	).Scan(&turn.Seq)
	if err != nil {
		return chatgate.Turn{}, fmt.Errorf("chatgate/postgres: insert turn: %w", err)
	}
	return turn, nil
}

func scanTurn(row pgx.Row) (chatgate.Turn, error) {
	var t chatgate.Turn
	var role string
	var meta []byte
	if err := row.Scan(&t.Seq, &t.ID, &t.ConversationID, &role, &t.Content, &meta); err != nil {
		return chatgate.Turn{}, err
	}
	t.Role = chatgate.Role(role)
	if err := json.Unmarshal(meta, &t.Metadata); err != nil {
		return chatgate.Turn{}, fmt.Errorf("decode metadata: %w", err)
	}
	return t, nil
}

func nonNilFiles(files []chatgate.File) []chatgate.File {
	if files == nil {
		return []chatgate.File{}
	}
	return files
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
