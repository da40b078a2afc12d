// Package sqlite provides a SQLite-backed chatgate store for single-instance
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/ineyio/chatgate"
)

//go:embed schema.sql
var schemaSQL string

const dateLayout = "2006-01-02"

// Store is a SQLite-backed UsageLedger, ConversationStore and
// SubscriptionStore.
type Store struct {
	db *sql.DB
}

var (
	_ chatgate.UsageLedger       = (*Store)(nil)
	_ chatgate.ConversationStore = (*Store)(nil)
	_ chatgate.SubscriptionStore = (*Store)(nil)
)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite: path cannot be empty")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init schema")
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Usage returns the tokens used in the period.
func (s *Store) Usage(ctx context.Context, ownerID string, bucket chatgate.Bucket, period chatgate.Period) (int64, error) {
	var tokens int64
	err := s.db.QueryRowContext(ctx,
		`SELECT tokens FROM usage WHERE owner_id = ? AND bucket = ? AND period_start = ?`,
		ownerID, string(bucket), period.Start.Format(dateLayout),
	).Scan(&tokens)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "query usage")
	}
	return tokens, nil
}

// Increment adds delta to the period's counter in a single upsert.
func (s *Store) Increment(ctx context.Context, ownerID string, bucket chatgate.Bucket, period chatgate.Period, delta int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage (owner_id, bucket, period_start, period_end, tokens)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, bucket, period_start) DO UPDATE SET tokens = tokens + excluded.tokens`,
		ownerID, string(bucket), period.Start.Format(dateLayout), period.End.Format(dateLayout), delta,
	)
	return errors.Wrap(err, "increment usage")
}

// Usages returns every counter the owner has in the period.
func (s *Store) Usages(ctx context.Context, ownerID string, period chatgate.Period) (map[chatgate.Bucket]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bucket, tokens FROM usage WHERE owner_id = ? AND period_start = ?`,
		ownerID, period.Start.Format(dateLayout),
	)
	if err != nil {
		return nil, errors.Wrap(err, "query usages")
	}
	defer rows.Close()

	out := make(map[chatgate.Bucket]int64)
	for rows.Next() {
		var bucket string
		var tokens int64
		if err := rows.Scan(&bucket, &tokens); err != nil {
			return nil, errors.Wrap(err, "scan usage")
		}
		out[chatgate.Bucket(bucket)] = tokens
	}
	return out, errors.Wrap(rows.Err(), "iterate usages")
}

// EnsureConversation inserts conv unless it exists and returns the stored row.
func (s *Store) EnsureConversation(ctx context.Context, conv chatgate.Conversation) (chatgate.Conversation, error) {
	files := conv.Files
	if files == nil {
		files = []chatgate.File{}
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return chatgate.Conversation{}, errors.Wrap(err, "encode files")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, user_id, guest_id, focus_mode, files, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		conv.ID, conv.Title, conv.Owner.UserID, conv.Owner.GuestID, conv.FocusMode, string(filesJSON),
		conv.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return chatgate.Conversation{}, errors.Wrap(err, "insert conversation")
	}

	var stored chatgate.Conversation
	var rawFiles, createdAt string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, title, user_id, guest_id, focus_mode, files, created_at FROM conversations WHERE id = ?`,
		conv.ID,
	).Scan(&stored.ID, &stored.Title, &stored.Owner.UserID, &stored.Owner.GuestID, &stored.FocusMode, &rawFiles, &createdAt)
	if err != nil {
		return chatgate.Conversation{}, errors.Wrap(err, "load conversation")
	}
	if err := json.Unmarshal([]byte(rawFiles), &stored.Files); err != nil {
		return chatgate.Conversation{}, errors.Wrap(err, "decode files")
	}
	if stored.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return chatgate.Conversation{}, errors.Wrap(err, "parse created_at")
	}
	return stored, nil
}

// SubmitUserTurn appends turn, or deletes every later turn if it already exists.
func (s *Store) SubmitUserTurn(ctx context.Context, turn chatgate.Turn) (chatgate.Turn, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chatgate.Turn{}, false, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	existing, err := scanTurn(tx.QueryRowContext(ctx,
		`SELECT seq, id, conversation_id, role, content, metadata FROM turns WHERE id = ?`, turn.ID))
	if errors.Is(err, sql.ErrNoRows) {
		stored, err := insertTurn(ctx, tx, turn)
		if err != nil {
			return chatgate.Turn{}, false, err
		}
		return stored, false, errors.Wrap(tx.Commit(), "commit")
	}
	if err != nil {
		return chatgate.Turn{}, false, errors.Wrap(err, "lookup turn")
	}

	if existing.ConversationID != turn.ConversationID {
		return chatgate.Turn{}, false, fmt.Errorf("%w: turn %q belongs to another conversation", chatgate.ErrInvalidRequest, turn.ID)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM turns WHERE conversation_id = ? AND seq > ?`,
		existing.ConversationID, existing.Seq,
	); err != nil {
		return chatgate.Turn{}, false, errors.Wrap(err, "rewind")
	}
	return existing, true, errors.Wrap(tx.Commit(), "commit")
}

// AppendTurn appends turn at the next sequence position.
func (s *Store) AppendTurn(ctx context.Context, turn chatgate.Turn) (chatgate.Turn, error) {
	return insertTurn(ctx, s.db, turn)
}

// Turns returns the conversation's turns in sequence order.
func (s *Store) Turns(ctx context.Context, conversationID string) ([]chatgate.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, conversation_id, role, content, metadata FROM turns WHERE conversation_id = ? ORDER BY seq`,
		conversationID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query turns")
	}
	defer rows.Close()

	var out []chatgate.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan turn")
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "iterate turns")
}

// Subscription returns the owner's subscription.
func (s *Store) Subscription(ctx context.Context, ownerID string) (chatgate.Subscription, bool, error) {
	var plan, status, start, end string
	err := s.db.QueryRowContext(ctx,
		`SELECT plan, status, period_start, period_end FROM subscriptions WHERE owner_id = ?`, ownerID,
	).Scan(&plan, &status, &start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return chatgate.Subscription{}, false, nil
	}
	if err != nil {
		return chatgate.Subscription{}, false, errors.Wrap(err, "query subscription")
	}

	sub := chatgate.Subscription{OwnerID: ownerID, Plan: chatgate.Plan(plan), Status: status}
	if sub.PeriodStart, err = parseTime(start); err != nil {
		return chatgate.Subscription{}, false, errors.Wrap(err, "parse period_start")
	}
	if sub.PeriodEnd, err = parseTime(end); err != nil {
		return chatgate.Subscription{}, false, errors.Wrap(err, "parse period_end")
	}
	return sub, true, nil
}

// SetSubscription upserts the owner's subscription.
func (s *Store) SetSubscription(ctx context.Context, sub chatgate.Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (owner_id, plan, status, period_start, period_end)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (owner_id) DO UPDATE SET
			plan = excluded.plan,
			status = excluded.status,
			period_start = excluded.period_start,
			period_end = excluded.period_end`,
		sub.OwnerID, string(sub.Plan), sub.Status, formatTime(sub.PeriodStart), formatTime(sub.PeriodEnd),
	)
	return errors.Wrap(err, "upsert subscription")
}

type execQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertTurn(ctx context.Context, q execQuerier, turn chatgate.Turn) (chatgate.Turn, error) {
	meta, err := json.Marshal(turn.Metadata)
	if err != nil {
		return chatgate.Turn{}, errors.Wrap(err, "encode metadata")
	}
	err = q.QueryRowContext(ctx, `
		INSERT INTO turns (id, conversation_id, role, content, metadata)
		VALUES (?, ?, ?, ?, ?) RETURNING seq`,
		turn.ID, turn.ConversationID, string(turn.Role), turn.Content, string(meta),
	).Scan(&turn.Seq)
	if err != nil {
		return chatgate.Turn{}, errors.Wrapf(err, "insert turn %s", turn.ID)
	}
	return turn, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTurn(row scanner) (chatgate.Turn, error) {
	var t chatgate.Turn
	var role, meta string
	if err := row.Scan(&t.Seq, &t.ID, &t.ConversationID, &role, &t.Content, &meta); err != nil {
		return chatgate.Turn{}, err
	}
	t.Role = chatgate.Role(role)
	if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
		return chatgate.Turn{}, errors.Wrap(err, "decode metadata")
	}
	return t, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
