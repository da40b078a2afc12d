package chatgate

import "context"

// UsageLedger stores per-owner, per-bucket, per-period token counters.
type UsageLedger interface {
	// Usage returns the tokens used in the period. Missing records count as zero.
	Usage(ctx context.Context, ownerID string, bucket Bucket, period Period) (int64, error)

	// Increment adds delta to the period's counter, creating it if absent.
	// Implementations must add server-side so concurrent increments never
	// lose updates.
	Increment(ctx context.Context, ownerID string, bucket Bucket, period Period, delta int64) error

	// Usages returns every non-empty counter the owner has in the period.
	Usages(ctx context.Context, ownerID string, period Period) (map[Bucket]int64, error)
}

// SubscriptionStore resolves an owner's billing plan.
type SubscriptionStore interface {
	// Subscription returns the owner's subscription. ok is false when the
	// owner has none.
	Subscription(ctx context.Context, ownerID string) (sub Subscription, ok bool, err error)
}

// ConversationStore persists conversations and their turns.
type ConversationStore interface {
	// EnsureConversation creates the conversation if it does not exist and
	// returns the stored record.
	EnsureConversation(ctx context.Context, conv Conversation) (Conversation, error)

	// SubmitUserTurn appends the turn at the next sequence position. If a turn
	// with the same ID already exists in the conversation, every turn with a
	// greater sequence position is deleted and the existing turn is kept.
	SubmitUserTurn(ctx context.Context, turn Turn) (stored Turn, rewound bool, err error)

	// AppendTurn appends a turn at the next sequence position.
	AppendTurn(ctx context.Context, turn Turn) (Turn, error)

	// Turns returns the conversation's turns ordered by sequence position.
	Turns(ctx context.Context, conversationID string) ([]Turn, error)
}
