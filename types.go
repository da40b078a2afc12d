package chatgate

import "time"

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Owner identifies who a conversation belongs to. Exactly one of UserID and
// GuestID is set.
type Owner struct {
	UserID  string `json:"userId,omitempty"`
	GuestID string `json:"guestId,omitempty"`
}

// IsGuest reports whether the owner is an anonymous guest.
func (o Owner) IsGuest() bool { return o.UserID == "" }

// ID returns the identifier used as the owner key in storage.
func (o Owner) ID() string {
	if o.UserID != "" {
		return o.UserID
	}
	return o.GuestID
}

// File describes a file attached to a conversation.
type File struct {
	Name   string `json:"name"`
	FileID string `json:"fileId"`
}

// Source is a single citation returned by the answer pipeline. Its fields
// are whatever the pipeline sent (commonly pageContent and metadata, or a
// flat url/title) and are relayed and stored unchanged.
type Source map[string]any

// Conversation is a chat thread.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Owner     Owner     `json:"owner"`
	FocusMode string    `json:"focusMode"`
	Files     []File    `json:"files"`
	CreatedAt time.Time `json:"createdAt"`
}

// TurnMetadata is the structured metadata stored alongside a turn.
type TurnMetadata struct {
	CreatedAt time.Time `json:"createdAt"`
	Sources   []Source  `json:"sources,omitempty"`
}

// Turn is a single message in a conversation. Seq is assigned by the store.
type Turn struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Role           Role         `json:"role"`
	Content        string       `json:"content"`
	Metadata       TurnMetadata `json:"metadata"`
	Seq            int64        `json:"seq"`
}

// HistoryEntry is one prior exchange supplied by the client.
type HistoryEntry struct {
	Role Role
	Text string
}

// ModelRef names the chat model requested by the client.
type ModelRef struct {
	Provider string `json:"provider" yaml:"provider"`
	Name     string `json:"name" yaml:"name"`
}

// ChatRequest is an inbound chat submission.
type ChatRequest struct {
	Turn           TurnInput
	Model          ModelRef
	EmbeddingModel ModelRef
	History        []HistoryEntry
	FocusMode      string
	Files          []File
	Instructions   string
	Owner          Owner
}

// TurnInput is the user turn carried by a ChatRequest.
type TurnInput struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// Plan is a subscription tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanProMonthly Plan = "pro_monthly"
	PlanProYearly  Plan = "pro_yearly"
)

// Subscription is an owner's billing plan.
type Subscription struct {
	OwnerID     string    `json:"ownerId"`
	Plan        Plan      `json:"plan"`
	Status      string    `json:"status"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
}

// ActivePlan returns the plan that applies at now. Inactive or expired
// subscriptions fall back to the free plan.
func (s Subscription) ActivePlan(now time.Time) Plan {
	if s.Status != "active" && s.Status != "trialing" {
		return PlanFree
	}
	if !s.PeriodStart.IsZero() && now.Before(s.PeriodStart) {
		return PlanFree
	}
	if !s.PeriodEnd.IsZero() && now.After(s.PeriodEnd) {
		return PlanFree
	}
	if s.Plan == "" {
		return PlanFree
	}
	return s.Plan
}

// UsageRecord is the token counter for one owner, bucket and period.
type UsageRecord struct {
	OwnerID string `json:"ownerId"`
	Bucket  Bucket `json:"bucket"`
	Tokens  int64  `json:"tokens"`
	Period  Period `json:"period"`
}
