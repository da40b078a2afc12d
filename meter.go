package chatgate

import "time"

// Meter observes admission and completion events for monitoring/logging.
type Meter interface {
	// OnAdmission is called once per request after the admission decision.
	OnAdmission(event AdmissionEvent)

	// OnCompletion is called once per stream when it terminates.
	OnCompletion(event CompletionEvent)
}

// AdmissionEvent describes an admission decision.
type AdmissionEvent struct {
	OwnerID       string
	Model         string
	Bucket        Bucket
	Plan          Plan
	Allowed       bool
	CurrentUsage  int64
	Limit         int64
	Remaining     int64
	EstimatedCost int64
	// LookupErr is set when a metering lookup failed and the failure policy
	// decided the outcome.
	LookupErr error
}

// CompletionEvent describes the outcome of a streamed answer.
type CompletionEvent struct {
	OwnerID        string
	ConversationID string
	MessageID      string
	Model          string
	Bucket         Bucket
	Success        bool
	Duration       time.Duration
	Fragments      int
	BilledTokens   int64
	Disconnected   bool
	Error          error
}
