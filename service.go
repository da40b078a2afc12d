package chatgate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxTitleLength bounds the title derived from a conversation's first turn.
const maxTitleLength = 100

// Service admits chat requests, runs the pipeline and streams its answer
// while persisting and metering the result.
type Service struct {
	pipeline      Pipeline
	store         ConversationStore
	ledger        UsageLedger
	subscriptions SubscriptionStore
	limits        Limits
	policy        FailurePolicy
	health        *HealthTracker
	meter         Meter
	logger        zerolog.Logger

	admission  *AdmissionController
	completion *CompletionHandler

	focusModes        map[string]bool
	defaultModel      ModelRef
	aliases           map[string]ModelRef
	responseAllowance int64
	pipelineTimeout   time.Duration

	now   func() time.Time
	newID func() string

	// inflight counts streams whose completion has not finished yet.
	inflight sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithConversationStore sets the conversation store.
func WithConversationStore(cs ConversationStore) Option {
	return func(s *Service) { s.store = cs }
}

// WithUsageLedger sets the usage ledger.
func WithUsageLedger(l UsageLedger) Option {
	return func(s *Service) { s.ledger = l }
}

// WithSubscriptions sets the subscription store.
func WithSubscriptions(ss SubscriptionStore) Option {
	return func(s *Service) { s.subscriptions = ss }
}

// WithLimits overrides the limits resolved from the config.
func WithLimits(l Limits) Option {
	return func(s *Service) { s.limits = l }
}

// WithFailurePolicy sets the policy applied when metering lookups fail.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithHealthTracker sets the metering backend health tracker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(s *Service) { s.health = h }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(s *Service) { s.meter = m }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock sets the time source used for billing periods and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator sets the generator for assistant turn ids.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// NewService creates a Service for the given config and pipeline.
// A conversation store and a usage ledger are required; limits come from the
// config unless WithLimits is used, and the failure policy defaults to
// fail-open.
func NewService(cfg Config, pipeline Pipeline, opts ...Option) (*Service, error) {
	if pipeline == nil {
		return nil, fmt.Errorf("chatgate: a pipeline is required")
	}

	s := &Service{
		pipeline:          pipeline,
		logger:            zerolog.Nop(),
		focusModes:        make(map[string]bool),
		defaultModel:      cfg.DefaultModel,
		aliases:           make(map[string]ModelRef, len(cfg.Models)),
		responseAllowance: cfg.ResponseAllowance,
		pipelineTimeout:   cfg.Pipeline.Timeout,
		now:               time.Now,
		newID:             uuid.NewString,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.store == nil {
		return nil, fmt.Errorf("chatgate: a conversation store is required")
	}
	if s.ledger == nil {
		return nil, fmt.Errorf("chatgate: a usage ledger is required")
	}

	// Apply defaults after options.
	if s.limits == nil {
		s.limits = cfg.ResolvedLimits()
	}
	if s.policy == nil {
		s.policy = defaultFailOpenPolicy{}
	}
	if s.health == nil {
		s.health = NewHealthTracker()
	}
	if s.meter == nil {
		s.meter = &noopMeter{}
	}
	if s.pipelineTimeout <= 0 {
		s.pipelineTimeout = DefaultPipelineTimeout
	}

	modes := cfg.FocusModes
	if len(modes) == 0 {
		modes = DefaultFocusModes
	}
	for _, m := range modes {
		s.focusModes[m] = true
	}
	for _, m := range cfg.Models {
		s.aliases[m.Alias] = m.Model
	}

	s.admission = NewAdmissionController(s.ledger, s.subscriptions, s.limits, s.policy, s.health)
	s.admission.now = s.now
	s.completion = NewCompletionHandler(s.store, s.ledger, s.meter, s.logger)
	s.completion.now = s.now

	return s, nil
}

// Admission returns the service's admission controller.
func (s *Service) Admission() *AdmissionController { return s.admission }

// Prepare validates and admits req, records the user turn and starts the
// pipeline. Validation and admission errors are returned before anything is
// streamed; a returned *AdmissionError carries the quota details.
func (s *Service) Prepare(ctx context.Context, req ChatRequest) (*ChatStream, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	model := s.resolveModel(req.Model)

	if !req.Owner.IsGuest() {
		if err := s.admit(ctx, req.Owner.UserID, model.Name, req.Turn.Content); err != nil {
			return nil, err
		}
	}

	now := s.now()
	conv, err := s.store.EnsureConversation(ctx, Conversation{
		ID:        req.Turn.ConversationID,
		Title:     deriveTitle(req.Turn.Content),
		Owner:     req.Owner,
		FocusMode: req.FocusMode,
		Files:     req.Files,
		CreatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: ensure conversation: %w", ErrPersistence, err)
	}
	if conv.Owner.ID() != req.Owner.ID() {
		return nil, ErrConversationOwner
	}

	_, rewound, err := s.store.SubmitUserTurn(ctx, Turn{
		ID:             req.Turn.ID,
		ConversationID: req.Turn.ConversationID,
		Role:           RoleUser,
		Content:        req.Turn.Content,
		Metadata:       TurnMetadata{CreatedAt: now},
	})
	if errors.Is(err, ErrInvalidRequest) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: submit turn: %w", ErrPersistence, err)
	}
	if rewound {
		s.logger.Debug().
			Str("conversation", req.Turn.ConversationID).
			Str("turn", req.Turn.ID).
			Msg("turn resubmitted, history rewound")
	}

	// The pipeline outlives the client connection so an abandoned stream is
	// still persisted and billed.
	producerCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.pipelineTimeout)
	producer, err := s.pipeline.Run(producerCtx, PipelineRequest{
		Query:          req.Turn.Content,
		History:        req.History,
		Model:          model,
		EmbeddingModel: req.EmbeddingModel,
		FocusMode:      req.FocusMode,
		Files:          req.Files,
		Instructions:   req.Instructions,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrPipelineFailed, err)
	}

	return &ChatStream{
		service:     s,
		producer:    producer,
		producerCtx: producerCtx,
		cancel:      cancel,
		owner:       req.Owner,
		convID:      req.Turn.ConversationID,
		query:       req.Turn.Content,
		model:       model.Name,
		messageID:   s.newID(),
	}, nil
}

// Drain waits until every started stream has been persisted and billed,
// including streams whose client already went away. It returns ctx.Err() if
// ctx is done first.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Usage returns the owner's counters and limits for the current period.
func (s *Service) Usage(ctx context.Context, ownerID string) (UsageReport, error) {
	return s.admission.Report(ctx, ownerID)
}

// RecordUsage adds tokens to the owner's counter for model's bucket.
func (s *Service) RecordUsage(ctx context.Context, ownerID, model string, tokens int64) (Bucket, error) {
	if ownerID == "" {
		return "", invalidf("owner id is required")
	}
	if model == "" {
		return "", invalidf("model is required")
	}
	if tokens < 0 {
		return "", invalidf("tokensUsed must be non-negative")
	}
	bucket := Canonicalize(model)
	if err := s.ledger.Increment(ctx, ownerID, bucket, PeriodContaining(s.now()), tokens); err != nil {
		return bucket, fmt.Errorf("%w: %w", ErrLedger, err)
	}
	return bucket, nil
}

// Turns returns a conversation's turns in order.
func (s *Service) Turns(ctx context.Context, conversationID string) ([]Turn, error) {
	turns, err := s.store.Turns(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return turns, nil
}

func (s *Service) admit(ctx context.Context, ownerID, model, query string) error {
	estimate := EstimateAdmissionCost(query, s.responseAllowance)
	res, lookupErr := s.admission.CheckAdmission(ctx, ownerID, model, estimate)

	s.meter.OnAdmission(AdmissionEvent{
		OwnerID:       ownerID,
		Model:         model,
		Bucket:        res.Bucket,
		Plan:          res.Plan,
		Allowed:       res.Allowed,
		CurrentUsage:  res.CurrentUsage,
		Limit:         res.Limit,
		Remaining:     res.Remaining,
		EstimatedCost: estimate,
		LookupErr:     lookupErr,
	})

	if lookupErr != nil {
		s.logger.Warn().
			Err(lookupErr).
			Str("owner", ownerID).
			Str("bucket", string(res.Bucket)).
			Bool("admitted", res.Allowed).
			Msg("quota lookup failed, applied failure policy")
	}
	if !res.Allowed && res.Degraded {
		return fmt.Errorf("%w: %w", ErrMeteringUnavailable, lookupErr)
	}
	if !res.Allowed {
		return &AdmissionError{Result: res, Model: model}
	}
	return nil
}

func (s *Service) validate(req ChatRequest) error {
	if strings.TrimSpace(req.Turn.ID) == "" {
		return invalidf("turn id is required")
	}
	if strings.TrimSpace(req.Turn.ConversationID) == "" {
		return invalidf("conversation id is required")
	}
	if strings.TrimSpace(req.Turn.Content) == "" {
		return invalidf("turn content is required")
	}
	if req.Owner.UserID != "" && req.Owner.GuestID != "" {
		return invalidf("owner and guest id are mutually exclusive")
	}
	if req.Owner.ID() == "" {
		return invalidf("owner is required")
	}
	if !s.focusModes[req.FocusMode] {
		return fmt.Errorf("%w: %q", ErrUnknownFocusMode, req.FocusMode)
	}
	for i, h := range req.History {
		if h.Role != RoleUser && h.Role != RoleAssistant {
			return invalidf("history[%d]: invalid role %q", i, h.Role)
		}
	}
	if req.Model.Name == "" && s.defaultModel.Name == "" {
		return invalidf("model is required")
	}
	return nil
}

// resolveModel resolves a model through aliases and the configured default.
func (s *Service) resolveModel(ref ModelRef) ModelRef {
	if ref.Name == "" {
		ref = s.defaultModel
	}
	if target, ok := s.aliases[ref.Name]; ok {
		return target
	}
	return ref
}

func deriveTitle(content string) string {
	title := strings.TrimSpace(content)
	if r := []rune(title); len(r) > maxTitleLength {
		title = string(r[:maxTitleLength])
	}
	return title
}
