package chatgate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Completion is everything the completion handler needs about one run.
type Completion struct {
	Owner          Owner
	ConversationID string
	Query          string
	Model          string
	Result         StreamResult
}

// CompletionHandler persists the assistant turn and bills usage once a
// stream has terminated. Its failures are logged, never surfaced: by the time
// it runs the client has already received the terminal frame.
type CompletionHandler struct {
	store  ConversationStore
	ledger UsageLedger
	meter  Meter
	logger zerolog.Logger
	now    func() time.Time
}

// NewCompletionHandler creates a CompletionHandler.
func NewCompletionHandler(store ConversationStore, ledger UsageLedger, meter Meter, logger zerolog.Logger) *CompletionHandler {
	if meter == nil {
		meter = &noopMeter{}
	}
	return &CompletionHandler{
		store:  store,
		ledger: ledger,
		meter:  meter,
		logger: logger,
		now:    time.Now,
	}
}

// Complete handles a terminated stream. On success it appends the assistant
// turn and, for authenticated owners, increments the ledger by the estimated
// query plus answer cost. A failed stream is neither persisted nor billed.
// The returned error reports persistence or ledger failures for callers that
// want them; it has already been logged.
func (h *CompletionHandler) Complete(ctx context.Context, c Completion) (billed int64, err error) {
	res := c.Result
	bucket := Canonicalize(c.Model)

	defer func() {
		h.meter.OnCompletion(CompletionEvent{
			OwnerID:        c.Owner.ID(),
			ConversationID: c.ConversationID,
			MessageID:      res.MessageID,
			Model:          c.Model,
			Bucket:         bucket,
			Success:        res.Err == nil,
			Duration:       res.Duration,
			Fragments:      res.Fragments,
			BilledTokens:   billed,
			Disconnected:   res.Disconnected,
			Error:          firstErr(res.Err, err),
		})
	}()

	if res.Err != nil {
		h.logger.Warn().
			Err(res.Err).
			Str("conversation", c.ConversationID).
			Str("message", res.MessageID).
			Int("fragments", res.Fragments).
			Msg("stream failed, discarding partial answer")
		return 0, nil
	}

	now := h.now()
	_, perr := h.store.AppendTurn(ctx, Turn{
		ID:             res.MessageID,
		ConversationID: c.ConversationID,
		Role:           RoleAssistant,
		Content:        res.Text,
		Metadata: TurnMetadata{
			CreatedAt: now,
			Sources:   res.Sources,
		},
	})
	if perr != nil {
		perr = fmt.Errorf("%w: %w", ErrPersistence, perr)
		h.logger.Error().
			Err(perr).
			Str("conversation", c.ConversationID).
			Str("message", res.MessageID).
			Msg("assistant turn not persisted")
	}

	if c.Owner.IsGuest() {
		return 0, perr
	}

	cost := EstimateCompletionCost(c.Query, res.Text)
	if lerr := h.ledger.Increment(ctx, c.Owner.UserID, bucket, PeriodContaining(now), cost); lerr != nil {
		lerr = fmt.Errorf("%w: %w", ErrLedger, lerr)
		h.logger.Error().
			Err(lerr).
			Str("owner", c.Owner.UserID).
			Str("bucket", string(bucket)).
			Int64("tokens", cost).
			Msg("usage not recorded")
		return 0, firstErr(perr, lerr)
	}
	return cost, perr
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnAdmission(AdmissionEvent)   {}
func (m *noopMeter) OnCompletion(CompletionEvent) {}
