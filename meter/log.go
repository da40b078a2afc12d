package meter

import (
	"github.com/rs/zerolog"

	"github.com/ineyio/chatgate"
)

// LogMeter logs admission and completion events using zerolog.
type LogMeter struct {
	Logger zerolog.Logger
}

var _ chatgate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
func NewLogMeter(logger zerolog.Logger) *LogMeter {
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAdmission(e chatgate.AdmissionEvent) {
	ev := m.Logger.Info()
	if !e.Allowed {
		ev = m.Logger.Warn()
	}
	if e.LookupErr != nil {
		ev = ev.AnErr("lookup_error", e.LookupErr)
	}
	ev.Str("owner", e.OwnerID).
		Str("model", e.Model).
		Str("bucket", string(e.Bucket)).
		Str("plan", string(e.Plan)).
		Bool("allowed", e.Allowed).
		Int64("usage", e.CurrentUsage).
		Int64("limit", e.Limit).
		Int64("remaining", e.Remaining).
		Int64("estimated_tokens", e.EstimatedCost).
		Msg("admission")
}

func (m *LogMeter) OnCompletion(e chatgate.CompletionEvent) {
	if e.Success {
		m.Logger.Info().
			Str("owner", e.OwnerID).
			Str("conversation", e.ConversationID).
			Str("message", e.MessageID).
			Str("bucket", string(e.Bucket)).
			Dur("duration", e.Duration).
			Int("fragments", e.Fragments).
			Int64("billed_tokens", e.BilledTokens).
			Bool("disconnected", e.Disconnected).
			Msg("completion")
		return
	}
	m.Logger.Warn().
		Err(e.Error).
		Str("owner", e.OwnerID).
		Str("conversation", e.ConversationID).
		Str("message", e.MessageID).
		Str("bucket", string(e.Bucket)).
		Dur("duration", e.Duration).
		Int("fragments", e.Fragments).
		Bool("disconnected", e.Disconnected).
		Msg("completion_error")
}
