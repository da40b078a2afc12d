package chatgate

import "context"

// Pipeline is the retrieval/answer pipeline. Run starts one answer and
// returns the producer of its events.
type Pipeline interface {
	Run(ctx context.Context, req PipelineRequest) (Producer, error)
}

// PipelineRequest is the input of one pipeline run.
type PipelineRequest struct {
	Query          string
	History        []HistoryEntry
	Model          ModelRef
	EmbeddingModel ModelRef
	FocusMode      string
	Files          []File
	Instructions   string
}

// Producer is an asynchronous event source for one pipeline run.
//
// Subscribe delivers events to h in emission order and returns when the run
// is over. A well-behaved producer calls h.OnEnd or h.OnError exactly once as
// its last event; the multiplexer treats a return without either as a
// failure. Subscribe must not be called more than once.
type Producer interface {
	Subscribe(ctx context.Context, h EventHandler) error
}

// EventHandler receives pipeline events. Implementations must not block the
// producer for long.
type EventHandler interface {
	OnFragment(text string)
	OnSources(sources []Source)
	OnEnd()
	OnError(err error)
}

// ProducerFunc adapts a function to the Producer interface.
type ProducerFunc func(ctx context.Context, h EventHandler) error

// Subscribe calls f(ctx, h).
func (f ProducerFunc) Subscribe(ctx context.Context, h EventHandler) error { return f(ctx, h) }
