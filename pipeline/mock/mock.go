// Package mock provides a scriptable chatgate.Pipeline for tests and demos.
package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/chatgate"
)

// Pipeline is a mock answer pipeline.
type Pipeline struct {
	fragments  []string
	sources    []chatgate.Source
	streamErr  error
	runErr     error
	noTerminal bool
	latency    time.Duration
	gate       <-chan struct{}

	callCount atomic.Int64
	mu        sync.Mutex
	last      chatgate.PipelineRequest
}

var _ chatgate.Pipeline = (*Pipeline)(nil)

// Option configures a mock Pipeline.
type Option func(*Pipeline)

// New creates a mock pipeline with the given options. By default it answers
// "Hello" in one fragment with no sources.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{fragments: []string{"Hello"}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithFragments sets the answer fragments, emitted in order.
func WithFragments(fragments ...string) Option {
	return func(p *Pipeline) { p.fragments = fragments }
}

// WithSources makes the pipeline emit sources after the fragments.
func WithSources(sources ...chatgate.Source) Option {
	return func(p *Pipeline) { p.sources = sources }
}

// WithStreamError makes the pipeline emit err after its fragments instead of
// ending normally.
func WithStreamError(err error) Option {
	return func(p *Pipeline) { p.streamErr = err }
}

// WithRunError makes Run fail before any event is produced.
func WithRunError(err error) Option {
	return func(p *Pipeline) { p.runErr = err }
}

// WithNoTerminal makes the producer return without signalling end or error.
func WithNoTerminal() Option {
	return func(p *Pipeline) { p.noTerminal = true }
}

// WithLatency adds simulated latency before each fragment.
func WithLatency(d time.Duration) Option {
	return func(p *Pipeline) { p.latency = d }
}

// WithGate holds the producer after its first fragment until gate is closed.
func WithGate(gate <-chan struct{}) Option {
	return func(p *Pipeline) { p.gate = gate }
}

// Run records req and returns a producer replaying the configured script.
func (p *Pipeline) Run(_ context.Context, req chatgate.PipelineRequest) (chatgate.Producer, error) {
	p.callCount.Add(1)
	p.mu.Lock()
	p.last = req
	p.mu.Unlock()

	if p.runErr != nil {
		return nil, p.runErr
	}
	return chatgate.ProducerFunc(p.produce), nil
}

func (p *Pipeline) produce(ctx context.Context, h chatgate.EventHandler) error {
	for i, frag := range p.fragments {
		if p.latency > 0 {
			select {
			case <-time.After(p.latency):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		h.OnFragment(frag)

		if i == 0 && p.gate != nil {
			select {
			case <-p.gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if len(p.sources) > 0 {
		h.OnSources(p.sources)
	}

	switch {
	case p.noTerminal:
	case p.streamErr != nil:
		h.OnError(p.streamErr)
	default:
		h.OnEnd()
	}
	return nil
}

// CallCount returns the number of runs started.
func (p *Pipeline) CallCount() int64 { return p.callCount.Load() }

// LastRequest returns the request of the most recent run.
func (p *Pipeline) LastRequest() chatgate.PipelineRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
