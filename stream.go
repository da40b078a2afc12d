package chatgate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Frame payloads sent to clients.
const (
	initMessage  = "Stream connected"
	errorMessage = "An error occurred while processing chat request"
)

// StreamResult is what a multiplexer run accumulated. It is handed to the
// completion handler once the terminal frame has been emitted.
type StreamResult struct {
	MessageID string
	Text      string
	Sources   []Source
	Fragments int
	// Err is nil when the stream ended with messageEnd.
	Err error
	// Disconnected is set when a frame could not be delivered to the client.
	Disconnected bool
	Duration     time.Duration
}

// Multiplexer relays one producer to one client as ordered frames.
type Multiplexer struct {
	messageID string
	logger    zerolog.Logger

	// mu serializes frame writes with Detach.
	mu       sync.Mutex
	detached bool
}

// NewMultiplexer creates a multiplexer whose frames carry messageID.
func NewMultiplexer(messageID string, logger zerolog.Logger) *Multiplexer {
	return &Multiplexer{messageID: messageID, logger: logger}
}

// Detach stops all further writes to the client. It waits for a write in
// progress, so once it returns the writer is no longer used and the
// connection can be released while Run keeps consuming events.
func (m *Multiplexer) Detach() {
	m.mu.Lock()
	m.detached = true
	m.mu.Unlock()
}

// Run subscribes to p on producerCtx and relays its events to w until a
// terminal frame has been written. The first frame is always init and the
// last is exactly one of messageEnd or error.
//
// clientCtx bounds wire writes only: once it is done, or a write fails,
// frames are no longer written but events are still consumed so the result
// reflects everything the producer emitted.
func (m *Multiplexer) Run(clientCtx, producerCtx context.Context, p Producer, w FrameWriter) StreamResult {
	start := time.Now()
	relay := &relay{mux: m, clientCtx: clientCtx, w: w, logger: m.logger}

	relay.write(Frame{Type: FrameInit, Data: initMessage})

	q := newEventQueue()
	go func() {
		err := p.Subscribe(producerCtx, q)
		q.finish(err)
	}()

	var (
		text    strings.Builder
		sources []Source
		frags   int
	)
	for {
		for _, ev := range q.wait() {
			switch ev.kind {
			case eventFragment:
				text.WriteString(ev.text)
				frags++
				relay.write(Frame{Type: FrameMessage, MessageID: m.messageID, Data: ev.text})
			case eventSources:
				sources = ev.sources
				relay.write(Frame{Type: FrameSources, MessageID: m.messageID, Data: ev.sources})
			case eventEnd:
				relay.write(Frame{Type: FrameMessageEnd, MessageID: m.messageID})
				return StreamResult{
					MessageID:    m.messageID,
					Text:         text.String(),
					Sources:      sources,
					Fragments:    frags,
					Disconnected: relay.disconnected,
					Duration:     time.Since(start),
				}
			case eventError:
				relay.write(Frame{Type: FrameError, MessageID: m.messageID, Data: errorMessage})
				return StreamResult{
					MessageID:    m.messageID,
					Text:         text.String(),
					Sources:      sources,
					Fragments:    frags,
					Err:          ev.err,
					Disconnected: relay.disconnected,
					Duration:     time.Since(start),
				}
			}
		}
	}
}

// relay writes frames until the client goes away.
type relay struct {
	mux          *Multiplexer
	clientCtx    context.Context
	w            FrameWriter
	logger       zerolog.Logger
	disconnected bool
}

func (r *relay) write(f Frame) {
	r.mux.mu.Lock()
	defer r.mux.mu.Unlock()

	if r.disconnected {
		return
	}
	if r.mux.detached {
		r.disconnected = true
		r.logger.Debug().Str("frame", string(f.Type)).Msg("stream detached, dropping frames")
		return
	}
	if err := r.clientCtx.Err(); err != nil {
		r.disconnected = true
		r.logger.Debug().Str("frame", string(f.Type)).Msg("client gone, dropping frames")
		return
	}
	if err := r.w.WriteFrame(f); err != nil {
		r.disconnected = true
		r.logger.Debug().Err(err).Str("frame", string(f.Type)).Msg("frame write failed, dropping frames")
	}
}

type eventKind int

const (
	eventFragment eventKind = iota
	eventSources
	eventEnd
	eventError
)

type event struct {
	kind    eventKind
	text    string
	sources []Source
	err     error
}

// eventQueue is an unbounded FIFO between the producer and the relay loop.
// Pushing never blocks on the relay. Everything after the first terminal
// event is dropped.
type eventQueue struct {
	mu       sync.Mutex
	items    []event
	terminal bool
	signal   chan struct{}
}

var _ EventHandler = (*eventQueue)(nil)

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) OnFragment(text string) {
	q.push(event{kind: eventFragment, text: text})
}

func (q *eventQueue) OnSources(sources []Source) {
	q.push(event{kind: eventSources, sources: sources})
}

func (q *eventQueue) OnEnd() {
	q.push(event{kind: eventEnd})
}

func (q *eventQueue) OnError(err error) {
	if err == nil {
		err = errors.New("unspecified producer error")
	}
	q.push(event{kind: eventError, err: fmt.Errorf("%w: %w", ErrPipelineFailed, err)})
}

// finish is called when Subscribe returns. A producer that never signalled a
// terminal event gets a synthesized error.
func (q *eventQueue) finish(err error) {
	if err != nil {
		q.push(event{kind: eventError, err: fmt.Errorf("%w: %w", ErrPipelineFailed, err)})
		return
	}
	q.push(event{kind: eventError, err: ErrPipelineIncomplete})
}

func (q *eventQueue) push(ev event) {
	q.mu.Lock()
	if q.terminal {
		q.mu.Unlock()
		return
	}
	if ev.kind == eventEnd || ev.kind == eventError {
		q.terminal = true
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// wait blocks until at least one event is queued and returns all of them.
func (q *eventQueue) wait() []event {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			items := q.items
			q.items = nil
			q.mu.Unlock()
			return items
		}
		q.mu.Unlock()
		<-q.signal
	}
}
