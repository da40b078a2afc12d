package chatgate

import (
	"context"
	"sync"
)

// ChatStream is an admitted chat request whose pipeline has been started.
// Stream must be called exactly once.
type ChatStream struct {
	service     *Service
	producer    Producer
	producerCtx context.Context
	cancel      context.CancelFunc

	owner     Owner
	convID    string
	query     string
	model     string
	messageID string

	once sync.Once
}

// MessageID returns the id of the assistant turn this stream produces.
func (cs *ChatStream) MessageID() string { return cs.messageID }

// Stream relays the pipeline to w, then persists and bills the answer.
//
// If clientCtx is done before the stream terminates, Stream detaches from w
// and returns at once with Disconnected set; the run, persistence and billing
// continue in the background and are awaited by Service.Drain. Otherwise the
// returned result is final and completion has already run.
func (cs *ChatStream) Stream(clientCtx context.Context, w FrameWriter) StreamResult {
	var res StreamResult
	cs.once.Do(func() {
		s := cs.service
		logger := s.logger.With().
			Str("conversation", cs.convID).
			Str("message", cs.messageID).
			Logger()
		mux := NewMultiplexer(cs.messageID, logger)

		done := make(chan StreamResult, 1)
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			defer cs.cancel()

			r := mux.Run(clientCtx, cs.producerCtx, cs.producer, w)
			// Completion failures are logged by the handler; the terminal
			// frame has already been written.
			_, _ = s.completion.Complete(context.WithoutCancel(cs.producerCtx), Completion{
				Owner:          cs.owner,
				ConversationID: cs.convID,
				Query:          cs.query,
				Model:          cs.model,
				Result:         r,
			})
			done <- r
		}()

		select {
		case res = <-done:
		case <-clientCtx.Done():
			mux.Detach()
			select {
			case res = <-done:
			default:
				res = StreamResult{MessageID: cs.messageID, Disconnected: true}
				logger.Debug().Msg("client gone, finishing stream in background")
			}
		}
	})
	return res
}

// Close releases the pipeline without streaming. It is a no-op after Stream.
func (cs *ChatStream) Close() {
	cs.once.Do(cs.cancel)
}
