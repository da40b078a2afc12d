package chatgate

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// FrameType identifies an outbound stream frame.
type FrameType string

const (
	FrameInit       FrameType = "init"
	FrameMessage    FrameType = "message"
	FrameSources    FrameType = "sources"
	FrameMessageEnd FrameType = "messageEnd"
	FrameError      FrameType = "error"
)

// IsTerminal reports whether the frame ends a stream.
func (t FrameType) IsTerminal() bool { return t == FrameMessageEnd || t == FrameError }

// Frame is one newline-delimited unit of the outbound stream.
type Frame struct {
	Type      FrameType `json:"type"`
	MessageID string    `json:"messageId,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// FrameWriter writes frames to a client.
type FrameWriter interface {
	WriteFrame(f Frame) error
}

// NDJSONWriter encodes frames as newline-delimited JSON, flushing after each
// frame when the underlying writer supports it.
type NDJSONWriter struct {
	w       io.Writer
	flusher http.Flusher
	enc     *json.Encoder
}

// NewNDJSONWriter wraps w.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	nw := &NDJSONWriter{w: w, enc: json.NewEncoder(w)}
	nw.enc.SetEscapeHTML(false)
	if f, ok := w.(http.Flusher); ok {
		nw.flusher = f
	}
	return nw
}

// WriteFrame writes f followed by a newline.
func (nw *NDJSONWriter) WriteFrame(f Frame) error {
	if err := nw.enc.Encode(f); err != nil {
		return fmt.Errorf("chatgate: write %s frame: %w", f.Type, err)
	}
	if nw.flusher != nil {
		nw.flusher.Flush()
	}
	return nil
}
