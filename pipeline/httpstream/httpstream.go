// Package httpstream adapts a remote answer pipeline that streams
// newline-delimited JSON events over HTTP.
//
// Each response line is an object {"type": ..., "data": ...} where type is
// one of "response" (data is a text fragment), "sources" (data is an array of
// sources), "end" or "error" (data is a message).
package httpstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ineyio/chatgate"
)

// ErrUnavailable is returned when the pipeline cannot be reached.
var ErrUnavailable = errors.New("httpstream: pipeline unavailable")

// maxLine bounds a single event line.
const maxLine = 4 << 20

// Pipeline calls a remote pipeline endpoint.
type Pipeline struct {
	url        string
	httpClient *http.Client
	headers    http.Header
}

var _ chatgate.Pipeline = (*Pipeline)(nil)

// Option configures the pipeline.
type Option func(*Pipeline)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Pipeline) { p.httpClient = c }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(p *Pipeline) { p.headers.Add(key, value) }
}

// New creates a pipeline posting to url.
func New(url string, opts ...Option) *Pipeline {
	p := &Pipeline{
		url:        strings.TrimRight(url, "/"),
		httpClient: http.DefaultClient,
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type apiModel struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
}

// apiRequest is the request body sent to the remote pipeline.
type apiRequest struct {
	Query              string      `json:"query"`
	History            [][2]string `json:"history"`
	ChatModel          apiModel    `json:"chatModel"`
	EmbeddingModel     apiModel    `json:"embeddingModel"`
	FocusMode          string      `json:"focusMode"`
	Files              []string    `json:"files"`
	SystemInstructions string      `json:"systemInstructions,omitempty"`
}

// Run posts req and returns a producer reading the response stream. Transport
// and status failures are returned here, before any event is produced.
func (p *Pipeline) Run(ctx context.Context, req chatgate.PipelineRequest) (chatgate.Producer, error) {
	body := buildRequest(req)
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("httpstream: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("httpstream: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	for k, vs := range p.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err := mapHTTPError(resp); err != nil {
		return nil, err
	}
	return &producer{body: resp.Body}, nil
}

func buildRequest(req chatgate.PipelineRequest) apiRequest {
	history := make([][2]string, len(req.History))
	for i, h := range req.History {
		role := "human"
		if h.Role == chatgate.RoleAssistant {
			role = "assistant"
		}
		history[i] = [2]string{role, h.Text}
	}
	files := make([]string, len(req.Files))
	for i, f := range req.Files {
		files[i] = f.FileID
	}
	return apiRequest{
		Query:              req.Query,
		History:            history,
		ChatModel:          apiModel{Provider: req.Model.Provider, Name: req.Model.Name},
		EmbeddingModel:     apiModel{Provider: req.EmbeddingModel.Provider, Name: req.EmbeddingModel.Name},
		FocusMode:          req.FocusMode,
		Files:              files,
		SystemInstructions: req.Instructions,
	}
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		return fmt.Errorf("%w: %s", chatgate.ErrInvalidRequest, strings.TrimSpace(string(body)))
	}
	return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
}

// producer parses the event stream of one response body.
type producer struct {
	body io.ReadCloser
}

func (p *producer) Subscribe(ctx context.Context, h chatgate.EventHandler) error {
	defer p.body.Close()

	// Unblock the scanner when the run is cancelled.
	stop := context.AfterFunc(ctx, func() { p.body.Close() })
	defer stop()

	sc := bufio.NewScanner(p.body)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) {
			continue // skip malformed lines
		}

		ev := gjson.ParseBytes(line)
		data := ev.Get("data")
		switch ev.Get("type").String() {
		case "response":
			h.OnFragment(data.String())
		case "sources":
			h.OnSources(parseSources(data))
		case "end":
			h.OnEnd()
			return nil
		case "error":
			msg := data.String()
			if msg == "" {
				msg = "pipeline reported an error"
			}
			h.OnError(errors.New(msg))
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("httpstream: read stream: %w", err)
	}
	// The stream closed without a terminal event; the caller treats a nil
	// return as incomplete.
	return nil
}

func parseSources(data gjson.Result) []chatgate.Source {
	var out []chatgate.Source
	data.ForEach(func(_, v gjson.Result) bool {
		if src, ok := v.Value().(map[string]any); ok {
			out = append(out, chatgate.Source(src))
		}
		return true
	})
	return out
}
