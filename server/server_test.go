package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/chatgate"
	"github.com/ineyio/chatgate/meter"
	"github.com/ineyio/chatgate/pipeline/mock"
	"github.com/ineyio/chatgate/policy"
	"github.com/ineyio/chatgate/server"
	"github.com/ineyio/chatgate/store"
)

var fixedNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	srv    *server.Server
	svc    *chatgate.Service
	ledger *store.MemoryLedger
	convs  *store.MemoryConversations
	reg    *prometheus.Registry
}

func newFixture(t *testing.T, p chatgate.Pipeline) *fixture {
	t.Helper()
	f := &fixture{
		ledger: store.NewMemoryLedger(),
		convs:  store.NewMemoryConversations(),
		reg:    prometheus.NewRegistry(),
	}
	cfg := chatgate.Config{
		DefaultModel:      chatgate.ModelRef{Provider: "openai", Name: "gpt-4o-mini"},
		ResponseAllowance: 100,
		Limits: map[string]chatgate.BucketLimits{
			"free": {"gpt_4o_mini": 1000},
		},
	}
	var messages atomic.Int64
	svc, err := chatgate.NewService(cfg, p,
		chatgate.WithConversationStore(f.convs),
		chatgate.WithUsageLedger(f.ledger),
		chatgate.WithMeter(meter.NewPrometheusMeter(f.reg)),
		chatgate.WithClock(func() time.Time { return fixedNow }),
		chatgate.WithIDGenerator(func() string { return fmt.Sprintf("m%d", messages.Add(1)) }),
	)
	require.NoError(t, err)
	f.svc = svc

	var guests atomic.Int64
	f.srv = server.New(svc,
		server.WithMetrics(f.reg),
		server.WithGuestIDGenerator(func() string { return fmt.Sprintf("guest-%d", guests.Add(1)) }),
	)
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	return f.doWithHeader(method, path, body, nil)
}

func (f *fixture) doWithHeader(method, path, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func frames(t *testing.T, body string) []chatgate.Frame {
	t.Helper()
	var out []chatgate.Frame
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		var f chatgate.Frame
		require.NoError(t, json.Unmarshal(sc.Bytes(), &f))
		out = append(out, f)
	}
	return out
}

const chatBody = `{
	"turn": {"id": "t1", "conversationId": "c1", "content": "query"},
	"model": {"provider": "openai", "name": "gpt-4o-mini"},
	"history": [["human", "earlier"], ["assistant", "reply"]],
	"focusMode": "webSearch",
	"ownerId": "u1"
}`

func TestChatStreamsFrames(t *testing.T) {
	p := mock.New(mock.WithFragments("Hel", "lo"), mock.WithSources(chatgate.Source{"url": "x"}))
	f := newFixture(t, p)

	rec := f.do(http.MethodPost, "/chat", chatBody)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	got := frames(t, rec.Body.String())
	types := make([]chatgate.FrameType, len(got))
	for i, fr := range got {
		types[i] = fr.Type
	}
	assert.Equal(t, []chatgate.FrameType{
		chatgate.FrameInit, chatgate.FrameMessage, chatgate.FrameMessage, chatgate.FrameSources, chatgate.FrameMessageEnd,
	}, types)
	assert.Equal(t, "Hel", got[1].Data)
	assert.Equal(t, []any{map[string]any{"url": "x"}}, got[3].Data)
	assert.Equal(t, "m1", got[4].MessageID)

	req := p.LastRequest()
	assert.Equal(t, "query", req.Query)
	assert.Equal(t, []chatgate.HistoryEntry{
		{Role: chatgate.RoleUser, Text: "earlier"},
		{Role: chatgate.RoleAssistant, Text: "reply"},
	}, req.History)

	used, err := f.ledger.Usage(context.Background(), "u1", chatgate.BucketGPT4oMini, chatgate.PeriodContaining(fixedNow))
	require.NoError(t, err)
	assert.Equal(t, chatgate.EstimateTokens("query")+chatgate.EstimateTokens("Hello"), used)

	turns := f.do(http.MethodGet, "/conversations/c1/turns", "")
	require.Equal(t, http.StatusOK, turns.Code)
	var list struct {
		Turns []chatgate.Turn `json:"turns"`
	}
	require.NoError(t, json.Unmarshal(turns.Body.Bytes(), &list))
	require.Len(t, list.Turns, 2)
	assert.Equal(t, "Hello", list.Turns[1].Content)
	assert.Equal(t, "m1", list.Turns[1].ID)
	assert.Equal(t, []chatgate.Source{{"url": "x"}}, list.Turns[1].Metadata.Sources)
}

func TestChatValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"turn":`},
		{"missing content", `{"turn":{"id":"t1","conversationId":"c1"},"focusMode":"webSearch","ownerId":"u1"}`},
		{"unknown focus mode", `{"turn":{"id":"t1","conversationId":"c1","content":"q"},"focusMode":"nope","ownerId":"u1"}`},
		{"bad history role", `{"turn":{"id":"t1","conversationId":"c1","content":"q"},"focusMode":"webSearch","history":[["system","x"]]}`},
		{"bad history shape", `{"turn":{"id":"t1","conversationId":"c1","content":"q"},"focusMode":"webSearch","history":[["human"]]}`},
		{"owner and guest", `{"turn":{"id":"t1","conversationId":"c1","content":"q"},"focusMode":"webSearch","ownerId":"u1","guestId":"g1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mock.New()
			f := newFixture(t, p)
			rec := f.do(http.MethodPost, "/chat", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Zero(t, p.CallCount())
		})
	}
}

func TestChatQuotaExceeded(t *testing.T) {
	p := mock.New()
	f := newFixture(t, p)
	require.NoError(t, f.ledger.Increment(context.Background(), "u1", chatgate.BucketGPT4oMini, chatgate.PeriodContaining(fixedNow), 950))

	rec := f.do(http.MethodPost, "/chat", chatBody)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body struct {
		Error   string `json:"error"`
		Details struct {
			Message      string `json:"message"`
			CurrentUsage int64  `json:"currentUsage"`
			Limit        int64  `json:"limit"`
			Remaining    int64  `json:"remaining"`
			Model        string `json:"model"`
		} `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Error)
	assert.NotEmpty(t, body.Details.Message)
	assert.Equal(t, int64(950), body.Details.CurrentUsage)
	assert.Equal(t, int64(1000), body.Details.Limit)
	assert.Equal(t, int64(50), body.Details.Remaining)
	assert.Equal(t, "gpt-4o-mini", body.Details.Model)
	assert.Zero(t, p.CallCount())
}

func TestChatGuestIsNotBilled(t *testing.T) {
	f := newFixture(t, mock.New())
	body := strings.Replace(chatBody, `"ownerId": "u1"`, `"guestId": "g7"`, 1)

	rec := f.do(http.MethodPost, "/chat", body)
	require.Equal(t, http.StatusOK, rec.Code)

	usages, err := f.ledger.Usages(context.Background(), "g7", chatgate.PeriodContaining(fixedNow))
	require.NoError(t, err)
	assert.Empty(t, usages)
}

func TestChatPipelineUnavailable(t *testing.T) {
	f := newFixture(t, mock.New(mock.WithRunError(assert.AnError)))
	rec := f.do(http.MethodPost, "/chat", chatBody)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestChatStreamErrorFrame(t *testing.T) {
	f := newFixture(t, mock.New(mock.WithFragments("partial"), mock.WithStreamError(assert.AnError)))

	rec := f.do(http.MethodPost, "/chat", chatBody)
	require.Equal(t, http.StatusOK, rec.Code)

	got := frames(t, rec.Body.String())
	require.NotEmpty(t, got)
	assert.Equal(t, chatgate.FrameError, got[len(got)-1].Type)

	turns, err := f.convs.Turns(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, turns, 1, "only the user turn is stored")
	assert.Equal(t, chatgate.RoleUser, turns[0].Role)
}

func TestUsageEndpoints(t *testing.T) {
	f := newFixture(t, mock.New())

	rec := f.do(http.MethodPost, "/usage", `{"ownerId":"u1","model":"gpt-4o-mini-2024-07-18","tokensUsed":120}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"bucket":"gpt_4o_mini"`)

	rec = f.do(http.MethodPost, "/usage", `{"ownerId":"u1","model":"gpt-4o-mini","tokensUsed":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/usage?ownerId=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var report chatgate.UsageReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, chatgate.PlanFree, report.Plan)
	assert.Equal(t, chatgate.BucketUsage{TokensUsed: 120, Limit: 1000, Remaining: 880}, report.Buckets[chatgate.BucketGPT4oMini])

	rec = f.do(http.MethodGet, "/usage", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, mock.New())

	rec := f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	f.do(http.MethodPost, "/chat", chatBody)
	rec = f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chatgate_completions_total")
}

func guestChatBody(turnID, guestID string) string {
	guest := ""
	if guestID != "" {
		guest = fmt.Sprintf(`,"guestId":%q`, guestID)
	}
	return fmt.Sprintf(`{"turn":{"id":%q,"conversationId":"c1","content":"query"},"focusMode":"webSearch"%s}`, turnID, guest)
}

func TestChatAnonymousGuestContinuesConversation(t *testing.T) {
	f := newFixture(t, mock.New())

	first := f.do(http.MethodPost, "/chat", guestChatBody("t1", ""))
	require.Equal(t, http.StatusOK, first.Code)
	guestID := first.Header().Get(server.GuestIDHeader)
	require.NotEmpty(t, guestID)

	// Second turn, identified by the id handed out on the first.
	rec := f.doWithHeader(http.MethodPost, "/chat", guestChatBody("t2", ""), http.Header{server.GuestIDHeader: {guestID}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, guestID, rec.Header().Get(server.GuestIDHeader))

	// The id can also be sent in the body.
	rec = f.do(http.MethodPost, "/chat", guestChatBody("t3", guestID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	turns, err := f.convs.Turns(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, turns, 6)

	// Without the id a new guest is minted and the conversation is refused.
	rec = f.do(http.MethodPost, "/chat", guestChatBody("t4", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEqual(t, guestID, rec.Header().Get(server.GuestIDHeader))
}

func TestChatMeteringUnavailable(t *testing.T) {
	p := mock.New()
	ledger := &failingLedger{MemoryLedger: store.NewMemoryLedger()}
	svc, err := chatgate.NewService(chatgate.Config{
		DefaultModel: chatgate.ModelRef{Name: "gpt-4o-mini"},
		Limits:       map[string]chatgate.BucketLimits{"free": {"gpt_4o_mini": 1000}},
	}, p,
		chatgate.WithConversationStore(store.NewMemoryConversations()),
		chatgate.WithUsageLedger(ledger),
		chatgate.WithFailurePolicy(&policy.FailClosedPolicy{}),
	)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	server.New(svc).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(chatBody)))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"metering_unavailable"`)
	assert.NotContains(t, rec.Body.String(), "quota_exceeded")
	assert.Zero(t, p.CallCount())
}

// failingLedger fails every usage lookup.
type failingLedger struct {
	*store.MemoryLedger
}

func (l *failingLedger) Usage(context.Context, string, chatgate.Bucket, chatgate.Period) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestChatClientDisconnectReturnsBeforePipelineEnds(t *testing.T) {
	gate := make(chan struct{})
	p := mock.New(mock.WithFragments("Hel", "lo"), mock.WithGate(gate))
	f := newFixture(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(chatBody)).WithContext(ctx)
	rec := httptest.NewRecorder()

	served := make(chan struct{})
	go func() {
		f.srv.ServeHTTP(rec, req)
		close(served)
	}()

	require.Eventually(t, func() bool { return p.CallCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-served:
	case <-time.After(5 * time.Second):
		close(gate)
		t.Fatal("handler still blocked on the pipeline after the client left")
	}

	// The answer is finished, stored and billed after the handler returned.
	close(gate)
	drainCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, f.svc.Drain(drainCtx))

	turns, err := f.convs.Turns(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "Hello", turns[1].Content)

	used, err := f.ledger.Usage(context.Background(), "u1", chatgate.BucketGPT4oMini, chatgate.PeriodContaining(fixedNow))
	require.NoError(t, err)
	assert.Equal(t, chatgate.EstimateTokens("query")+chatgate.EstimateTokens("Hello"), used)
}
