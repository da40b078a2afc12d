// Package server exposes a chatgate.Service over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ineyio/chatgate"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// GuestIDHeader carries the guest id of an anonymous chat. It is set on every
// guest /chat response and accepted on requests that omit guestId.
const GuestIDHeader = "X-Guest-Id"

// Server routes HTTP requests to a chatgate.Service.
type Server struct {
	svc        *chatgate.Service
	logger     zerolog.Logger
	gatherer   prometheus.Gatherer
	newGuestID func() string
	router     chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics exposes g at /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithGuestIDGenerator sets the generator for ids of anonymous guests.
func WithGuestIDGenerator(fn func() string) Option {
	return func(s *Server) { s.newGuestID = fn }
}

// New creates a Server for svc.
func New(svc *chatgate.Service, opts ...Option) *Server {
	s := &Server{
		svc:        svc,
		logger:     zerolog.Nop(),
		newGuestID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Post("/chat", s.handleChat)
	r.Get("/usage", s.handleGetUsage)
	r.Post("/usage", s.handlePostUsage)
	r.Get("/conversations/{id}/turns", s.handleTurns)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// chatRequest is the POST /chat body.
type chatRequest struct {
	Turn               chatgate.TurnInput `json:"turn"`
	Model              chatgate.ModelRef  `json:"model"`
	EmbeddingModel     chatgate.ModelRef  `json:"embeddingModel"`
	History            [][]string         `json:"history"`
	FocusMode          string             `json:"focusMode"`
	Files              []chatgate.File    `json:"files"`
	SystemInstructions string             `json:"systemInstructions"`
	OwnerID            string             `json:"ownerId"`
	GuestID            string             `json:"guestId"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.OwnerID == "" && body.GuestID == "" {
		body.GuestID = r.Header.Get(GuestIDHeader)
	}
	req, err := s.toChatRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Owner.IsGuest() {
		w.Header().Set(GuestIDHeader, req.Owner.GuestID)
	}

	stream, err := s.svc.Prepare(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	res := stream.Stream(r.Context(), chatgate.NewNDJSONWriter(w))
	if res.Disconnected {
		s.logger.Info().
			Str("conversation", req.Turn.ConversationID).
			Str("message", res.MessageID).
			Msg("client disconnected before the end of the stream")
	}
}

func (s *Server) toChatRequest(body chatRequest) (chatgate.ChatRequest, error) {
	history := make([]chatgate.HistoryEntry, 0, len(body.History))
	for i, h := range body.History {
		if len(h) != 2 {
			return chatgate.ChatRequest{}, errors.New("history entries must be [role, text] pairs")
		}
		role, ok := parseRole(h[0])
		if !ok {
			return chatgate.ChatRequest{}, fmt.Errorf("history[%d]: unknown role %q", i, h[0])
		}
		history = append(history, chatgate.HistoryEntry{Role: role, Text: h[1]})
	}

	owner := chatgate.Owner{UserID: body.OwnerID, GuestID: body.GuestID}
	if owner.UserID == "" && owner.GuestID == "" {
		owner.GuestID = s.newGuestID()
	}

	return chatgate.ChatRequest{
		Turn:           body.Turn,
		Model:          body.Model,
		EmbeddingModel: body.EmbeddingModel,
		History:        history,
		FocusMode:      body.FocusMode,
		Files:          body.Files,
		Instructions:   body.SystemInstructions,
		Owner:          owner,
	}, nil
}

func parseRole(s string) (chatgate.Role, bool) {
	switch strings.ToLower(s) {
	case "human", "user":
		return chatgate.RoleUser, true
	case "assistant", "ai":
		return chatgate.RoleAssistant, true
	}
	return "", false
}

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("ownerId")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "ownerId is required")
		return
	}
	report, err := s.svc.Usage(r.Context(), ownerID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type usageUpdate struct {
	OwnerID    string `json:"ownerId"`
	Model      string `json:"model"`
	TokensUsed int64  `json:"tokensUsed"`
}

func (s *Server) handlePostUsage(w http.ResponseWriter, r *http.Request) {
	var body usageUpdate
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bucket, err := s.svc.RecordUsage(r.Context(), body.OwnerID, body.Model, body.TokensUsed)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ownerId":    body.OwnerID,
		"bucket":     bucket,
		"tokensUsed": body.TokensUsed,
	})
}

func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	turns, err := s.svc.Turns(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if turns == nil {
		turns = []chatgate.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

// quotaDetails is the details object of a 429 response.
type quotaDetails struct {
	Message      string          `json:"message"`
	CurrentUsage int64           `json:"currentUsage"`
	Limit        int64           `json:"limit"`
	Remaining    int64           `json:"remaining"`
	Model        string          `json:"model"`
	Bucket       chatgate.Bucket `json:"bucket"`
	Plan         chatgate.Plan   `json:"plan"`
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var denied *chatgate.AdmissionError
	switch {
	case errors.As(err, &denied):
		res := denied.Result
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": "quota_exceeded",
			"details": quotaDetails{
				Message:      "Monthly token limit reached for this model",
				CurrentUsage: res.CurrentUsage,
				Limit:        res.Limit,
				Remaining:    res.Remaining,
				Model:        denied.Model,
				Bucket:       res.Bucket,
				Plan:         res.Plan,
			},
		})
	case errors.Is(err, chatgate.ErrMeteringUnavailable):
		s.logger.Warn().Err(err).Msg("request refused, usage could not be verified")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":   "metering_unavailable",
			"message": "Usage could not be verified, please retry later",
		})
	case chatgate.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "An error occurred while processing chat request")
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
