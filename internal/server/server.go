// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/jeranaias/gemweb/internal/official"
	"github.com/jeranaias/gemweb/internal/protocol"
	"github.com/jeranaias/gemweb/internal/router"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the default listen address for the HTTP server.
	DefaultAddr = "127.0.0.1:8787"

	// DefaultRequestTimeout bounds a single routed completion.
	DefaultRequestTimeout = 120 * time.Second

	// DefaultMaxBodyBytes is the maximum request body size (1MB).
	DefaultMaxBodyBytes = 1 * 1024 * 1024

	// DefaultMaxMessages is the maximum number of messages in a request.
	DefaultMaxMessages = 100

	// DefaultMaxTotalChars bounds the combined message content length.
	DefaultMaxTotalChars = 200000

	// DefaultMaxInflight caps concurrent /v1/ requests.
	DefaultMaxInflight = 8

	// DefaultRequestsPerMinute is the per-client rate limit.
	DefaultRequestsPerMinute = 100

	// Version is the server version.
	Version = "0.3.0"
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds the server's listen address, auth, and resource limits.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string

	// AuthToken protects the /v1/ surface when non-empty.
	AuthToken string

	// RequestTimeout bounds a single non-streaming completion.
	RequestTimeout time.Duration

	// MaxBodyBytes limits request body size on /v1/ endpoints.
	MaxBodyBytes int64

	// MaxMessages limits the message count per completion request.
	MaxMessages int

	// MaxTotalChars limits combined message content length.
	MaxTotalChars int

	// MaxInflight caps concurrent /v1/ requests.
	MaxInflight int

	// RequestsPerMinute is the per-client rate limit.
	RequestsPerMinute int

	// EnableStreaming allows stream=true requests.
	EnableStreaming bool
}

// DefaultConfig returns a Config with conservative limits and streaming on.
func DefaultConfig() Config {
	return Config{
		Addr:              DefaultAddr,
		RequestTimeout:    DefaultRequestTimeout,
		MaxBodyBytes:      DefaultMaxBodyBytes,
		MaxMessages:       DefaultMaxMessages,
		MaxTotalChars:     DefaultMaxTotalChars,
		MaxInflight:       DefaultMaxInflight,
		RequestsPerMinute: DefaultRequestsPerMinute,
		EnableStreaming:   true,
	}
}

// ============================================================================
// SERVER
// ============================================================================

// StatsSource supplies aggregate attempt outcomes for the /stats endpoint.
// The telemetry ledger satisfies it; a nil source disables the endpoint body.
type StatsSource interface {
	OutcomeCounts(ctx context.Context) (map[string]int64, error)
}

// Server is the HTTP API server with OpenAI-compatible endpoints.
type Server struct {
	cfg       Config
	routes    *http.ServeMux
	server    *http.Server
	completer *router.Router
	providers []router.Provider
	stats     StatsSource
}

// New creates a Server fronting the given router. The providers slice is
// the same set handed to the router; it is used for circuit status on
// /health. stats may be nil.
func New(cfg Config, completer *router.Router, providers []router.Provider, stats StatsSource) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	if cfg.MaxTotalChars <= 0 {
		cfg.MaxTotalChars = DefaultMaxTotalChars
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = DefaultMaxInflight
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRequestsPerMinute
	}

	s := &Server{
		cfg:       cfg,
		routes:    http.NewServeMux(),
		completer: completer,
		providers: providers,
		stats:     stats,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.routes.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	s.routes.HandleFunc("GET /v1/models", s.handleModels)
	s.routes.HandleFunc("GET /health", s.handleHealth)
	s.routes.HandleFunc("GET /stats", s.handleStats)
}

// Handler returns the full middleware-wrapped handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return Chain(
		RequestIDMiddleware(),
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(log.Default()),
		AuthMiddleware(s.cfg.AuthToken),
		MaxBodyMiddleware(s.cfg.MaxBodyBytes),
		ConcurrencyLimitMiddleware(s.cfg.MaxInflight),
		RateLimitMiddleware(NewRateLimiter(s.cfg.RequestsPerMinute)),
	)(s.routes)
}

// ============================================================================
// CHAT COMPLETIONS HANDLER
// ============================================================================

// handleChatCompletions handles POST /v1/chat/completions.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "Request body too large.", RequestID(r.Context()))
			return
		}
		log.Printf("REQUEST_INVALID | error=%v", err)
		writeError(w, http.StatusBadRequest, "invalid_request_error", "Invalid request format.", RequestID(r.Context()))
		return
	}

	if err := req.Validate(s.cfg.MaxMessages, s.cfg.MaxTotalChars); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error(), RequestID(r.Context()))
		return
	}

	if req.Stream {
		if !s.cfg.EnableStreaming {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "Streaming is disabled.", RequestID(r.Context()))
			return
		}
		s.handleStreamingCompletion(w, r, req)
		return
	}
	s.handleNonStreamingCompletion(w, r, req)
}

// handleNonStreamingCompletion routes the request and returns one response.
func (s *Server) handleNonStreamingCompletion(w http.ResponseWriter, r *http.Request, req ChatCompletionRequest) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	result, err := s.completer.Route(ctx, req.intent())
	if err != nil {
		s.writeRouteError(w, r, err)
		return
	}

	log.Printf("REQUEST_COMPLETE | provider=%s model=%s tier=%s latency=%dms",
		result.ProviderName, result.ActualModel, result.Tier, time.Since(startTime).Milliseconds())
	writeJSON(w, http.StatusOK, newCompletionResponse(result.ActualModel, result.Content))
}

// handleStreamingCompletion routes the request and replays the result as an
// SSE stream. Upstream surfaces deliver the full text at once, so the
// content arrives in a single delta between the role and finish chunks.
func (s *Server) handleStreamingCompletion(w http.ResponseWriter, r *http.Request, req ChatCompletionRequest) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	// Route before committing to the SSE content type so failures still
	// produce a proper JSON error status.
	result, err := s.completer.Route(ctx, req.intent())
	if err != nil {
		s.writeRouteError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "api_error", "Streaming not supported.", RequestID(r.Context()))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	responseID := generateResponseID()
	created := time.Now().Unix()

	sendChunk(w, flusher, newStreamChunk(responseID, created, result.ActualModel, ChunkDelta{Role: "assistant"}, nil))
	if result.Content != "" {
		sendChunk(w, flusher, newStreamChunk(responseID, created, result.ActualModel, ChunkDelta{Content: result.Content}, nil))
	}
	finishReason := "stop"
	sendChunk(w, flusher, newStreamChunk(responseID, created, result.ActualModel, ChunkDelta{}, &finishReason))

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// sendChunk writes a single SSE chunk and flushes it.
func sendChunk(w http.ResponseWriter, flusher http.Flusher, chunk StreamChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// ============================================================================
// ROUTE ERROR MAPPING
// ============================================================================

// writeRouteError translates a routing failure into the OpenAI error shape.
func (s *Server) writeRouteError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := RequestID(r.Context())
	log.Printf("ROUTE_FAILED | error=%v", err)

	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusGatewayTimeout, "upstream_error", "Request timed out.", requestID)
		return
	}
	if errors.Is(err, context.Canceled) {
		// Client went away; the status is best-effort.
		writeError(w, http.StatusBadRequest, "invalid_request_error", "Request canceled.", requestID)
		return
	}

	var provErr *router.ProviderError
	if pick := dominantFailure(err); pick != nil {
		provErr = pick
	} else if !errors.As(err, &provErr) {
		writeError(w, http.StatusServiceUnavailable, "upstream_error", "No provider available.", requestID)
		return
	}

	switch provErr.Kind {
	case router.FailureAuth:
		writeError(w, http.StatusUnauthorized, "authentication_error", "Upstream authentication failed.", requestID)
	case router.FailureRateLimited:
		if hint := retryAfterSeconds(provErr); hint > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(hint))
		}
		writeError(w, http.StatusTooManyRequests, "rate_limit_error", "Upstream rate limit reached.", requestID)
	case router.FailureCircuitOpen:
		writeError(w, http.StatusServiceUnavailable, "upstream_error", "Provider temporarily unavailable.", requestID)
	case router.FailureProtocol:
		writeError(w, http.StatusBadGateway, "upstream_error", "Upstream protocol error.", requestID)
	default:
		writeError(w, http.StatusBadGateway, "upstream_error", "Upstream request failed.", requestID)
	}
}

// dominantFailure picks the most client-actionable provider failure out of
// an exhausted route: rate limits first (the client can wait), then auth,
// then whatever errored first.
func dominantFailure(err error) *router.ProviderError {
	var exhausted *router.ExhaustedError
	if !errors.As(err, &exhausted) {
		return nil
	}

	var first, auth, limited *router.ProviderError
	for _, outcome := range exhausted.Outcomes {
		if outcome.Err == nil {
			continue
		}
		var provErr *router.ProviderError
		if !errors.As(outcome.Err, &provErr) {
			continue
		}
		if first == nil {
			first = provErr
		}
		switch provErr.Kind {
		case router.FailureRateLimited:
			if limited == nil {
				limited = provErr
			}
		case router.FailureAuth:
			if auth == nil {
				auth = provErr
			}
		}
	}
	if limited != nil {
		return limited
	}
	if auth != nil {
		return auth
	}
	return first
}

// retryAfterSeconds extracts an upstream Retry-After hint when the wrapped
// error carries one.
func retryAfterSeconds(provErr *router.ProviderError) int {
	var webLimited *protocol.RateLimitedError
	if errors.As(provErr.Err, &webLimited) && webLimited.RetryAfter > 0 {
		return int(webLimited.RetryAfter.Seconds())
	}
	var apiLimited *official.RateLimitedError
	if errors.As(provErr.Err, &apiLimited) && apiLimited.RetryAfter > 0 {
		return int(apiLimited.RetryAfter.Seconds())
	}
	return 0
}

// ============================================================================
// MODELS HANDLER
// ============================================================================

// ModelInfo represents information about an available model.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse is the OpenAI-compatible models list response.
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// handleModels handles GET /v1/models. Logical aliases route on capability
// tier; concrete gemini-* names pass through to the official surface.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := []ModelInfo{
		{ID: "auto", Object: "model", OwnedBy: "gemweb"},
		{ID: "standard", Object: "model", OwnedBy: "gemweb"},
		{ID: "premium", Object: "model", OwnedBy: "gemweb"},
		{ID: "gemini-2.5-flash", Object: "model", OwnedBy: "google"},
		{ID: "gemini-2.5-pro", Object: "model", OwnedBy: "google"},
	}
	writeJSON(w, http.StatusOK, ModelsResponse{Object: "list", Data: models})
}

// ============================================================================
// HEALTH HANDLER
// ============================================================================

// ProviderHealth reports one provider's circuit status.
type ProviderHealth struct {
	Name        string `json:"name"`
	CircuitOpen bool   `json:"circuit_open"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string           `json:"status"`
	Version   string           `json:"version"`
	Providers []ProviderHealth `json:"providers"`
}

// handleHealth handles GET /health. Degraded when any circuit is open,
// unavailable when all are.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{Status: "ok", Version: Version}

	open := 0
	for _, p := range s.providers {
		circuitOpen := p.CircuitOpen()
		if circuitOpen {
			open++
		}
		health.Providers = append(health.Providers, ProviderHealth{
			Name:        p.Name(),
			CircuitOpen: circuitOpen,
		})
	}
	switch {
	case len(s.providers) > 0 && open == len(s.providers):
		health.Status = "unavailable"
	case open > 0:
		health.Status = "degraded"
	}

	writeJSON(w, http.StatusOK, health)
}

// ============================================================================
// STATS HANDLER
// ============================================================================

// StatsResponse aggregates attempt outcomes from the telemetry ledger.
type StatsResponse struct {
	Outcomes map[string]int64 `json:"outcomes"`
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeJSON(w, http.StatusOK, StatsResponse{Outcomes: map[string]int64{}})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	counts, err := s.stats.OutcomeCounts(ctx)
	if err != nil {
		log.Printf("STATS_FAILED | error=%v", err)
		writeError(w, http.StatusInternalServerError, "api_error", "Stats unavailable.", RequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{Outcomes: counts})
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: s.cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("SERVER_START | addr=%s version=%s", s.cfg.Addr, Version)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	log.Printf("SERVER_SHUTDOWN | starting graceful shutdown")
	return s.server.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an OpenAI-compatible JSON error response. The request
// ID rides in the code field so clients can correlate with server logs.
func writeError(w http.ResponseWriter, status int, errType, message, requestID string) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorBody{
			Message: message,
			Type:    errType,
			Code:    requestID,
		},
	})
}
