// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package official serves completions through the documented vendor API.
//
// Unlike the web backend this upstream is stable and key-authenticated, so
// the resilience story is simpler: bounded retry with jittered exponential
// backoff for transient trouble, a local cooldown breaker for repeated
// failure, and strict validation of the response shape.
package official

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/gemweb/internal/credentials"
)

// DefaultBaseURL is the documented API endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// maxResponseSize caps how much upstream body is read.
const maxResponseSize = 16 * 1024 * 1024

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrMissingAPIKey means no key was configured for this upstream.
	ErrMissingAPIKey = errors.New("missing API key for official upstream")

	// ErrAuthentication means the upstream rejected the configured key.
	ErrAuthentication = errors.New("official upstream rejected credentials")

	// ErrUpstreamProtocol means the response shape does not match the
	// documented contract. Structural, not transient.
	ErrUpstreamProtocol = errors.New("official upstream protocol error")

	// ErrUpstreamUnavailable means the upstream kept failing transiently
	// (timeouts, 5xx) through the whole retry budget.
	ErrUpstreamUnavailable = errors.New("official upstream unavailable")
)

// RateLimitedError reports upstream throttling with an optional hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("official upstream rate limited, retry after %s", e.RetryAfter)
	}
	return "official upstream rate limited"
}

// BreakerOpenError is the fail-fast error while the cooldown breaker is open.
type BreakerOpenError struct {
	RetryAfter time.Duration
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("official upstream breaker open, retry after %s", e.RetryAfter)
}

// =============================================================================
// SESSION
// =============================================================================

// SessionConfig tunes retry, backoff and breaker behavior.
type SessionConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration

	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// BreakerThreshold consecutive failures open the breaker for
	// BreakerReset. Zero threshold disables the breaker.
	BreakerThreshold int
	BreakerReset     time.Duration
}

// DefaultSessionConfig returns the production tuning.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		BaseURL:          DefaultBaseURL,
		Timeout:          60 * time.Second,
		MaxAttempts:      3,
		BackoffInitial:   500 * time.Millisecond,
		BackoffMax:       8 * time.Second,
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
	}
}

// Session is one breaker-guarded client of the official API. Safe for
// concurrent use.
type Session struct {
	cfg    SessionConfig
	client *http.Client
	clock  credentials.Clock
	sleep  credentials.Sleeper

	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

// NewSession builds a session. client, clock and sleep may be nil for
// production defaults.
func NewSession(cfg SessionConfig, client *http.Client, clock credentials.Clock, sleep credentials.Sleeper) *Session {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if clock == nil {
		clock = credentials.SystemClock()
	}
	if sleep == nil {
		sleep = credentials.SystemSleeper()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Session{cfg: cfg, client: client, clock: clock, sleep: sleep}
}

// Message is one conversation turn in upstream terms.
type Message struct {
	Role    string
	Content string
}

// GenerationParams are the optional sampling knobs forwarded upstream.
// Nil pointers are omitted from the request entirely.
type GenerationParams struct {
	Temperature      *float64
	TopP             *float64
	MaxTokens        *int
	Stop             []string
	PresencePenalty  *float64
	FrequencyPenalty *float64
}

// Wire shapes for the generateContent call.
type wirePart struct {
	Text string `json:"text"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wireGenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
}

type wireRequest struct {
	Contents          []wireContent         `json:"contents"`
	SystemInstruction *wireContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *wireGenerationConfig `json:"generationConfig,omitempty"`
}

type wireResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text *string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// CircuitOpen reports whether calls would currently fail fast. Queried by
// the router so an open upstream is skipped without a call.
func (s *Session) CircuitOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakerRemaining() > 0
}

// GenerateChat runs one generateContent call with bounded retry.
func (s *Session) GenerateChat(ctx context.Context, model string, messages []Message, systemInstruction string, params GenerationParams) (string, error) {
	if err := s.breakerAllow(); err != nil {
		return "", err
	}
	if s.cfg.APIKey == "" {
		return "", ErrMissingAPIKey
	}

	body, err := s.buildRequest(messages, systemInstruction, params)
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", strings.TrimSuffix(s.cfg.BaseURL, "/"), model, s.cfg.APIKey)

	var lastRateLimit *RateLimitedError
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		status, respBody, err := s.post(ctx, url, body)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			s.breakerFailure()
			lastErr = err
			if attempt >= s.cfg.MaxAttempts-1 {
				return "", fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
			}
			if serr := s.sleep(ctx, s.backoff(attempt)); serr != nil {
				return "", serr
			}
			continue
		}

		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return "", ErrAuthentication

		case status == http.StatusTooManyRequests:
			s.breakerFailure()
			lastRateLimit = &RateLimitedError{RetryAfter: retryAfterHeader(respBody.retryAfter)}
			if attempt >= s.cfg.MaxAttempts-1 {
				return "", lastRateLimit
			}
			wait := lastRateLimit.RetryAfter
			if wait <= 0 {
				wait = s.backoff(attempt)
			}
			if serr := s.sleep(ctx, wait); serr != nil {
				return "", serr
			}
			continue

		case status >= 500 && status <= 599:
			s.breakerFailure()
			lastErr = fmt.Errorf("upstream status %d", status)
			if attempt >= s.cfg.MaxAttempts-1 {
				log.Printf("official: upstream %d after %d attempts: %s", status, s.cfg.MaxAttempts, truncateForLog(string(respBody.data), 200))
				return "", fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, status)
			}
			if serr := s.sleep(ctx, s.backoff(attempt)); serr != nil {
				return "", serr
			}
			continue

		case status >= 400:
			return "", fmt.Errorf("%w: status %d", ErrUpstreamProtocol, status)
		}

		text, err := extractText(respBody.data)
		if err != nil {
			return "", err
		}
		s.breakerSuccess()
		return text, nil
	}

	// Unreachable while MaxAttempts >= 1; kept for the degenerate config.
	if lastRateLimit != nil {
		return "", lastRateLimit
	}
	return "", fmt.Errorf("%w: %v", ErrUpstreamUnavailable, lastErr)
}

// Generate is the single-prompt convenience form.
func (s *Session) Generate(ctx context.Context, model, prompt string) (string, error) {
	return s.GenerateChat(ctx, model, []Message{{Role: "user", Content: prompt}}, "", GenerationParams{})
}

func (s *Session) buildRequest(messages []Message, systemInstruction string, params GenerationParams) ([]byte, error) {
	contents := make([]wireContent, 0, len(messages))
	for _, m := range messages {
		var role string
		switch m.Role {
		case "user":
			role = "user"
		case "assistant":
			role = "model"
		default:
			return nil, fmt.Errorf("%w: unsupported message role %q", ErrUpstreamProtocol, m.Role)
		}
		contents = append(contents, wireContent{Role: role, Parts: []wirePart{{Text: m.Content}}})
	}

	req := wireRequest{Contents: contents}
	if systemInstruction != "" {
		req.SystemInstruction = &wireContent{Parts: []wirePart{{Text: systemInstruction}}}
	}
	gc := wireGenerationConfig{
		Temperature:      params.Temperature,
		TopP:             params.TopP,
		MaxOutputTokens:  params.MaxTokens,
		StopSequences:    params.Stop,
		PresencePenalty:  params.PresencePenalty,
		FrequencyPenalty: params.FrequencyPenalty,
	}
	if params.Temperature != nil || params.TopP != nil || params.MaxTokens != nil ||
		len(params.Stop) > 0 || params.PresencePenalty != nil || params.FrequencyPenalty != nil {
		req.GenerationConfig = &gc
	}
	return json.Marshal(req)
}

type postResult struct {
	data       []byte
	retryAfter string
}

func (s *Session) post(ctx context.Context, url string, body []byte) (int, postResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, postResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, postResult{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return 0, postResult{}, err
	}
	return resp.StatusCode, postResult{data: data, retryAfter: resp.Header.Get("Retry-After")}, nil
}

// extractText validates the documented response shape strictly. A missing
// level means the contract drifted and is surfaced, never papered over.
func extractText(data []byte) (string, error) {
	var parsed wireResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("%w: undecodable body", ErrUpstreamProtocol)
	}
	if len(parsed.Candidates) == 0 {
		return "", fmt.Errorf("%w: missing candidates", ErrUpstreamProtocol)
	}
	parts := parsed.Candidates[0].Content.Parts
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: missing parts", ErrUpstreamProtocol)
	}
	if parts[0].Text == nil {
		return "", fmt.Errorf("%w: missing text", ErrUpstreamProtocol)
	}
	return *parts[0].Text, nil
}

// =============================================================================
// COOLDOWN BREAKER
// =============================================================================

func (s *Session) breakerAllow() error {
	if s.cfg.BreakerThreshold <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if remaining := s.breakerRemaining(); remaining > 0 {
		return &BreakerOpenError{RetryAfter: remaining}
	}
	return nil
}

// breakerRemaining must be called with mu held.
func (s *Session) breakerRemaining() time.Duration {
	if s.openUntil.IsZero() {
		return 0
	}
	remaining := s.openUntil.Sub(s.clock.Now())
	if remaining <= 0 {
		return 0
	}
	return remaining
}

func (s *Session) breakerSuccess() {
	if s.cfg.BreakerThreshold <= 0 {
		return
	}
	s.mu.Lock()
	s.failures = 0
	s.openUntil = time.Time{}
	s.mu.Unlock()
}

func (s *Session) breakerFailure() {
	if s.cfg.BreakerThreshold <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	if s.failures < s.cfg.BreakerThreshold || s.cfg.BreakerReset <= 0 {
		return
	}
	s.openUntil = s.clock.Now().Add(s.cfg.BreakerReset)
	log.Printf("official: breaker opened for %s after %d consecutive failures", s.cfg.BreakerReset, s.failures)
}

// backoff computes the delay before retry attempt+1, with small jitter so
// concurrent clients do not synchronize.
func (s *Session) backoff(attempt int) time.Duration {
	base := s.cfg.BackoffInitial << uint(attempt)
	if base > s.cfg.BackoffMax || base <= 0 {
		base = s.cfg.BackoffMax
	}
	jitterCap := base / 10
	if jitterCap > 250*time.Millisecond {
		jitterCap = 250 * time.Millisecond
	}
	if jitterCap <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(int64(jitterCap)))
}

func retryAfterHeader(v string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
