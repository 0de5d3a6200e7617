// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jeranaias/gemweb/internal/credentials"
)

// =============================================================================
// SESSION CONFIGURATION
// =============================================================================

// SessionConfig holds the endpoints and pacing for one upstream target.
type SessionConfig struct {
	BaseURL     string
	LandingPath string
	RPCPath     string
	MethodID    string
	Language    string
	UserAgent   string

	// Timeout bounds one transport call.
	Timeout time.Duration

	// RequestsPerMinute paces outbound calls client-side. Zero disables.
	RequestsPerMinute int
}

// DefaultSessionConfig returns the observed production endpoints.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		BaseURL:           "https://gemini.google.com",
		LandingPath:       "/app",
		RPCPath:           "/_/BardChatUi/data/batchexecute",
		MethodID:          "hNvQHb",
		Language:          "en",
		UserAgent:         "Mozilla/5.0 (X11; Linux x86_64; rv:132.0) Gecko/20100101 Firefox/132.0",
		Timeout:           60 * time.Second,
		RequestsPerMinute: 30,
	}
}

// =============================================================================
// ANTI-FORGERY TOKEN
// =============================================================================

const (
	// tokenValidity is the cache lifetime of an acquired token.
	tokenValidity = time.Hour

	// Observed token length bounds; anything outside is a bad extraction.
	tokenMinLength = 40
	tokenMaxLength = 200
)

// tokenPattern matches the token at its known embedding site in the landing
// page markup.
var tokenPattern = regexp.MustCompile(`"SNlM0e":"([^"]+)"`)

// tokenRetryDelays is the local token-acquisition retry schedule.
var tokenRetryDelays = []time.Duration{0, 2 * time.Second, 4 * time.Second}

// loginSurfaceMarkers identify a redirect target as a login surface.
var loginSurfaceMarkers = []string{"accounts.google.com", "ServiceLogin", "/signin"}

type antiForgeryToken struct {
	value      string
	capturedAt time.Time
}

// errAuthRejected is the internal signal that an authentication rejection
// was observed on this attempt. Execute converts it into a refresh-and-retry
// exactly once, then into ErrAuthentication.
var errAuthRejected = errors.New("authentication rejection observed")

// =============================================================================
// PROTOCOL SESSION
// =============================================================================

// Prompt is one outbound request to the web backend.
type Prompt struct {
	Text string

	// Language overrides the session default when non-empty. Must be BCP 47.
	Language string

	// FeaturePreference is the advisory model-preference level carried in
	// the envelope. A request, never a guarantee.
	FeaturePreference int

	// ConversationID pins the conversation identifier; a fresh one is
	// generated per request when empty.
	ConversationID string
}

// Session executes framed RPC calls against the web backend. It exclusively
// owns the cached anti-forgery token; credentials are read through the
// controller and never mutated here.
type Session struct {
	transport Transport
	creds     *credentials.Controller
	cfg       SessionConfig
	clock     credentials.Clock
	sleep     credentials.Sleeper
	limiter   *rate.Limiter

	mu  sync.Mutex
	tok *antiForgeryToken
}

// NewSession builds a session. clock and sleep may be nil for system time.
func NewSession(transport Transport, creds *credentials.Controller, cfg SessionConfig, clock credentials.Clock, sleep credentials.Sleeper) *Session {
	if clock == nil {
		clock = credentials.SystemClock()
	}
	if sleep == nil {
		sleep = credentials.SystemSleeper()
	}
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	}
	return &Session{
		transport: transport,
		creds:     creds,
		cfg:       cfg,
		clock:     clock,
		sleep:     sleep,
		limiter:   rate.NewLimiter(limit, 1),
	}
}

// Execute runs one request end to end: credentials read, token, envelope,
// transport call, framed parse. On an authentication rejection it refreshes
// credentials and retries the whole call exactly once; a second rejection is
// terminal for this attempt.
func (s *Session) Execute(ctx context.Context, p Prompt) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}

	// Initial call plus exactly one post-refresh retry. The bound lives in
	// this loop, not in a recursive call chain.
	const maxAttempts = 2
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		content, err := s.attempt(ctx, p)
		if err == nil {
			return content, nil
		}
		if !errors.Is(err, errAuthRejected) {
			return "", err
		}
		lastErr = err

		s.invalidateToken()
		s.creds.Invalidate()
		if attempt == maxAttempts {
			break
		}
		if _, rerr := s.creds.Refresh(ctx); rerr != nil {
			return "", rerr
		}
	}
	return "", fmt.Errorf("%w: %v", ErrAuthentication, lastErr)
}

// attempt performs a single request cycle without retry policy.
func (s *Session) attempt(ctx context.Context, p Prompt) (string, error) {
	set, err := s.creds.Read(ctx)
	if err != nil {
		return "", err
	}

	tok, err := s.ensureToken(ctx, set)
	if err != nil {
		return "", err
	}

	env := NewEnvelope(s.cfg.MethodID)
	if err := env.SetPrompt(p.Text); err != nil {
		return "", err
	}
	lang := p.Language
	if lang == "" {
		lang = s.cfg.Language
	}
	if err := env.SetLanguage(lang); err != nil {
		return "", err
	}
	conv := p.ConversationID
	if conv == "" {
		conv = "c_" + uuid.NewString()
	}
	if err := env.SetConversation(conv, "", ""); err != nil {
		return "", err
	}
	if err := env.SetFeaturePreference(p.FeaturePreference); err != nil {
		return "", err
	}
	encoded, err := env.Encode()
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("f.req", encoded)
	form.Set("at", tok)

	resp, err := s.transport.RoundTrip(ctx, Request{
		Method: http.MethodPost,
		URL:    s.cfg.BaseURL + s.cfg.RPCPath,
		Headers: map[string]string{
			"Content-Type":  "application/x-www-form-urlencoded;charset=UTF-8",
			"X-Same-Domain": "1",
			"Origin":        s.cfg.BaseURL,
			"User-Agent":    s.cfg.UserAgent,
		},
		Cookies: set.Cookies(),
		Body:    form.Encode(),
		Timeout: s.cfg.Timeout,
	})
	if err != nil {
		return "", err
	}

	switch {
	case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
		return "", fmt.Errorf("%w: status %d", errAuthRejected, resp.Status)
	case resp.Status >= 300 && resp.Status < 400 && isLoginSurface(resp.Header("Location")):
		return "", fmt.Errorf("%w: redirected to login surface", errAuthRejected)
	case resp.Status == http.StatusTooManyRequests:
		return "", &RateLimitedError{RetryAfter: retryAfterHint(resp)}
	case resp.Status != http.StatusOK:
		return "", &ViolationError{Frame: -1, Reason: fmt.Sprintf("unexpected status %d", resp.Status)}
	}

	frames, err := ParseFrames(resp.Body)
	if err != nil {
		return "", err
	}
	return CollectContent(frames), nil
}

// =============================================================================
// TOKEN LIFECYCLE
// =============================================================================

// ensureToken returns the cached token while it is inside its validity
// window, acquiring a fresh one otherwise.
func (s *Session) ensureToken(ctx context.Context, set credentials.Set) (string, error) {
	s.mu.Lock()
	if s.tok != nil && s.clock.Now().Sub(s.tok.capturedAt) < tokenValidity {
		v := s.tok.value
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	value, err := s.acquireToken(ctx, set)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.tok = &antiForgeryToken{value: value, capturedAt: s.clock.Now()}
	s.mu.Unlock()
	return value, nil
}

// invalidateToken drops the cached token after an authentication rejection.
func (s *Session) invalidateToken() {
	s.mu.Lock()
	s.tok = nil
	s.mu.Unlock()
}

// acquireToken fetches the landing resource and extracts the anti-forgery
// token from its known embedding site. Bounded local retry; a redirect to a
// login surface escalates immediately instead of burning the budget.
func (s *Session) acquireToken(ctx context.Context, set credentials.Set) (string, error) {
	var lastErr error
	for _, delay := range tokenRetryDelays {
		if delay > 0 {
			if err := s.sleep(ctx, delay); err != nil {
				return "", err
			}
		}

		resp, err := s.transport.RoundTrip(ctx, Request{
			Method: http.MethodGet,
			URL:    s.cfg.BaseURL + s.cfg.LandingPath,
			Headers: map[string]string{
				"User-Agent": s.cfg.UserAgent,
			},
			Cookies: set.Cookies(),
			Timeout: s.cfg.Timeout,
		})
		if err != nil {
			lastErr = err
			continue
		}

		if resp.Status >= 300 && resp.Status < 400 && isLoginSurface(resp.Header("Location")) {
			return "", fmt.Errorf("%w: landing redirected to login surface", errAuthRejected)
		}
		if resp.Status != http.StatusOK {
			lastErr = fmt.Errorf("landing fetch returned status %d", resp.Status)
			continue
		}

		m := tokenPattern.FindSubmatch(resp.Body)
		if m == nil {
			lastErr = errors.New("token not found at embedding site")
			continue
		}
		tok := string(m[1])
		if len(tok) < tokenMinLength || len(tok) > tokenMaxLength {
			lastErr = fmt.Errorf("extracted token length %d outside observed bounds", len(tok))
			continue
		}
		return tok, nil
	}
	return "", fmt.Errorf("%w: %w: %v", ErrTokenAcquisition, errAuthRejected, lastErr)
}

func isLoginSurface(location string) bool {
	for _, marker := range loginSurfaceMarkers {
		if strings.Contains(location, marker) {
			return true
		}
	}
	return false
}

// retryAfterHint parses the upstream Retry-After header, seconds form only.
func retryAfterHint(resp Response) time.Duration {
	v := resp.Header("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
