// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package official

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jeranaias/gemweb/internal/router"
	"github.com/jeranaias/gemweb/internal/tier"
)

func TestProviderCompleteClassifiesByModelMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, candidateBody("the answer"))
	}))
	defer srv.Close()

	s, _ := testSession(t, srv.URL, newFakeClock())
	p := NewProvider(s, tier.NewClassifier(tier.DefaultConfig()), "gemini-2.5-flash")

	res, err := p.Complete(context.Background(), router.CompletionIntent{
		LogicalModel: "gemweb",
		MinTier:      tier.TierAny,
		Messages:     []router.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.ProviderName != ProviderName {
		t.Errorf("ProviderName = %q", res.ProviderName)
	}
	if res.ActualModel != "gemini-2.5-flash" {
		t.Errorf("ActualModel = %q", res.ActualModel)
	}
	// The serving model is disclosed, so the metadata signal decides.
	if res.Tier != tier.TierStandard || res.Confidence != 1.0 {
		t.Errorf("tier = %s confidence = %v, want standard at 1.0", res.Tier, res.Confidence)
	}
}

// TestProviderForwardsSamplingParams pins the client's sampling knobs all
// the way into the upstream generationConfig; absent knobs stay absent.
func TestProviderForwardsSamplingParams(t *testing.T) {
	var captured []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		io.WriteString(w, candidateBody("ok"))
	}))
	defer srv.Close()

	s, _ := testSession(t, srv.URL, newFakeClock())
	p := NewProvider(s, tier.NewClassifier(tier.DefaultConfig()), "gemini-2.5-flash")

	temp, topP, maxTokens := 0.9, 0.5, 16
	_, err := p.Complete(context.Background(), router.CompletionIntent{
		LogicalModel: "auto",
		MinTier:      tier.TierAny,
		Messages:     []router.Message{{Role: "user", Content: "hi"}},
		Sampling: router.SamplingParams{
			Temperature: &temp,
			TopP:        &topP,
			MaxTokens:   &maxTokens,
			Stop:        []string{"END"},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var body struct {
		GenerationConfig *struct {
			Temperature     *float64 `json:"temperature"`
			TopP            *float64 `json:"topP"`
			MaxOutputTokens *int     `json:"maxOutputTokens"`
			StopSequences   []string `json:"stopSequences"`
			PresencePenalty *float64 `json:"presencePenalty"`
		} `json:"generationConfig"`
	}
	if err := json.Unmarshal(captured, &body); err != nil {
		t.Fatalf("unmarshal upstream body: %v", err)
	}
	gc := body.GenerationConfig
	if gc == nil {
		t.Fatalf("generationConfig missing from upstream body: %s", captured)
	}
	if gc.Temperature == nil || *gc.Temperature != 0.9 {
		t.Errorf("temperature = %v, want 0.9", gc.Temperature)
	}
	if gc.TopP == nil || *gc.TopP != 0.5 {
		t.Errorf("topP = %v, want 0.5", gc.TopP)
	}
	if gc.MaxOutputTokens == nil || *gc.MaxOutputTokens != 16 {
		t.Errorf("maxOutputTokens = %v, want 16", gc.MaxOutputTokens)
	}
	if len(gc.StopSequences) != 1 || gc.StopSequences[0] != "END" {
		t.Errorf("stopSequences = %v", gc.StopSequences)
	}
	if gc.PresencePenalty != nil {
		t.Errorf("presencePenalty = %v, want absent", *gc.PresencePenalty)
	}
}

// TestProviderOmitsGenerationConfigWhenUnset guards against sending an empty
// generationConfig object for requests with no sampling knobs.
func TestProviderOmitsGenerationConfigWhenUnset(t *testing.T) {
	var captured []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		io.WriteString(w, candidateBody("ok"))
	}))
	defer srv.Close()

	s, _ := testSession(t, srv.URL, newFakeClock())
	p := NewProvider(s, tier.NewClassifier(tier.DefaultConfig()), "gemini-2.5-flash")

	if _, err := p.Complete(context.Background(), router.CompletionIntent{
		Messages: []router.Message{{Role: "user", Content: "hi"}},
	}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(captured, &body); err != nil {
		t.Fatalf("unmarshal upstream body: %v", err)
	}
	if _, ok := body["generationConfig"]; ok {
		t.Errorf("generationConfig present for a request without sampling knobs: %s", captured)
	}
}

func TestProviderResolvesLogicalModel(t *testing.T) {
	p := NewProvider(nil, nil, "gemini-2.5-flash")
	if got := p.resolveModel("gemini-2.5-pro"); got != "gemini-2.5-pro" {
		t.Errorf("resolveModel passthrough = %q", got)
	}
	if got := p.resolveModel("gemweb-premium"); got != "gemini-2.5-flash" {
		t.Errorf("resolveModel fallback = %q", got)
	}
}

func TestProviderFailureKinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want router.FailureKind
	}{
		{"auth", ErrAuthentication, router.FailureAuth},
		{"missing key", ErrMissingAPIKey, router.FailureAuth},
		{"rate limited", &RateLimitedError{RetryAfter: time.Second}, router.FailureRateLimited},
		{"breaker open", &BreakerOpenError{RetryAfter: time.Second}, router.FailureCircuitOpen},
		{"protocol", ErrUpstreamProtocol, router.FailureProtocol},
		{"unavailable", ErrUpstreamUnavailable, router.FailureTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := failureKind(tc.err); got != tc.want {
				t.Errorf("failureKind = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestSplitMessages(t *testing.T) {
	system, chat, err := splitMessages([]router.Message{
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "user", Content: "bye"},
	})
	if err != nil {
		t.Fatalf("splitMessages: %v", err)
	}
	if system != "Be brief." {
		t.Errorf("system = %q", system)
	}
	if len(chat) != 3 {
		t.Errorf("%d chat turns, want 3", len(chat))
	}

	if _, _, err := splitMessages([]router.Message{{Role: "system", Content: "x"}}); err == nil {
		t.Error("accepted intent without a user message")
	}
	if _, _, err := splitMessages([]router.Message{{Role: "tool", Content: "x"}}); err == nil {
		t.Error("accepted unsupported role")
	}
}

func TestProviderCompleteWrapsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s, _ := testSession(t, srv.URL, newFakeClock())
	p := NewProvider(s, tier.NewClassifier(tier.DefaultConfig()), "")

	_, err := p.Complete(context.Background(), router.CompletionIntent{
		Messages: []router.Message{{Role: "user", Content: "hi"}},
	})
	var perr *router.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want *router.ProviderError", err)
	}
	if perr.Kind != router.FailureAuth {
		t.Errorf("kind = %s, want auth", perr.Kind)
	}
}
