// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package official

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jeranaias/gemweb/internal/router"
	"github.com/jeranaias/gemweb/internal/tier"
)

// ProviderName identifies this provider in routing outcomes and telemetry.
const ProviderName = "gemini-official"

// Provider adapts the official-API session into a routable provider.
type Provider struct {
	session    *Session
	classifier *tier.Classifier

	// DefaultModel serves intents whose logical model does not name an
	// upstream model directly.
	DefaultModel string
}

// NewProvider wires a session and classifier into a routable provider.
func NewProvider(session *Session, classifier *tier.Classifier, defaultModel string) *Provider {
	if defaultModel == "" {
		defaultModel = "gemini-2.5-flash"
	}
	return &Provider{session: session, classifier: classifier, DefaultModel: defaultModel}
}

// Name implements router.Provider.
func (p *Provider) Name() string { return ProviderName }

// CircuitOpen implements router.Provider via the session's cooldown breaker.
func (p *Provider) CircuitOpen() bool { return p.session.CircuitOpen() }

// Complete implements router.Provider.
func (p *Provider) Complete(ctx context.Context, intent router.CompletionIntent) (router.CompletionResult, error) {
	system, chat, err := splitMessages(intent.Messages)
	if err != nil {
		return router.CompletionResult{}, p.fail(router.FailureTransient, err)
	}

	model := p.resolveModel(intent.LogicalModel)
	start := time.Now()
	content, err := p.session.GenerateChat(ctx, model, chat, system, GenerationParams{
		Temperature:      intent.Sampling.Temperature,
		TopP:             intent.Sampling.TopP,
		MaxTokens:        intent.Sampling.MaxTokens,
		Stop:             intent.Sampling.Stop,
		PresencePenalty:  intent.Sampling.PresencePenalty,
		FrequencyPenalty: intent.Sampling.FrequencyPenalty,
	})
	latency := time.Since(start)
	if err != nil {
		return router.CompletionResult{}, p.fail(failureKind(err), err)
	}

	// This upstream discloses the serving model, so classification runs with
	// decisive metadata instead of guessing from content.
	res := p.classifier.Classify(content, tier.Signals{
		Metadata: map[string]string{p.classifier.Config().MetadataKey: model},
		Latency:  latency,
	})
	return router.CompletionResult{
		ProviderName: ProviderName,
		ActualModel:  model,
		Tier:         res.Tier,
		Confidence:   res.Confidence,
		Content:      content,
		Latency:      latency,
	}, nil
}

// resolveModel maps the caller-facing logical model to an upstream model
// name. Only names this upstream actually serves pass through.
func (p *Provider) resolveModel(logical string) string {
	if strings.HasPrefix(logical, "gemini-") {
		return logical
	}
	return p.DefaultModel
}

// splitMessages separates system turns from the chat history, mirroring the
// upstream contract: system text travels as a single instruction, everything
// else as role-tagged turns, and at least one non-empty user turn must exist.
func splitMessages(messages []router.Message) (string, []Message, error) {
	var systemParts []string
	var chat []Message
	hasUser := false
	for _, m := range messages {
		switch m.Role {
		case "system":
			if m.Content != "" {
				systemParts = append(systemParts, m.Content)
			}
		case "user", "assistant":
			if m.Role == "user" && m.Content != "" {
				hasUser = true
			}
			chat = append(chat, Message{Role: m.Role, Content: m.Content})
		default:
			return "", nil, errors.New("unsupported message role " + m.Role)
		}
	}
	if !hasUser {
		return "", nil, errors.New("no user message provided")
	}
	return strings.Join(systemParts, "\n\n"), chat, nil
}

func failureKind(err error) router.FailureKind {
	var (
		breakerOpen *BreakerOpenError
		rateLimited *RateLimitedError
	)
	switch {
	case errors.As(err, &breakerOpen):
		return router.FailureCircuitOpen
	case errors.As(err, &rateLimited):
		return router.FailureRateLimited
	case errors.Is(err, ErrAuthentication) || errors.Is(err, ErrMissingAPIKey):
		return router.FailureAuth
	case errors.Is(err, ErrUpstreamProtocol):
		return router.FailureProtocol
	default:
		return router.FailureTransient
	}
}

func (p *Provider) fail(kind router.FailureKind, err error) error {
	return &router.ProviderError{Provider: ProviderName, Kind: kind, Err: err}
}
