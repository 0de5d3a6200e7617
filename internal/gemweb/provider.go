// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gemweb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/gemweb/internal/credentials"
	"github.com/jeranaias/gemweb/internal/protocol"
	"github.com/jeranaias/gemweb/internal/router"
	"github.com/jeranaias/gemweb/internal/tier"
)

// ProviderName identifies this provider in routing outcomes and telemetry.
const ProviderName = "gemini-web"

// Executor is the protocol surface the provider drives. Satisfied by
// *protocol.Session.
type Executor interface {
	Execute(ctx context.Context, p protocol.Prompt) (string, error)
}

// Provider serves completions through the web backend.
type Provider struct {
	session    Executor
	creds      *credentials.Controller
	classifier *tier.Classifier
}

// NewProvider wires a protocol session, its credential controller, and a
// tier classifier into a routable provider.
func NewProvider(session Executor, creds *credentials.Controller, classifier *tier.Classifier) *Provider {
	return &Provider{session: session, creds: creds, classifier: classifier}
}

// Name implements router.Provider.
func (p *Provider) Name() string { return ProviderName }

// CircuitOpen implements router.Provider by reporting the credential
// controller's circuit. An open credential circuit means every call would
// fail fast, so the router should not even try.
func (p *Provider) CircuitOpen() bool { return p.creds.CircuitOpen() }

// Complete implements router.Provider.
func (p *Provider) Complete(ctx context.Context, intent router.CompletionIntent) (router.CompletionResult, error) {
	prompt, err := FlattenMessages(intent.Messages)
	if err != nil {
		return router.CompletionResult{}, p.fail(router.FailureTransient, err)
	}

	start := time.Now()
	content, err := p.session.Execute(ctx, protocol.Prompt{
		Text:              prompt,
		FeaturePreference: featurePreference(intent.MinTier),
	})
	latency := time.Since(start)
	if err != nil {
		return router.CompletionResult{}, p.fail(failureKind(err), err)
	}

	res := p.classifier.Classify(content, tier.Signals{Latency: latency})
	return router.CompletionResult{
		ProviderName: ProviderName,
		ActualModel:  fmt.Sprintf("%s/%s", ProviderName, res.Tier),
		Tier:         res.Tier,
		Confidence:   res.Confidence,
		Content:      content,
		Latency:      latency,
	}, nil
}

// featurePreference maps the intent's minimum tier onto the advisory
// envelope slot. The server is free to ignore it; enforcement happens on the
// classification side, never here.
func featurePreference(min tier.Tier) int {
	if min >= tier.TierPremium {
		return 1
	}
	return 0
}

// failureKind maps protocol-layer errors onto the router's closed kind set.
func failureKind(err error) router.FailureKind {
	var (
		circuitOpen *credentials.CircuitOpenError
		rateLimited *protocol.RateLimitedError
		violation   *protocol.ViolationError
	)
	switch {
	case errors.As(err, &circuitOpen):
		return router.FailureCircuitOpen
	case errors.As(err, &rateLimited):
		return router.FailureRateLimited
	case errors.As(err, &violation):
		return router.FailureProtocol
	case errors.Is(err, protocol.ErrAuthentication):
		return router.FailureAuth
	default:
		return router.FailureTransient
	}
}

func (p *Provider) fail(kind router.FailureKind, err error) error {
	return &router.ProviderError{Provider: ProviderName, Kind: kind, Err: err}
}
