// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package router selects among upstream providers for each completion.
//
// Providers are tried in a fixed priority order. A provider whose circuit
// reports open is skipped without a call; a result whose detected tier falls
// below the intent's minimum is discarded and the next provider is tried;
// typed failures carry their own routing disposition as data. A provider is
// never retried within one routing call.
package router

import (
	"time"

	"github.com/jeranaias/gemweb/internal/tier"
)

// ============================================================================
// INTENT / RESULT CONTRACTS
// ============================================================================

// Message is one turn of the inbound conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SamplingParams are the caller's sampling knobs. Pointers distinguish
// "absent" from "zero"; absent fields mean provider default. Providers whose
// upstream exposes no sampling surface ignore them.
type SamplingParams struct {
	Temperature      *float64
	TopP             *float64
	MaxTokens        *int
	Stop             []string
	PresencePenalty  *float64
	FrequencyPenalty *float64
}

// CompletionIntent is one routing request. Created per inbound call and
// passed unchanged to every provider attempted.
type CompletionIntent struct {
	// LogicalModel is the caller-facing model name, resolved by each
	// provider into whatever it actually serves.
	LogicalModel string

	// MinTier is the lowest acceptable serving tier. Results detected below
	// it are discarded, not returned.
	MinTier tier.Tier

	Messages []Message
	Sampling SamplingParams
}

// CompletionResult is one provider's answer. Created once per attempt;
// discarded when the detected tier is insufficient.
type CompletionResult struct {
	ProviderName string
	ActualModel  string
	Tier         tier.Tier
	Confidence   float64
	Content      string
	Latency      time.Duration
}

// AttemptOutcome records what happened with one provider during a routing
// call. The ordered outcome list is the routing call's audit trail and rides
// on ExhaustedError when nothing succeeds.
type AttemptOutcome struct {
	Provider string

	// Skipped means the provider's circuit reported open and no call was
	// made.
	Skipped bool

	// InsufficientTier means the provider answered below MinTier; the
	// detected tier is recorded as drift evidence.
	InsufficientTier bool
	DetectedTier     tier.Tier
	Confidence       float64

	// Err is the typed failure for attempted-and-failed outcomes, nil
	// otherwise.
	Err error
}

func (o AttemptOutcome) String() string {
	switch {
	case o.Skipped:
		return o.Provider + ": skipped (circuit open)"
	case o.InsufficientTier:
		return o.Provider + ": insufficient tier " + o.DetectedTier.String()
	case o.Err != nil:
		return o.Provider + ": " + o.Err.Error()
	default:
		return o.Provider + ": ok"
	}
}
