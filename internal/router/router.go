// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"context"
	"errors"
	"log"

	"github.com/jeranaias/gemweb/internal/tier"
)

// ============================================================================
// PROVIDER CONTRACT
// ============================================================================

// Provider is one upstream capable of serving completions.
type Provider interface {
	// Name identifies the provider in outcomes and logs.
	Name() string

	// CircuitOpen reports whether calls would currently fail fast. Queried
	// before every attempt so an open provider is skipped without a call.
	CircuitOpen() bool

	// Complete serves one intent. Failures must be *ProviderError so the
	// router can dispatch on the kind.
	Complete(ctx context.Context, intent CompletionIntent) (CompletionResult, error)
}

// Recorder receives one record per provider outcome, success or not.
// Implementations must not block the routing path.
type Recorder interface {
	RecordAttempt(ctx context.Context, rec AttemptRecord)
}

// AttemptRecord is the telemetry view of one provider outcome.
type AttemptRecord struct {
	Provider     string
	LogicalModel string
	MinTier      tier.Tier
	DetectedTier tier.Tier
	Confidence   float64
	Outcome      string
	Detail       string
	LatencyMs    int64
}

// ============================================================================
// ROUTER
// ============================================================================

// Router tries providers in priority order until one produces a result of
// sufficient tier.
type Router struct {
	providers []Provider
	recorder  Recorder
}

// New builds a router over the given priority-ordered providers. recorder
// may be nil.
func New(recorder Recorder, providers ...Provider) *Router {
	return &Router{providers: providers, recorder: recorder}
}

// Route serves one intent. It returns the first sufficient result, or an
// *ExhaustedError enumerating every per-provider outcome in order. No
// provider is attempted twice within one call.
func (r *Router) Route(ctx context.Context, intent CompletionIntent) (CompletionResult, error) {
	outcomes := make([]AttemptOutcome, 0, len(r.providers))
	disabled := map[string]bool{}

	for _, p := range r.providers {
		if err := ctx.Err(); err != nil {
			return CompletionResult{}, err
		}
		if disabled[p.Name()] {
			continue
		}

		if p.CircuitOpen() {
			log.Printf("ROUTE: provider=%s skipped, circuit open", p.Name())
			outcomes = append(outcomes, AttemptOutcome{Provider: p.Name(), Skipped: true})
			r.record(ctx, AttemptRecord{
				Provider:     p.Name(),
				LogicalModel: intent.LogicalModel,
				MinTier:      intent.MinTier,
				Outcome:      "skipped",
				Detail:       "circuit open",
			})
			continue
		}

		res, err := p.Complete(ctx, intent)
		if err != nil {
			outcome := AttemptOutcome{Provider: p.Name(), Err: err}
			outcomes = append(outcomes, outcome)

			kind := classifyFailure(err)
			log.Printf("ROUTE: provider=%s failed kind=%s: %v", p.Name(), kind, err)
			r.record(ctx, AttemptRecord{
				Provider:     p.Name(),
				LogicalModel: intent.LogicalModel,
				MinTier:      intent.MinTier,
				Outcome:      "error",
				Detail:       kind.String(),
			})

			switch kind.Disposition() {
			case RetryElsewhere:
				// The provider stays eligible for future routing calls.
			case ProviderFatal:
				disabled[p.Name()] = true
			}
			continue
		}

		if !res.Tier.Meets(intent.MinTier) {
			log.Printf("ROUTE: provider=%s tier drift: detected=%s confidence=%.2f min=%s",
				p.Name(), res.Tier, res.Confidence, intent.MinTier)
			outcomes = append(outcomes, AttemptOutcome{
				Provider:         p.Name(),
				InsufficientTier: true,
				DetectedTier:     res.Tier,
				Confidence:       res.Confidence,
			})
			r.record(ctx, AttemptRecord{
				Provider:     p.Name(),
				LogicalModel: intent.LogicalModel,
				MinTier:      intent.MinTier,
				DetectedTier: res.Tier,
				Confidence:   res.Confidence,
				Outcome:      "insufficient-tier",
				LatencyMs:    res.Latency.Milliseconds(),
			})
			continue
		}

		r.record(ctx, AttemptRecord{
			Provider:     p.Name(),
			LogicalModel: intent.LogicalModel,
			MinTier:      intent.MinTier,
			DetectedTier: res.Tier,
			Confidence:   res.Confidence,
			Outcome:      "success",
			LatencyMs:    res.Latency.Milliseconds(),
		})
		return res, nil
	}

	return CompletionResult{}, &ExhaustedError{Outcomes: outcomes}
}

// Providers returns the priority-ordered provider names.
func (r *Router) Providers() []string {
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name()
	}
	return names
}

// MinTierFor derives the minimum acceptable tier from a logical model name.
// Unrecognized names accept any tier.
func MinTierFor(logicalModel string) tier.Tier {
	if t, err := tier.ParseTier(logicalModel); err == nil {
		return t
	}
	return tier.TierAny
}

func (r *Router) record(ctx context.Context, rec AttemptRecord) {
	if r.recorder != nil {
		r.recorder.RecordAttempt(ctx, rec)
	}
}

// classifyFailure extracts the typed kind from a provider error. Providers
// are contractually required to return *ProviderError; anything else is
// treated as transient so a misbehaving provider cannot poison routing.
func classifyFailure(err error) FailureKind {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return FailureTransient
}
