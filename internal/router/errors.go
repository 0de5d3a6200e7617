// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"fmt"
	"strings"
)

// ============================================================================
// TYPED PROVIDER FAILURES
// ============================================================================

// FailureKind is the closed set of provider failure categories. Each kind
// carries its routing disposition as data so call sites switch exhaustively
// instead of inspecting boolean flags on an open hierarchy.
type FailureKind int

const (
	// FailureAuth: the provider could not authenticate after its own
	// recovery budget. Another provider may still serve the call.
	FailureAuth FailureKind = iota

	// FailureRateLimited: the provider is throttling. Try elsewhere now.
	FailureRateLimited

	// FailureProtocol: structural drift in the provider's wire format.
	// Fatal for this provider; retrying it cannot help until code changes.
	FailureProtocol

	// FailureCircuitOpen: the provider reported open mid-call.
	FailureCircuitOpen

	// FailureTransient: network-level trouble with no better category.
	FailureTransient
)

func (k FailureKind) String() string {
	switch k {
	case FailureAuth:
		return "auth"
	case FailureRateLimited:
		return "rate-limited"
	case FailureProtocol:
		return "protocol"
	case FailureCircuitOpen:
		return "circuit-open"
	case FailureTransient:
		return "transient"
	default:
		return fmt.Sprintf("failure(%d)", int(k))
	}
}

// Disposition is what the router does with a failed provider for the
// remainder of one routing call.
type Disposition int

const (
	// RetryElsewhere: move on to the next provider; this one may be tried
	// again on a later routing call.
	RetryElsewhere Disposition = iota

	// ProviderFatal: move on, and do not touch this provider again within
	// this routing call even if it reappears in the priority order.
	ProviderFatal
)

// Disposition maps each failure kind to its routing policy. Exhaustive over
// the closed kind set; an unknown kind is treated as fatal rather than
// silently retried.
func (k FailureKind) Disposition() Disposition {
	switch k {
	case FailureAuth, FailureRateLimited, FailureCircuitOpen, FailureTransient:
		return RetryElsewhere
	case FailureProtocol:
		return ProviderFatal
	default:
		return ProviderFatal
	}
}

// ProviderError is the typed failure a provider returns from Complete.
type ProviderError struct {
	Provider string
	Kind     FailureKind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ExhaustedError reports that no provider produced a sufficient result. It
// carries the ordered per-provider outcomes so callers see exactly what was
// tried, skipped, and why, never a raw transport error.
type ExhaustedError struct {
	Outcomes []AttemptOutcome
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	b.WriteString("all providers exhausted: ")
	for i, o := range e.Outcomes {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(o.String())
	}
	return b.String()
}
