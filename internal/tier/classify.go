// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tier

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// MULTI-FACTOR CLASSIFICATION
// =============================================================================

// Signals are the out-of-band observations accompanying a response.
type Signals struct {
	// Metadata is whatever structured response metadata the transport
	// surfaced. May be nil.
	Metadata map[string]string

	// Latency is the wall time of the upstream call. Zero means unknown.
	Latency time.Duration
}

// Evidence records one firing signal and its vote.
type Evidence struct {
	Signal string
	Tier   Tier
	Weight float64
	Detail string
}

// Result is one classification decision. Immutable once produced.
type Result struct {
	Tier       Tier
	Confidence float64
	Evidence   []Evidence
}

// Classifier scores responses against its current configuration. Safe for
// concurrent use; configuration swaps atomically under the lock.
type Classifier struct {
	mu  sync.RWMutex
	cfg Config
}

// NewClassifier builds a classifier. The configuration must already be
// validated.
func NewClassifier(cfg Config) *Classifier {
	return &Classifier{cfg: cfg}
}

// Config returns a snapshot of the active configuration.
func (c *Classifier) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// SetConfig swaps the active configuration. Invalid configurations are
// rejected and the previous tuning stays in force.
func (c *Classifier) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	return nil
}

// Classify scores one response. Deterministic for a fixed configuration.
//
// An unambiguous metadata statement of the serving model is decisive: it
// overrides weaker conflicting signals and is returned with full confidence.
// Otherwise each firing signal votes for a tier with its configured weight,
// votes are normalized by the total weight observed, and the winning share
// must meet the confidence threshold; below threshold the conservative tier
// is returned carrying its own share. No firing signals at all yields the
// conservative tier with confidence 0.
func (c *Classifier) Classify(content string, sig Signals) Result {
	cfg := c.Config()

	if v, ok := sig.Metadata[cfg.MetadataKey]; ok && v != "" {
		if t, decisive := metadataTier(cfg, v); decisive {
			return Result{
				Tier:       t,
				Confidence: 1.0,
				Evidence: []Evidence{{
					Signal: "metadata",
					Tier:   t,
					Weight: cfg.Weights.Metadata,
					Detail: v,
				}},
			}
		}
	}

	var ev []Evidence

	if marker := firstMatch(content, cfg.PremiumMarkers); marker != "" {
		ev = append(ev, Evidence{
			Signal: "markers",
			Tier:   TierPremium,
			Weight: cfg.Weights.MarkersPresent,
			Detail: marker,
		})
	} else if content != "" {
		ev = append(ev, Evidence{
			Signal: "markers",
			Tier:   TierStandard,
			Weight: cfg.Weights.MarkersAbsent,
			Detail: "no premium markers",
		})
	}

	if min := cfg.TokenDensity.PremiumMinTokens; min > 0 {
		if n := approxTokens(content); n >= min {
			ev = append(ev, Evidence{
				Signal: "token-density",
				Tier:   TierPremium,
				Weight: cfg.Weights.TokenDensity,
				Detail: fmt.Sprintf("~%d tokens", n),
			})
		}
	}

	if marker := firstMatch(content, cfg.ReasoningMarkers); marker != "" {
		ev = append(ev, Evidence{
			Signal: "reasoning",
			Tier:   TierPremium,
			Weight: cfg.Weights.Reasoning,
			Detail: marker,
		})
	}

	if sig.Latency > 0 {
		ms := sig.Latency.Milliseconds()
		switch {
		case cfg.Latency.PremiumMinMillis > 0 && ms >= cfg.Latency.PremiumMinMillis:
			ev = append(ev, Evidence{
				Signal: "latency",
				Tier:   TierPremium,
				Weight: cfg.Weights.Latency,
				Detail: fmt.Sprintf("%dms", ms),
			})
		case cfg.Latency.StandardMaxMillis > 0 && ms <= cfg.Latency.StandardMaxMillis:
			ev = append(ev, Evidence{
				Signal: "latency",
				Tier:   TierStandard,
				Weight: cfg.Weights.Latency,
				Detail: fmt.Sprintf("%dms", ms),
			})
		}
	}

	if len(ev) == 0 {
		return Result{Tier: Conservative, Confidence: 0.0}
	}

	var total float64
	votes := map[Tier]float64{}
	for _, e := range ev {
		votes[e.Tier] += e.Weight
		total += e.Weight
	}

	winner := Conservative
	best := votes[Conservative]
	if votes[TierPremium] > best {
		winner, best = TierPremium, votes[TierPremium]
	}

	share := best / total
	if share >= cfg.ConfidenceThreshold {
		return Result{Tier: winner, Confidence: share, Evidence: ev}
	}
	return Result{Tier: Conservative, Confidence: votes[Conservative] / total, Evidence: ev}
}

// metadataTier matches a metadata value against the hint lists. Decisive only
// when exactly one side matches.
func metadataTier(cfg Config, value string) (Tier, bool) {
	v := strings.ToLower(value)
	premium := firstMatch(v, cfg.PremiumMetadataHints) != ""
	standard := firstMatch(v, cfg.StandardMetadataHints) != ""
	switch {
	case premium && !standard:
		return TierPremium, true
	case standard && !premium:
		return TierStandard, true
	default:
		return TierAny, false
	}
}

func firstMatch(content string, markers []string) string {
	for _, m := range markers {
		if m != "" && strings.Contains(content, m) {
			return m
		}
	}
	return ""
}

// approxTokens estimates the token count of content. The upstream tokenizer
// is unavailable; whitespace word count is close enough for a threshold
// signal.
func approxTokens(content string) int {
	return len(strings.Fields(content))
}
