// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tier

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CLASSIFIER CONFIGURATION
// =============================================================================

// configVersion is the schema version this build understands.
const configVersion = 1

// Weights are the per-signal vote weights. A signal that does not fire
// contributes nothing to the normalization denominator.
type Weights struct {
	Metadata       float64 `toml:"metadata"`
	MarkersPresent float64 `toml:"markers_present"`
	MarkersAbsent  float64 `toml:"markers_absent"`
	TokenDensity   float64 `toml:"token_density"`
	Reasoning      float64 `toml:"reasoning"`
	Latency        float64 `toml:"latency"`
}

// LatencyBands bound the latency signal. Latency at or above PremiumMinMillis
// votes premium; at or below StandardMaxMillis votes standard; anything in
// between is inconclusive and casts no vote.
type LatencyBands struct {
	StandardMaxMillis int64 `toml:"standard_max_millis"`
	PremiumMinMillis  int64 `toml:"premium_min_millis"`
}

// TokenDensity bounds the response-size signal.
type TokenDensity struct {
	PremiumMinTokens int `toml:"premium_min_tokens"`
}

// Config is the externalized classifier tuning. Versioned because marker
// lists and thresholds are observational and need revalidation whenever the
// upstream changes behavior.
type Config struct {
	Version             int     `toml:"version"`
	ConfidenceThreshold float64 `toml:"confidence_threshold"`

	// MetadataKey is the response-metadata field naming the serving model.
	MetadataKey string `toml:"metadata_key"`

	// Metadata values are matched by substring; a value matching exactly one
	// side is decisive, matching both or neither is ambiguous.
	PremiumMetadataHints  []string `toml:"premium_metadata_hints"`
	StandardMetadataHints []string `toml:"standard_metadata_hints"`

	// PremiumMarkers are content fragments only the premium variant has been
	// observed to emit.
	PremiumMarkers []string `toml:"premium_markers"`

	// ReasoningMarkers indicate structured multi-step reasoning.
	ReasoningMarkers []string `toml:"reasoning_markers"`

	Weights      Weights      `toml:"weights"`
	TokenDensity TokenDensity `toml:"token_density"`
	Latency      LatencyBands `toml:"latency"`
}

// DefaultConfig returns the currently validated tuning.
func DefaultConfig() Config {
	return Config{
		Version:             configVersion,
		ConfidenceThreshold: 0.7,
		MetadataKey:         "serving-model",

		PremiumMetadataHints:  []string{"pro", "ultra"},
		StandardMetadataHints: []string{"flash", "lite"},
		PremiumMarkers: []string{
			"Let me work through this",
			"There are a few subtleties",
			"\\boxed{",
		},
		ReasoningMarkers: []string{
			"Step 1",
			"First, ",
			"Therefore",
			"1. ",
		},
		Weights: Weights{
			Metadata:       1.0,
			MarkersPresent: 0.8,
			MarkersAbsent:  0.6,
			TokenDensity:   0.5,
			Reasoning:      0.7,
			Latency:        0.4,
		},
		TokenDensity: TokenDensity{PremiumMinTokens: 800},
		Latency: LatencyBands{
			StandardMaxMillis: 4000,
			PremiumMinMillis:  12000,
		},
	}
}

// Validate rejects configurations the classifier cannot score sanely with.
func (c Config) Validate() error {
	if c.Version != configVersion {
		return fmt.Errorf("config version %d, this build understands %d", c.Version, configVersion)
	}
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold %v outside (0,1]", c.ConfidenceThreshold)
	}
	for name, w := range map[string]float64{
		"metadata":        c.Weights.Metadata,
		"markers_present": c.Weights.MarkersPresent,
		"markers_absent":  c.Weights.MarkersAbsent,
		"token_density":   c.Weights.TokenDensity,
		"reasoning":       c.Weights.Reasoning,
		"latency":         c.Weights.Latency,
	} {
		if w < 0 {
			return fmt.Errorf("weight %s is negative", name)
		}
	}
	if c.Latency.PremiumMinMillis > 0 && c.Latency.StandardMaxMillis > c.Latency.PremiumMinMillis {
		return fmt.Errorf("latency bands overlap: standard_max %d > premium_min %d",
			c.Latency.StandardMaxMillis, c.Latency.PremiumMinMillis)
	}
	return nil
}

// LoadConfig reads a TOML tuning file. Fields absent from the file keep their
// default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load classifier config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid classifier config %s: %w", path, err)
	}
	return cfg, nil
}
