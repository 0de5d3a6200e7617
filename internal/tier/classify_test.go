// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tier

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataIsDecisive(t *testing.T) {
	c := NewClassifier(DefaultConfig())

	// Short, fast, marker-free content would otherwise vote standard; the
	// explicit serving-model statement overrides all of it.
	res := c.Classify("Paris.", Signals{
		Metadata: map[string]string{"serving-model": "gemini-2.5-pro"},
		Latency:  800 * time.Millisecond,
	})

	assert.Equal(t, TierPremium, res.Tier)
	assert.Equal(t, 1.0, res.Confidence)
	require.Len(t, res.Evidence, 1)
	assert.Equal(t, "metadata", res.Evidence[0].Signal)
}

func TestMetadataStandardVariant(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	res := c.Classify("a long and winding answer", Signals{
		Metadata: map[string]string{"serving-model": "gemini-2.5-flash"},
	})
	assert.Equal(t, TierStandard, res.Tier)
	assert.Equal(t, 1.0, res.Confidence)
}

func TestMetadataAmbiguousFallsToVotes(t *testing.T) {
	c := NewClassifier(DefaultConfig())

	// Matches both hint lists, so it is not decisive and the content votes.
	res := c.Classify("Paris.", Signals{
		Metadata: map[string]string{"serving-model": "pro-flash-hybrid"},
		Latency:  time.Second,
	})

	assert.Equal(t, TierStandard, res.Tier)
	for _, e := range res.Evidence {
		assert.NotEqual(t, "metadata", e.Signal)
	}
}

func TestNoSignalsReturnsConservativeZero(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	res := c.Classify("", Signals{})
	assert.Equal(t, Conservative, res.Tier)
	assert.Equal(t, 0.0, res.Confidence)
	assert.Empty(t, res.Evidence)
}

func TestUnanimousPremiumSignals(t *testing.T) {
	c := NewClassifier(DefaultConfig())

	content := "Let me work through this. Step 1: " + strings.Repeat("word ", 900)
	res := c.Classify(content, Signals{Latency: 15 * time.Second})

	assert.Equal(t, TierPremium, res.Tier)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Len(t, res.Evidence, 4)
}

func TestShortFastResponseVotesStandard(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	res := c.Classify("It is Paris.", Signals{Latency: time.Second})
	assert.Equal(t, TierStandard, res.Tier)
	assert.Equal(t, 1.0, res.Confidence)
}

func TestConflictingSignalsBelowThresholdGoConservative(t *testing.T) {
	c := NewClassifier(DefaultConfig())

	// Premium marker (0.8) against a fast-latency standard vote (0.4):
	// premium's share is 0.8/1.2 ~ 0.67, below the 0.7 threshold, so the
	// conservative tier is returned carrying its own share.
	res := c.Classify("There are a few subtleties here.", Signals{Latency: time.Second})

	assert.Equal(t, Conservative, res.Tier)
	assert.InDelta(t, 0.4/1.2, res.Confidence, 1e-9)
}

func TestConfidenceAlwaysInUnitInterval(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	inputs := []struct {
		content string
		sig     Signals
	}{
		{"", Signals{}},
		{"short", Signals{Latency: time.Second}},
		{strings.Repeat("dense ", 2000), Signals{Latency: 20 * time.Second}},
		{"Step 1: think. Therefore:", Signals{Metadata: map[string]string{"serving-model": "unknown-model"}}},
		{"plain", Signals{Latency: 8 * time.Second}}, // between the bands, no latency vote
	}
	for _, in := range inputs {
		res := c.Classify(in.content, in.sig)
		assert.GreaterOrEqual(t, res.Confidence, 0.0)
		assert.LessOrEqual(t, res.Confidence, 1.0)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	content := "Therefore the answer follows. " + strings.Repeat("x ", 100)
	sig := Signals{Latency: 3 * time.Second}
	first := c.Classify(content, sig)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, c.Classify(content, sig))
	}
}

func TestSetConfigRejectsInvalid(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	bad := DefaultConfig()
	bad.ConfidenceThreshold = 1.5
	require.Error(t, c.SetConfig(bad))
	assert.Equal(t, DefaultConfig().ConfidenceThreshold, c.Config().ConfidenceThreshold)
}

func TestTierOrderingAndParsing(t *testing.T) {
	assert.True(t, TierPremium.Meets(TierStandard))
	assert.True(t, TierPremium.Meets(TierAny))
	assert.False(t, TierStandard.Meets(TierPremium))
	assert.True(t, TierStandard.Meets(TierAny))

	for _, name := range []string{"any", "standard", "premium"} {
		parsed, err := ParseTier(name)
		require.NoError(t, err)
		assert.Equal(t, name, parsed.String())
	}
	_, err := ParseTier("ultra")
	assert.Error(t, err)
}
