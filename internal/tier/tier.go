// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tier

import "fmt"

// =============================================================================
// TIER ENUM
// =============================================================================

// Tier identifies a backend capability class. Ordering is meaningful:
// a higher tier satisfies any lower minimum.
type Tier int

const (
	// TierAny accepts whatever variant answered.
	TierAny Tier = iota

	// TierStandard is the fast, lower-capability variant.
	TierStandard

	// TierPremium is the high-capability variant.
	TierPremium
)

// Conservative is the tier reported when the evidence is weak or absent.
// Claiming premium on thin evidence would let an under-served response
// through minimum-tier enforcement, so ties break downward.
const Conservative = TierStandard

func (t Tier) String() string {
	switch t {
	case TierAny:
		return "any"
	case TierStandard:
		return "standard"
	case TierPremium:
		return "premium"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier parses the configuration spelling of a tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "any":
		return TierAny, nil
	case "standard":
		return TierStandard, nil
	case "premium":
		return TierPremium, nil
	default:
		return TierAny, fmt.Errorf("unknown tier %q", s)
	}
}

// Meets reports whether t satisfies the given minimum.
func (t Tier) Meets(min Tier) bool { return t >= min }
