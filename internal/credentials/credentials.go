// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package credentials

import (
	"fmt"
	"time"
)

// =============================================================================
// CREDENTIAL SET
// =============================================================================

// Artifact is a single named session artifact (typically a cookie).
type Artifact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Set is an ordered collection of session artifacts captured from a browser
// session, plus the time they were harvested. Sets are value types: callers
// receive copies and never share backing storage with the controller.
type Set struct {
	Artifacts  []Artifact `json:"artifacts"`
	AcquiredAt time.Time  `json:"acquired_at"`
}

// RequiredArtifacts is the subset of artifact names that must be present and
// non-empty for a set to authenticate against the web backend.
var RequiredArtifacts = []string{"__Secure-1PSID", "__Secure-1PSIDTS"}

// Get returns the value of the named artifact and whether it is present.
func (s Set) Get(name string) (string, bool) {
	for _, a := range s.Artifacts {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Valid reports whether every required artifact is present and non-empty.
func (s Set) Valid() bool {
	for _, name := range RequiredArtifacts {
		v, ok := s.Get(name)
		if !ok || v == "" {
			return false
		}
	}
	return true
}

// Age returns how long ago the set was acquired, according to now.
func (s Set) Age(now time.Time) time.Duration {
	return now.Sub(s.AcquiredAt)
}

// Clone returns a deep copy. The controller hands clones to callers so a
// concurrent refresh can never mutate a set a caller is reading.
func (s Set) Clone() Set {
	out := Set{AcquiredAt: s.AcquiredAt}
	out.Artifacts = make([]Artifact, len(s.Artifacts))
	copy(out.Artifacts, s.Artifacts)
	return out
}

// Cookies flattens the set into name->value form for the transport layer.
// Order follows artifact order.
func (s Set) Cookies() []Artifact {
	return s.Clone().Artifacts
}

func (s Set) String() string {
	// Values are secrets; show names only.
	names := make([]string, 0, len(s.Artifacts))
	for _, a := range s.Artifacts {
		names = append(names, a.Name)
	}
	return fmt.Sprintf("credentials.Set{artifacts=%v, acquired=%s}", names, s.AcquiredAt.Format(time.RFC3339))
}
