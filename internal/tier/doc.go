// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tier classifies which backend variant served a response.
//
// The upstream does not reliably disclose the serving model, so the
// classifier scores observable signals instead: explicit response metadata,
// known content markers, token density, reasoning structure, and latency.
// Each firing signal votes for a tier with a fixed weight; votes are
// normalized into a confidence score in [0,1]. Thresholds and marker lists
// live in versioned configuration, not code, because they drift as the
// upstream evolves and need periodic revalidation.
package tier
