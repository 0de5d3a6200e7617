// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package credentials manages the session artifacts the web protocol layer
// depends on: an encrypted at-rest store, the credential set model, and a
// circuit-breaker-guarded refresh controller that coalesces concurrent
// recovery attempts into a single browser invocation.
//
// Ownership rules:
//   - Store owns the persisted representation (encrypted blob on disk).
//   - Controller owns the circuit state and the in-memory current set.
//   - The browser driver is an external collaborator behind the
//     BrowserDriver interface; this package never launches processes itself.
//
// All waiting (retry backoff, refresh lock) goes through an injected clock
// and sleeper so the state machine is testable without wall-clock delays.
package credentials
