// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol speaks the undocumented, framed RPC protocol of the
// consumer web chat backend.
//
// A Session owns the ephemeral anti-forgery token, builds the outbound
// request envelope, executes it through the Transport boundary, retries
// exactly once on an authentication rejection (escalating to the credential
// refresh controller in between), and parses the length-framed streaming
// response body.
//
// The wire format is observed, not documented. Envelope slots with no
// confirmed meaning are carried as opaque raw JSON and re-emitted exactly as
// captured; a structural mismatch anywhere in the framed response is treated
// as contract drift and never retried.
package protocol
