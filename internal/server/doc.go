// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides an HTTP API server with OpenAI-compatible endpoints.
//
// This package fronts the provider router with a REST API so that any
// OpenAI-style client can consume routed completions.
//
// # Endpoints
//
//   - POST /v1/chat/completions - OpenAI-compatible chat completions
//   - GET  /v1/models          - List available logical models
//   - GET  /health             - Health check with provider circuit status
//   - GET  /stats              - Attempt-ledger outcome counts
//
// # Security Features
//
//   - Bearer token authentication with constant-time comparison
//     (Authorization header with X-API-Key fallback)
//   - Request body size limit on the /v1/ surface
//   - In-flight request cap for the /v1/ surface
//   - Per-client rate limiting
//   - Security headers on every response, Cache-Control: no-store on /v1/
//   - Request-ID propagation with validation
//   - Panic recovery with stack trace logging
//
// Supports both streaming (SSE) and non-streaming responses.
package server
