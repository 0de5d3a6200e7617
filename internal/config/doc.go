// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for gemweb.
//
// TOML configuration with sensible defaults, environment variable overrides,
// and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - ServerConfig: HTTP API server address, auth, and limits
//   - CredentialsConfig: Credential store and refresh tuning
//   - WebConfig / OfficialConfig: Upstream surface settings
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (GEMWEB_*, GOOGLE_API_KEY)
//   - ~/.gemweb/config.toml
//   - Built-in defaults
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Secrets such as the credential-store passphrase are environment-only:
//
//	passphrase, err := config.Passphrase()
package config
