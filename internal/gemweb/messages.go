// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gemweb adapts the web-backend protocol session into a routable
// provider: it flattens inbound chat messages into a single prompt, executes
// the framed RPC call, classifies the serving tier of the response, and maps
// protocol failures onto the router's typed failure kinds.
package gemweb

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jeranaias/gemweb/internal/router"
)

// ============================================================================
// MESSAGE FLATTENING
// ============================================================================

var (
	// ErrNoUserMessage means the intent carried no non-empty user turn.
	ErrNoUserMessage = errors.New("no user message provided")

	// ErrUnsupportedRole means a message role this provider cannot serve.
	ErrUnsupportedRole = errors.New("unsupported message role")
)

// FlattenMessages reduces an OpenAI-style message list to the single prompt
// the web backend accepts. System turns are concatenated into an instruction
// preamble; the latest non-empty user turn becomes the prompt body. The web
// backend keeps no conversation state on our side, so earlier turns only
// inform the preamble, never a history replay.
func FlattenMessages(messages []router.Message) (string, error) {
	var systemParts []string
	lastUser := ""
	for _, m := range messages {
		switch m.Role {
		case "system":
			if m.Content != "" {
				systemParts = append(systemParts, m.Content)
			}
		case "user":
			if m.Content != "" {
				lastUser = m.Content
			}
		case "assistant":
			// Prior assistant turns carry no weight without server-side
			// conversation state; accepted and dropped.
		default:
			return "", fmt.Errorf("%w: %q", ErrUnsupportedRole, m.Role)
		}
	}
	if lastUser == "" {
		return "", ErrNoUserMessage
	}

	if len(systemParts) == 0 {
		return lastUser, nil
	}
	return strings.Join(systemParts, "\n\n") + "\n\n" + lastUser, nil
}
