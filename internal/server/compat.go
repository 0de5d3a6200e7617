// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/gemweb/internal/router"
)

// ============================================================================
// REQUEST TYPES
// ============================================================================

// ChatMessage represents a message in the chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the OpenAI-compatible chat completion request.
//
// Sampling parameters use pointers so that "absent" and "zero" stay
// distinguishable; the upstream providers treat absent as provider default.
type ChatCompletionRequest struct {
	Model               string        `json:"model"`
	Messages            []ChatMessage `json:"messages"`
	Stream              bool          `json:"stream"`
	Temperature         *float64      `json:"temperature,omitempty"`
	TopP                *float64      `json:"top_p,omitempty"`
	MaxTokens           *int          `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int          `json:"max_completion_tokens,omitempty"`
	Stop                []string      `json:"stop,omitempty"`
	PresencePenalty     *float64      `json:"presence_penalty,omitempty"`
	FrequencyPenalty    *float64      `json:"frequency_penalty,omitempty"`
	N                   *int          `json:"n,omitempty"`
	User                string        `json:"user,omitempty"`
}

// validRoles defines the set of acceptable message roles. Tool calling is
// not offered by either upstream surface, so "tool" is rejected here rather
// than deep in a provider.
var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
}

// Validate checks the request against the documented OpenAI parameter
// envelope. Returns a client-safe error describing the first violation.
func (req *ChatCompletionRequest) Validate(maxMessages, maxTotalChars int) error {
	if strings.TrimSpace(req.Model) == "" {
		return fmt.Errorf("model is required")
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("messages must contain at least one entry")
	}
	if maxMessages > 0 && len(req.Messages) > maxMessages {
		return fmt.Errorf("too many messages: maximum is %d", maxMessages)
	}

	totalChars := 0
	hasUser := false
	for i, msg := range req.Messages {
		if !validRoles[msg.Role] {
			return fmt.Errorf("invalid role %q at message %d: must be one of user, assistant, system", msg.Role, i)
		}
		if msg.Role == "user" && msg.Content != "" {
			hasUser = true
		}
		totalChars += len(msg.Content)
	}
	if !hasUser {
		return fmt.Errorf("messages must contain at least one non-empty user message")
	}
	if maxTotalChars > 0 && totalChars > maxTotalChars {
		return fmt.Errorf("message content too large: maximum is %d characters", maxTotalChars)
	}

	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if req.TopP != nil && (*req.TopP <= 0 || *req.TopP > 1) {
		return fmt.Errorf("top_p must be in (0, 1]")
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive")
	}
	if req.MaxCompletionTokens != nil && *req.MaxCompletionTokens <= 0 {
		return fmt.Errorf("max_completion_tokens must be positive")
	}
	// Both aliases may be set only when they agree.
	if req.MaxTokens != nil && req.MaxCompletionTokens != nil && *req.MaxTokens != *req.MaxCompletionTokens {
		return fmt.Errorf("max_tokens and max_completion_tokens disagree")
	}
	for _, stop := range req.Stop {
		if stop == "" {
			return fmt.Errorf("stop sequences must be non-empty strings")
		}
	}
	if req.PresencePenalty != nil && (*req.PresencePenalty < -2 || *req.PresencePenalty > 2) {
		return fmt.Errorf("presence_penalty must be between -2 and 2")
	}
	if req.FrequencyPenalty != nil && (*req.FrequencyPenalty < -2 || *req.FrequencyPenalty > 2) {
		return fmt.Errorf("frequency_penalty must be between -2 and 2")
	}
	if req.N != nil && *req.N != 1 {
		return fmt.Errorf("n must be 1")
	}
	return nil
}

// intent converts the validated request into a routing intent. Both token
// aliases feed the same knob; validation already guarantees they agree when
// both are present.
func (req *ChatCompletionRequest) intent() router.CompletionIntent {
	messages := make([]router.Message, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = router.Message{Role: msg.Role, Content: msg.Content}
	}
	maxTokens := req.MaxTokens
	if maxTokens == nil {
		maxTokens = req.MaxCompletionTokens
	}
	return router.CompletionIntent{
		LogicalModel: req.Model,
		MinTier:      router.MinTierFor(req.Model),
		Messages:     messages,
		Sampling: router.SamplingParams{
			Temperature:      req.Temperature,
			TopP:             req.TopP,
			MaxTokens:        maxTokens,
			Stop:             req.Stop,
			PresencePenalty:  req.PresencePenalty,
			FrequencyPenalty: req.FrequencyPenalty,
		},
	}
}

// ============================================================================
// RESPONSE TYPES
// ============================================================================

// ChatChoice represents a single choice in the completion response.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage contains token usage information. The web surface does not report
// token counts, so approximate figures are derived from text length.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionResponse is the OpenAI-compatible chat completion response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

// ChunkDelta is the incremental payload inside a streaming choice.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice is a single choice in a streaming chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// newCompletionResponse builds the response envelope around routed content.
func newCompletionResponse(model, content string) ChatCompletionResponse {
	completionTokens := approxTokens(content)
	return ChatCompletionResponse{
		ID:      generateResponseID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatChoice{
			{
				Index:        0,
				Message:      ChatMessage{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
		Usage: Usage{
			CompletionTokens: completionTokens,
			TotalTokens:      completionTokens,
		},
	}
}

// newStreamChunk builds one streaming chunk sharing the response identity.
func newStreamChunk(id string, created int64, model string, delta ChunkDelta, finishReason *string) StreamChunk {
	return StreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChunkChoice{
			{Index: 0, Delta: delta, FinishReason: finishReason},
		},
	}
}

// generateResponseID generates a unique response ID.
func generateResponseID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// approxTokens estimates token count from whitespace-delimited words.
func approxTokens(s string) int {
	return len(strings.Fields(s))
}

// ============================================================================
// ERROR ENVELOPE
// ============================================================================

// ErrorBody is the OpenAI-compatible error payload.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// ErrorResponse wraps ErrorBody the way OpenAI clients expect.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
