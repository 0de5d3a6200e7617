// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"encoding/json"
	"fmt"

	"golang.org/x/text/language"
)

// =============================================================================
// REQUEST ENVELOPE
// =============================================================================

// The outbound envelope is a fixed four-slot array:
//
//	[method_id, serialized_inner_payload, null, request_class_tag]
//
// where the inner payload is itself a JSON array with fixed-index slots.
// Slot meanings were established by observation; slots marked opaque have no
// confirmed semantics and are carried through exactly as captured.
const (
	outerArity = 4

	slotPrompt       = 0 // [text]
	slotLanguage     = 1 // [bcp47-tag]
	slotConversation = 2 // [conversation_id, response_id, choice_id]
	slotOpaque3      = 3 // opaque, observed null
	slotOpaque4      = 4 // opaque, observed 0
	slotFeaturePref  = 5 // [level] - advisory model preference, server may ignore
	slotOpaque6      = 6 // opaque, observed []
	slotOpaque7      = 7 // opaque, observed null

	defaultInnerArity = 8
)

// DefaultClassTag is the request class observed on every captured exchange.
const DefaultClassTag = "generic"

// opaqueDefaults are the only values ever observed in the opaque slots. New
// envelopes seed them verbatim; nothing in this module interprets them.
var opaqueDefaults = map[int]string{
	slotOpaque3: "null",
	slotOpaque4: "0",
	slotOpaque6: "[]",
	slotOpaque7: "null",
}

// Envelope is one outbound RPC entry. Decode followed by Encode preserves
// slot order and arity exactly, including slots this module does not
// understand.
type Envelope struct {
	MethodID string
	ClassTag string
	inner    []json.RawMessage
}

// NewEnvelope builds an envelope with the observed default inner shape.
func NewEnvelope(methodID string) *Envelope {
	e := &Envelope{
		MethodID: methodID,
		ClassTag: DefaultClassTag,
		inner:    make([]json.RawMessage, defaultInnerArity),
	}
	for i := range e.inner {
		if v, ok := opaqueDefaults[i]; ok {
			e.inner[i] = json.RawMessage(v)
		} else {
			e.inner[i] = json.RawMessage("null")
		}
	}
	return e
}

// Arity returns the inner slot count.
func (e *Envelope) Arity() int { return len(e.inner) }

// Slot returns the raw JSON of an inner slot.
func (e *Envelope) Slot(i int) (json.RawMessage, error) {
	if i < 0 || i >= len(e.inner) {
		return nil, fmt.Errorf("inner slot %d out of range (arity %d)", i, len(e.inner))
	}
	return e.inner[i], nil
}

func (e *Envelope) setSlot(i int, v any) error {
	if i < 0 || i >= len(e.inner) {
		return fmt.Errorf("inner slot %d out of range (arity %d)", i, len(e.inner))
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode slot %d: %w", i, err)
	}
	e.inner[i] = raw
	return nil
}

// SetPrompt fills the prompt content slot.
func (e *Envelope) SetPrompt(text string) error {
	return e.setSlot(slotPrompt, []string{text})
}

// SetLanguage fills the language tag slot. The tag must parse as BCP 47.
func (e *Envelope) SetLanguage(tag string) error {
	if _, err := language.Parse(tag); err != nil {
		return fmt.Errorf("invalid language tag %q: %w", tag, err)
	}
	return e.setSlot(slotLanguage, []string{tag})
}

// SetConversation fills the conversation identifier triple. Empty strings
// start a fresh conversation.
func (e *Envelope) SetConversation(conversationID, responseID, choiceID string) error {
	return e.setSlot(slotConversation, []string{conversationID, responseID, choiceID})
}

// SetFeaturePreference fills the advisory model-preference slot. This is a
// request, never a guarantee; servers are free to ignore it.
func (e *Envelope) SetFeaturePreference(level int) error {
	return e.setSlot(slotFeaturePref, []int{level})
}

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() (string, error) {
	innerJSON, err := json.Marshal(e.inner)
	if err != nil {
		return "", fmt.Errorf("failed to encode inner payload: %w", err)
	}
	outer := []any{e.MethodID, string(innerJSON), nil, e.ClassTag}
	out, err := json.Marshal(outer)
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}
	return string(out), nil
}

// DecodeEnvelope parses a wire-form envelope, preserving every inner slot as
// raw JSON so a re-encode reproduces order and arity exactly.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var outer []json.RawMessage
	if err := json.Unmarshal(raw, &outer); err != nil {
		return nil, fmt.Errorf("envelope is not a JSON array: %w", err)
	}
	if len(outer) != outerArity {
		return nil, fmt.Errorf("envelope arity %d, want %d", len(outer), outerArity)
	}

	var methodID string
	if err := json.Unmarshal(outer[0], &methodID); err != nil {
		return nil, fmt.Errorf("envelope method id: %w", err)
	}
	var innerJSON string
	if err := json.Unmarshal(outer[1], &innerJSON); err != nil {
		return nil, fmt.Errorf("envelope inner payload: %w", err)
	}
	if string(outer[2]) != "null" {
		return nil, fmt.Errorf("envelope reserved slot holds %s, want null", outer[2])
	}
	var classTag string
	if err := json.Unmarshal(outer[3], &classTag); err != nil {
		return nil, fmt.Errorf("envelope class tag: %w", err)
	}

	var inner []json.RawMessage
	if err := json.Unmarshal([]byte(innerJSON), &inner); err != nil {
		return nil, fmt.Errorf("inner payload is not a JSON array: %w", err)
	}

	return &Envelope{MethodID: methodID, ClassTag: classTag, inner: inner}, nil
}
