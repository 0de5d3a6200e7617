// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEnvelopeEncodeShape(t *testing.T) {
	env := NewEnvelope("hNvQHb")
	if err := env.SetPrompt("hello"); err != nil {
		t.Fatalf("SetPrompt: %v", err)
	}
	if err := env.SetLanguage("en"); err != nil {
		t.Fatalf("SetLanguage: %v", err)
	}
	if err := env.SetConversation("c_1", "r_1", "rc_1"); err != nil {
		t.Fatalf("SetConversation: %v", err)
	}
	if err := env.SetFeaturePreference(2); err != nil {
		t.Fatalf("SetFeaturePreference: %v", err)
	}

	encoded, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var outer []json.RawMessage
	if err := json.Unmarshal([]byte(encoded), &outer); err != nil {
		t.Fatalf("wire form is not a JSON array: %v", err)
	}
	if len(outer) != outerArity {
		t.Fatalf("outer arity %d, want %d", len(outer), outerArity)
	}
	if string(outer[2]) != "null" {
		t.Errorf("reserved slot = %s, want null", outer[2])
	}

	var innerJSON string
	if err := json.Unmarshal(outer[1], &innerJSON); err != nil {
		t.Fatalf("inner payload is not a JSON string: %v", err)
	}
	var inner []json.RawMessage
	if err := json.Unmarshal([]byte(innerJSON), &inner); err != nil {
		t.Fatalf("inner payload does not decode: %v", err)
	}
	if len(inner) != defaultInnerArity {
		t.Fatalf("inner arity %d, want %d", len(inner), defaultInnerArity)
	}
	if got := string(inner[slotPrompt]); got != `["hello"]` {
		t.Errorf("prompt slot = %s", got)
	}
	if got := string(inner[slotConversation]); got != `["c_1","r_1","rc_1"]` {
		t.Errorf("conversation slot = %s", got)
	}
	if got := string(inner[slotFeaturePref]); got != `[2]` {
		t.Errorf("feature preference slot = %s", got)
	}
	for slot, want := range opaqueDefaults {
		if got := string(inner[slot]); got != want {
			t.Errorf("opaque slot %d = %s, want %s", slot, got, want)
		}
	}
}

// An envelope captured with slots this build does not understand must survive
// a decode/encode cycle byte for byte, extra slots and odd values included.
func TestEnvelopeDecodeEncodePreservesUnknownSlots(t *testing.T) {
	inner := `[["hi"],["en"],["c_9","",""],null,7,[1],["future","slot"],null,{"new":true},42]`
	innerEncoded, err := json.Marshal(inner)
	if err != nil {
		t.Fatalf("marshal inner: %v", err)
	}
	wire := `["hNvQHb",` + string(innerEncoded) + `,null,"generic"]`

	env, err := DecodeEnvelope([]byte(wire))
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.MethodID != "hNvQHb" {
		t.Errorf("MethodID = %q", env.MethodID)
	}
	if env.Arity() != 10 {
		t.Errorf("Arity() = %d, want 10", env.Arity())
	}

	out, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if out != wire {
		t.Errorf("round trip drifted:\n in:  %s\n out: %s", wire, out)
	}
}

func TestEnvelopeDecodeRejectsBadOuter(t *testing.T) {
	cases := []struct {
		name string
		wire string
	}{
		{"not array", `{"a":1}`},
		{"short arity", `["m","[]","x"]`},
		{"long arity", `["m","[]",null,"generic",1]`},
		{"reserved not null", `["m","[]",0,"generic"]`},
		{"inner not string", `["m",[],null,"generic"]`},
		{"inner not array", `["m","{}",null,"generic"]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeEnvelope([]byte(tc.wire)); err == nil {
				t.Errorf("DecodeEnvelope(%s) succeeded", tc.wire)
			}
		})
	}
}

func TestEnvelopeSetLanguageValidation(t *testing.T) {
	env := NewEnvelope("m")
	for _, tag := range []string{"en", "en-US", "pt-BR", "zh-Hant"} {
		if err := env.SetLanguage(tag); err != nil {
			t.Errorf("SetLanguage(%q): %v", tag, err)
		}
	}
	for _, tag := range []string{"", "not a tag", "!!"} {
		if err := env.SetLanguage(tag); err == nil {
			t.Errorf("SetLanguage(%q) accepted invalid tag", tag)
		}
	}
}

func TestEnvelopeSlotBounds(t *testing.T) {
	env := NewEnvelope("m")
	if _, err := env.Slot(-1); err == nil {
		t.Error("Slot(-1) succeeded")
	}
	if _, err := env.Slot(defaultInnerArity); err == nil {
		t.Error("Slot past arity succeeded")
	}
	raw, err := env.Slot(slotOpaque4)
	if err != nil {
		t.Fatalf("Slot: %v", err)
	}
	if strings.TrimSpace(string(raw)) != "0" {
		t.Errorf("opaque slot 4 = %s, want 0", raw)
	}
}
