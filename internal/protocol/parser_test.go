// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"
)

// buildFramedBody assembles a wire-accurate framed body carrying the given
// content segments, one frame per segment.
func buildFramedBody(t *testing.T, contents ...string) []byte {
	t.Helper()
	var b strings.Builder
	b.WriteString(framePrologue)
	b.WriteString("\n")
	for _, c := range contents {
		chunk, err := json.Marshal([][]string{{c}})
		if err != nil {
			t.Fatalf("marshal chunk: %v", err)
		}
		entry, err := json.Marshal([]any{[]any{frameEnvelopeTag, "hNvQHb", string(chunk)}})
		if err != nil {
			t.Fatalf("marshal entry: %v", err)
		}
		b.WriteString(strconv.Itoa(len(entry)))
		b.WriteString("\n")
		b.Write(entry)
		b.WriteString("\n")
	}
	return []byte(b.String())
}

func TestParseFramesRoundTrip(t *testing.T) {
	body := buildFramedBody(t, "The capital of ", "France is Paris.")

	frames, err := ParseFrames(body)
	if err != nil {
		t.Fatalf("ParseFrames: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	for i, f := range frames {
		if f.Index != i {
			t.Errorf("frame %d carries index %d", i, f.Index)
		}
		if f.DeclaredLength != len(f.Payload) {
			t.Errorf("frame %d: declared %d, payload %d bytes", i, f.DeclaredLength, len(f.Payload))
		}
	}
	if got := CollectContent(frames); got != "The capital of France is Paris." {
		t.Errorf("collected content = %q", got)
	}
}

func TestParseFramesWithoutPrologue(t *testing.T) {
	body := buildFramedBody(t, "hello")
	body = body[len(framePrologue)+1:]

	frames, err := ParseFrames(body)
	if err != nil {
		t.Fatalf("ParseFrames: %v", err)
	}
	if got := CollectContent(frames); got != "hello" {
		t.Errorf("collected content = %q", got)
	}
}

func TestParseFramesDeclaredLengthMismatch(t *testing.T) {
	// First frame intact, second frame declares one byte more than it
	// carries. The error must name the second frame.
	good := buildFramedBody(t, "alpha")
	lines := strings.Split(strings.TrimSuffix(string(buildFramedBody(t, "beta")), "\n"), "\n")
	declared, _ := strconv.Atoi(lines[1])
	corrupted := strconv.Itoa(declared+1) + "\n" + lines[2] + "\n"

	body := append([]byte{}, good...)
	body = append(body, corrupted...)

	_, err := ParseFrames(body)
	var verr *ViolationError
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want *ViolationError", err)
	}
	if verr.Frame != 1 {
		t.Errorf("violation names frame %d, want 1", verr.Frame)
	}
	if !strings.Contains(verr.Reason, "declared length") {
		t.Errorf("violation reason %q does not name the length mismatch", verr.Reason)
	}
}

func TestParseFramesOddLineCount(t *testing.T) {
	body := append(buildFramedBody(t, "alpha"), []byte("17\n")...)

	_, err := ParseFrames(body)
	var verr *ViolationError
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want *ViolationError", err)
	}
}

func TestParseFramesEmptyBody(t *testing.T) {
	for _, body := range [][]byte{nil, []byte(framePrologue + "\n")} {
		if _, err := ParseFrames(body); err == nil {
			t.Errorf("ParseFrames(%q) succeeded, want violation", body)
		}
	}
}

func TestParseFramesBadLengthDeclaration(t *testing.T) {
	body := []byte("banana\n[]\n")
	_, err := ParseFrames(body)
	var verr *ViolationError
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want *ViolationError", err)
	}
	if verr.Frame != 0 {
		t.Errorf("violation names frame %d, want 0", verr.Frame)
	}
}

func TestExtractContentShapeViolations(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"not an array", `{"a":1}`},
		{"too many entries", `[["wrb.fr","m","x"],["wrb.fr","m","y"]]`},
		{"entry not array", `["wrb.fr"]`},
		{"wrong arity", `[["wrb.fr","m"]]`},
		{"wrong tag", `[["other","m","\"[[\\\"x\\\"]]\""]]`},
		{"chunk not string", `[["wrb.fr","m",42]]`},
		{"chunk bad shape", `[["wrb.fr","m","[]"]]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := extractContent(3, []byte(tc.payload))
			var verr *ViolationError
			if !errors.As(err, &verr) {
				t.Fatalf("got %v, want *ViolationError", err)
			}
			if verr.Frame != 3 {
				t.Errorf("violation names frame %d, want 3", verr.Frame)
			}
		})
	}
}
