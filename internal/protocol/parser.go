// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// =============================================================================
// FRAMED STREAM PARSER
// =============================================================================

// framePrologue is the anti-hijacking prefix the backend emits before the
// first frame.
const framePrologue = ")]}'"

// frameEnvelopeTag marks a content-bearing frame entry.
const frameEnvelopeTag = "wrb.fr"

// Frame is one parsed unit of the streamed response: a declared length, the
// exact payload it declared, and the content segment extracted from it.
type Frame struct {
	Index          int
	DeclaredLength int
	Payload        []byte
	Content        string
}

// ParseFrames parses a framed response body. The body is a sequence of
// (length-line, data-line) pairs, optionally preceded by the prologue. The
// in-band declared length is authoritative: it must equal the data line's
// byte length exactly.
//
// Any structural mismatch returns a *ViolationError naming the offending
// frame index. Violations are fatal for the attempt and never retried.
func ParseFrames(body []byte) ([]Frame, error) {
	text := string(body)
	if strings.HasPrefix(text, framePrologue) {
		text = strings.TrimPrefix(text, framePrologue)
		text = strings.TrimPrefix(text, "\n")
	}
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil, &ViolationError{Frame: 0, Reason: "empty response body"}
	}

	lines := strings.Split(text, "\n")
	if len(lines)%2 != 0 {
		return nil, &ViolationError{
			Frame:  len(lines) / 2,
			Reason: fmt.Sprintf("odd line count %d, frames must be length/data pairs", len(lines)),
		}
	}

	frames := make([]Frame, 0, len(lines)/2)
	for i := 0; i*2 < len(lines); i++ {
		lengthLine := strings.TrimSpace(lines[i*2])
		dataLine := lines[i*2+1]

		declared, err := strconv.Atoi(lengthLine)
		if err != nil || declared < 0 {
			return nil, &ViolationError{Frame: i, Reason: fmt.Sprintf("bad length declaration %q", lengthLine)}
		}
		if declared != len(dataLine) {
			return nil, &ViolationError{
				Frame:  i,
				Reason: fmt.Sprintf("declared length %d, payload is %d bytes", declared, len(dataLine)),
			}
		}

		content, err := extractContent(i, []byte(dataLine))
		if err != nil {
			return nil, err
		}
		frames = append(frames, Frame{
			Index:          i,
			DeclaredLength: declared,
			Payload:        []byte(dataLine),
			Content:        content,
		})
	}
	return frames, nil
}

// CollectContent concatenates the per-frame content segments in frame order.
func CollectContent(frames []Frame) string {
	var b strings.Builder
	for _, f := range frames {
		b.WriteString(f.Content)
	}
	return b.String()
}

// extractContent decodes one frame payload. The observed shape is
//
//	[["wrb.fr", <method_id>, <chunk_json>]]
//
// where chunk_json is a JSON-encoded string holding [[<content>]]. The
// content segment sits at that fixed position; anything else is drift.
func extractContent(frame int, payload []byte) (string, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(payload, &entries); err != nil {
		return "", &ViolationError{Frame: frame, Reason: "payload is not a JSON array"}
	}
	if len(entries) != 1 {
		return "", &ViolationError{Frame: frame, Reason: fmt.Sprintf("payload holds %d entries, want 1", len(entries))}
	}

	var entry []json.RawMessage
	if err := json.Unmarshal(entries[0], &entry); err != nil {
		return "", &ViolationError{Frame: frame, Reason: "frame entry is not a JSON array"}
	}
	if len(entry) != 3 {
		return "", &ViolationError{Frame: frame, Reason: fmt.Sprintf("frame entry arity %d, want 3", len(entry))}
	}

	var tag string
	if err := json.Unmarshal(entry[0], &tag); err != nil || tag != frameEnvelopeTag {
		return "", &ViolationError{Frame: frame, Reason: fmt.Sprintf("frame tag %s, want %q", entry[0], frameEnvelopeTag)}
	}

	var chunkJSON string
	if err := json.Unmarshal(entry[2], &chunkJSON); err != nil {
		return "", &ViolationError{Frame: frame, Reason: "frame chunk is not a JSON string"}
	}

	var chunk [][]string
	if err := json.Unmarshal([]byte(chunkJSON), &chunk); err != nil {
		return "", &ViolationError{Frame: frame, Reason: "chunk does not decode to a nested string array"}
	}
	if len(chunk) != 1 || len(chunk[0]) != 1 {
		return "", &ViolationError{Frame: frame, Reason: "chunk shape mismatch, want [[content]]"}
	}
	return chunk[0][0], nil
}
