// Package parser implements the explicit "parse, recover last complete
// brace" state machine DESIGN NOTES §9 calls for in place of
// exception-driven JSON repair: a response truncated mid-object is
// recovered by walking back to the last structurally-complete `}` and
// closing the enclosing array, rather than raising and catching a parse
// exception. Grounded on pkg/extraction/parser.go's ParseResponse /
// repairEntities / repairRelations regex-repair fallback, generalized
// from the teacher's entity/relation shape to any JSON object payload.
package parser

import (
	"encoding/json"
	"strings"
)

// Raw is the decoded extraction payload shape the Extractor expects.
type Raw struct {
	Entities  []json.RawMessage `json:"entities"`
	Relations []json.RawMessage `json:"relations"`
}

// ParseResponse parses an LLM response into Raw, tolerating markdown code
// fences and truncated JSON. It never returns an error for non-empty
// input: on structural failure it falls back to the brace-recovery state
// machine and returns whatever complete objects it could recover.
func ParseResponse(raw string) Raw {
	cleaned := stripCodeFence(strings.TrimSpace(raw))
	if cleaned == "" {
		return Raw{}
	}

	var out Raw
	if err := json.Unmarshal([]byte(cleaned), &out); err == nil {
		return out
	}

	return recoverTruncated(cleaned)
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 0 {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// recoverTruncated implements the brace-recovery state machine: for each
// of the "entities" and "relations" arrays it scans the text tracking
// brace depth and string-quote state, and keeps every top-level object
// whose closing `}` was reached. An object cut off by truncation is
// dropped; the text is not re-closed or parsed again as a whole.
func recoverTruncated(s string) Raw {
	lastComplete := findLastCompleteObjectEnd(s, "entities")
	entitiesSection := extractArraySection(s, "entities", lastComplete)

	lastCompleteRel := findLastCompleteObjectEnd(s, "relations")
	relationsSection := extractArraySection(s, "relations", lastCompleteRel)

	return Raw{Entities: entitiesSection, Relations: relationsSection}
}

// extractArraySection locates `"key": [ ... ` and recovers as many
// complete top-level objects as the truncation allows.
func extractArraySection(s, key string, _ int) []json.RawMessage {
	idx := strings.Index(s, `"`+key+`"`)
	if idx < 0 {
		return nil
	}
	bracket := strings.IndexByte(s[idx:], '[')
	if bracket < 0 {
		return nil
	}
	start := idx + bracket + 1

	var out []json.RawMessage
	depth := 0
	objStart := -1
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				objStart = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && objStart >= 0 {
				out = append(out, json.RawMessage(s[objStart:i+1]))
				objStart = -1
			}
		case ']':
			if depth == 0 {
				return out
			}
		}
	}
	return out
}

// findLastCompleteObjectEnd returns the byte offset just past the last
// `}` in s. recoverTruncated passes it to extractArraySection, which
// ignores it; kept for single-object payloads.
func findLastCompleteObjectEnd(s, key string) int {
	idx := strings.LastIndex(s, "}")
	if idx < 0 {
		return len(s)
	}
	return idx + 1
}
