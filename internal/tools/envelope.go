package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/BokX1/sage/pkg/models"
)

// EnvelopeType is the discriminator for the tool-call wire protocol.
const EnvelopeType = "tool_calls"

// Envelope is the sole structured control channel between model and runtime:
// {"type":"tool_calls","calls":[{"name":"...","args":{...}}]}.
type Envelope struct {
	Type  string            `json:"type"`
	Calls []models.ToolCall `json:"calls"`
}

// StripCodeFences removes a single wrapping ``` or ```json fence pair.
func StripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		// Drop the language tag on the opening fence line.
		first := strings.TrimSpace(trimmed[:idx])
		if first == "" || !strings.ContainsAny(first, "{}[]") {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

// ParseEnvelope attempts to parse text as a tool-call envelope. Optional
// code fences are stripped first. Returns (nil, false) for anything that is
// not a well-formed envelope with at least one named call.
func ParseEnvelope(text string) (*Envelope, bool) {
	candidate := StripCodeFences(text)
	if !strings.HasPrefix(candidate, "{") {
		return nil, false
	}
	var env Envelope
	if err := json.Unmarshal([]byte(candidate), &env); err != nil {
		return nil, false
	}
	if env.Type != EnvelopeType || len(env.Calls) == 0 {
		return nil, false
	}
	for i := range env.Calls {
		if env.Calls[i].Name == "" {
			return nil, false
		}
		args := bytes.TrimSpace(env.Calls[i].Args)
		if len(args) == 0 || string(args) == "null" {
			env.Calls[i].Args = json.RawMessage("{}")
			continue
		}
		if args[0] != '{' {
			return nil, false
		}
	}
	return &env, true
}

// LooksLikeEnvelope reports whether text resembles a malformed envelope:
// it starts with a JSON bracket and mentions one of the protocol keys.
// Such replies earn exactly one corrective retry.
func LooksLikeEnvelope(text string) bool {
	candidate := StripCodeFences(text)
	if !strings.HasPrefix(candidate, "{") && !strings.HasPrefix(candidate, "[") {
		return false
	}
	return strings.Contains(candidate, `"type"`) ||
		strings.Contains(candidate, `"name"`) ||
		strings.Contains(candidate, `"calls"`)
}

// ContainsEnvelopeFragment reports whether text carries a leaked tool-call
// envelope anywhere in its body.
func ContainsEnvelopeFragment(text string) bool {
	return strings.Contains(text, `"type"`) && strings.Contains(text, `"tool_calls"`) &&
		strings.Contains(text, `"calls"`)
}

// CanonicalJSON re-encodes raw JSON with object keys sorted recursively.
// Array order and number representation are preserved, so semantically
// equal args always produce byte-equal output.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyJSON)
			buf.WriteByte(':')
			if err := writeCanonical(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(encoded)
	}
	return nil
}

// CacheKey builds the dedup key for one call: name + "::" + canonical args.
func CacheKey(name string, args json.RawMessage) (string, error) {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	canonical, err := CanonicalJSON(args)
	if err != nil {
		return "", err
	}
	return name + "::" + string(canonical), nil
}
