package models

import "encoding/json"

// TurnResult is the final artifact of one orchestrated turn.
type TurnResult struct {
	ReplyText string             `json:"reply_text"`
	StyleHint string             `json:"style_hint,omitempty"`
	Voice     string             `json:"voice,omitempty"`
	Files     []BinaryAttachment `json:"files,omitempty"`
	Debug     TurnDebug          `json:"debug"`
}

// TurnDebug carries diagnostic output attached to a turn result.
type TurnDebug struct {
	Messages  []string        `json:"messages,omitempty"`
	TraceJSON json.RawMessage `json:"trace_json,omitempty"`
}

// AddDebug appends a diagnostic message to the turn result.
func (t *TurnResult) AddDebug(msg string) {
	if msg == "" {
		return
	}
	t.Debug.Messages = append(t.Debug.Messages, msg)
}
