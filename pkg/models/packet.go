package models

import "encoding/json"

// BinaryAttachment is a file produced during a turn that should be delivered
// alongside the reply text.
type BinaryAttachment struct {
	Data     []byte `json:"data"`
	Filename string `json:"filename"`
}

// ContextPacket is a named context blob contributed by a provider.
// Binary-bearing packets contribute files to the final reply.
type ContextPacket struct {
	Name          string            `json:"name"`
	Content       string            `json:"content"`
	JSON          json.RawMessage   `json:"json,omitempty"`
	Binary        *BinaryAttachment `json:"binary,omitempty"`
	TokenEstimate int               `json:"token_estimate"`
}

// EstimateTokens approximates the token count of a string at the usual
// four-characters-per-token ratio.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}
