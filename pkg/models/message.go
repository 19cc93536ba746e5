package models

import "encoding/json"

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Route is the coarse request label chosen by the upstream router.
type Route string

const (
	RouteChat     Route = "chat"
	RouteCoding   Route = "coding"
	RouteSearch   Route = "search"
	RouteCreative Route = "creative"
)

// Valid reports whether the route is one of the known kinds.
func (r Route) Valid() bool {
	switch r {
	case RouteChat, RouteCoding, RouteSearch, RouteCreative:
		return true
	}
	return false
}

// ChatMessage is a single turn in a conversation handed to an LLM.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolCall represents a model's request to execute one tool.
type ToolCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolResult is the outcome of executing (or refusing) one tool call.
type ToolResult struct {
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args,omitempty"`
	Content    string          `json:"content,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Error      string          `json:"error,omitempty"`
	Cached     bool            `json:"cached,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}
