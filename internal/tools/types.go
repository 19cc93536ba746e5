// Package tools implements the tool catalog and the bounded tool-call loop:
// schema-validated registration, risk-class policy gating, the JSON envelope
// protocol, per-loop result caching, and multi-round execution.
package tools

import (
	"context"
	"encoding/json"
)

// RiskClass labels the blast radius of a tool.
type RiskClass string

const (
	RiskBenign           RiskClass = "benign"
	RiskNetworkRead      RiskClass = "network_read"
	RiskDataExfiltration RiskClass = "data_exfiltration_risk"
	RiskExternalWrite    RiskClass = "external_write"
	RiskHigh             RiskClass = "high_risk"
)

// ReadOnly reports whether tools of this class may run concurrently.
func (r RiskClass) ReadOnly() bool {
	return r == RiskBenign || r == RiskNetworkRead
}

// Valid reports whether the class is one of the known kinds.
func (r RiskClass) Valid() bool {
	switch r {
	case RiskBenign, RiskNetworkRead, RiskDataExfiltration, RiskExternalWrite, RiskHigh:
		return true
	}
	return false
}

// ExecuteFunc runs a tool. The executor performs its own typed decoding of
// args; the registry has already validated them against the tool's schema.
type ExecuteFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Definition describes one tool in the catalog.
type Definition struct {
	// Name is the snake_case identifier the model uses in envelopes.
	// Unique within a registry.
	Name string

	// Description tells the model when to use the tool.
	Description string

	// Schema is the JSON schema for args. Empty means any object.
	Schema json.RawMessage

	// Risk classifies the tool for policy gating. Defaults to benign.
	Risk RiskClass

	// Execute runs the tool.
	Execute ExecuteFunc
}
