package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BokX1/sage/pkg/models"
)

// Policy evaluation codes.
const (
	DecisionAllow                    = "allow"
	DecisionAllowUnconfigured        = "allow_unconfigured"
	DecisionNetworkReadDisabled      = "network_read_disabled"
	DecisionDataExfiltrationDisabled = "data_exfiltration_risk_disabled"
	DecisionExternalWriteDisabled    = "external_write_disabled"
	DecisionHighRiskDisabled         = "high_risk_disabled"
	DecisionToolBlocked              = "tool_blocked"
	DecisionTruncated                = "max_calls_per_round_truncated"
)

// Decision is one policy verdict for one call.
type Decision struct {
	Tool    string `json:"tool"`
	Allowed bool   `json:"allowed"`
	Code    string `json:"code"`
}

// PolicyDoc is one policy layer. Layers merge legacy env defaults ← global
// JSON ← tenant JSON; nil pointer fields inherit from earlier layers.
type PolicyDoc struct {
	AllowNetworkRead          *bool                `json:"allowNetworkRead,omitempty" yaml:"allowNetworkRead"`
	AllowDataExfiltrationRisk *bool                `json:"allowDataExfiltrationRisk,omitempty" yaml:"allowDataExfiltrationRisk"`
	AllowExternalWrite        *bool                `json:"allowExternalWrite,omitempty" yaml:"allowExternalWrite"`
	AllowHighRisk             *bool                `json:"allowHighRisk,omitempty" yaml:"allowHighRisk"`
	BlockedTools              []string             `json:"blockedTools,omitempty" yaml:"blockedTools"`
	RiskOverrides             map[string]RiskClass `json:"riskOverrides,omitempty" yaml:"riskOverrides"`
}

// ParsePolicyDoc decodes a policy document from JSON, falling back to YAML.
func ParsePolicyDoc(raw string) (*PolicyDoc, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var doc PolicyDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		if yamlErr := yaml.Unmarshal([]byte(raw), &doc); yamlErr != nil {
			return nil, fmt.Errorf("parse policy document: %w", err)
		}
	}
	return &doc, nil
}

// Policy is the effective merged policy.
type Policy struct {
	AllowNetworkRead          bool
	AllowDataExfiltrationRisk bool
	AllowExternalWrite        bool
	AllowHighRisk             bool
	Blocked                   map[string]bool
	RiskOverrides             map[string]RiskClass

	configured bool
}

// MergePolicy folds layers in order; later layers win. Blocklists union;
// risk overrides merge per tool.
func MergePolicy(layers ...*PolicyDoc) Policy {
	p := Policy{
		Blocked:       make(map[string]bool),
		RiskOverrides: make(map[string]RiskClass),
	}
	for _, layer := range layers {
		if layer == nil {
			continue
		}
		p.configured = true
		if layer.AllowNetworkRead != nil {
			p.AllowNetworkRead = *layer.AllowNetworkRead
		}
		if layer.AllowDataExfiltrationRisk != nil {
			p.AllowDataExfiltrationRisk = *layer.AllowDataExfiltrationRisk
		}
		if layer.AllowExternalWrite != nil {
			p.AllowExternalWrite = *layer.AllowExternalWrite
		}
		if layer.AllowHighRisk != nil {
			p.AllowHighRisk = *layer.AllowHighRisk
		}
		for _, name := range layer.BlockedTools {
			if trimmed := strings.TrimSpace(name); trimmed != "" {
				p.Blocked[trimmed] = true
			}
		}
		for name, class := range layer.RiskOverrides {
			if class.Valid() {
				p.RiskOverrides[name] = class
			}
		}
	}
	return p
}

// EnvDefaults builds the legacy env layer from the flat config knobs.
func EnvDefaults(allowNetworkRead, allowExternalWrite, allowHighRisk bool, blocked []string) *PolicyDoc {
	return &PolicyDoc{
		AllowNetworkRead:   &allowNetworkRead,
		AllowExternalWrite: &allowExternalWrite,
		AllowHighRisk:      &allowHighRisk,
		BlockedTools:       blocked,
	}
}

// Evaluate gates one call. Deny ordering is fixed: blocklist first, then by
// effective class from most restricted to least.
func (p Policy) Evaluate(name string, declared RiskClass) Decision {
	if p.Blocked[name] {
		return Decision{Tool: name, Code: DecisionToolBlocked}
	}

	class := declared
	if override, ok := p.RiskOverrides[name]; ok {
		class = override
	}
	if class == "" {
		class = RiskBenign
	}

	switch class {
	case RiskHigh:
		if !p.AllowHighRisk {
			return Decision{Tool: name, Code: DecisionHighRiskDisabled}
		}
	case RiskExternalWrite:
		if !p.AllowExternalWrite {
			return Decision{Tool: name, Code: DecisionExternalWriteDisabled}
		}
	case RiskDataExfiltration:
		if !p.AllowDataExfiltrationRisk {
			return Decision{Tool: name, Code: DecisionDataExfiltrationDisabled}
		}
	case RiskNetworkRead:
		if !p.AllowNetworkRead {
			return Decision{Tool: name, Code: DecisionNetworkReadDisabled}
		}
	}

	code := DecisionAllow
	if !p.configured {
		code = DecisionAllowUnconfigured
	}
	return Decision{Tool: name, Allowed: true, Code: code}
}

// EffectiveClass resolves a tool's class under overrides.
func (p Policy) EffectiveClass(name string, declared RiskClass) RiskClass {
	if override, ok := p.RiskOverrides[name]; ok {
		return override
	}
	if declared == "" {
		return RiskBenign
	}
	return declared
}

// routeToolAllowlist restricts which tools are advertised per route.
var routeToolAllowlist = map[models.Route][]string{
	models.RouteChat:     {"current_time", "web_search"},
	models.RouteCoding:   {"current_time", "web_search", "web_scrape", "npm_package_lookup"},
	models.RouteSearch:   {"current_time", "web_search", "web_scrape"},
	models.RouteCreative: {},
}

// ToolsForRoute returns the registry tools advertised on the given route
// after route scoping and policy gating, in registration order.
func ToolsForRoute(reg *Registry, route models.Route, p Policy) []Definition {
	allowed := make(map[string]bool)
	for _, name := range routeToolAllowlist[route] {
		allowed[name] = true
	}
	var defs []Definition
	for _, def := range reg.Definitions() {
		if !allowed[def.Name] {
			continue
		}
		if d := p.Evaluate(def.Name, def.Risk); !d.Allowed {
			continue
		}
		defs = append(defs, def)
	}
	return defs
}
