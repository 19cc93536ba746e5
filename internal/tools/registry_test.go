package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func echoTool(name string, risk RiskClass) Definition {
	return Definition{
		Name:        name,
		Description: "echoes args",
		Risk:        risk,
		Execute: func(_ context.Context, args json.RawMessage) (string, error) {
			return string(args), nil
		},
	}
}

func TestRegisterDuplicate(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoTool("web_search", RiskNetworkRead)); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := reg.Register(echoTool("web_search", RiskNetworkRead))
	if !errors.Is(err, ErrDuplicateTool) {
		t.Errorf("duplicate register err = %v, want ErrDuplicateTool", err)
	}
}

func TestRegisterBadSchema(t *testing.T) {
	reg := NewRegistry()
	def := echoTool("broken", RiskBenign)
	def.Schema = json.RawMessage(`{"type": not-json`)
	if err := reg.Register(def); err == nil {
		t.Error("expected schema compile error")
	}
}

func TestValidateCallUnknownTool(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.ValidateCall("ghost", json.RawMessage(`{}`))
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("err = %v, want ErrUnknownTool", err)
	}
}

func TestValidateCallSchema(t *testing.T) {
	reg := NewRegistry()
	def := echoTool("web_search", RiskNetworkRead)
	def.Schema = json.RawMessage(`{
		"type": "object",
		"required": ["q"],
		"properties": {"q": {"type": "string"}},
		"additionalProperties": false
	}`)
	if err := reg.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := reg.ValidateCall("web_search", json.RawMessage(`{"q":"golang"}`)); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if _, err := reg.ValidateCall("web_search", json.RawMessage(`{"q": 42}`)); err == nil {
		t.Error("type-mismatched args accepted")
	}
	if _, err := reg.ValidateCall("web_search", json.RawMessage(`{}`)); err == nil {
		t.Error("missing required arg accepted")
	}
}

func TestValidateCallRejectsNonObject(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoTool("echo", RiskBenign)); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.ValidateCall("echo", json.RawMessage(`[1,2]`)); err == nil {
		t.Error("array args accepted")
	}
	if _, err := reg.ValidateCall("echo", json.RawMessage(`"str"`)); err == nil {
		t.Error("string args accepted")
	}
	// Empty args normalize to an empty object.
	if _, err := reg.ValidateCall("echo", nil); err != nil {
		t.Errorf("nil args rejected: %v", err)
	}
}

func TestValidateCallSizeLimit(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoTool("echo", RiskBenign)); err != nil {
		t.Fatal(err)
	}
	huge := `{"v":"` + strings.Repeat("x", MaxArgsBytes) + `"}`
	_, err := reg.ValidateCall("echo", json.RawMessage(huge))
	if !errors.Is(err, ErrArgsTooLarge) {
		t.Errorf("err = %v, want ErrArgsTooLarge", err)
	}
}

func TestDefinitionsPreserveOrder(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"c_tool", "a_tool", "b_tool"} {
		if err := reg.Register(echoTool(name, RiskBenign)); err != nil {
			t.Fatal(err)
		}
	}
	defs := reg.Definitions()
	if len(defs) != 3 || defs[0].Name != "c_tool" || defs[2].Name != "b_tool" {
		t.Errorf("definitions out of order: %v", defs)
	}
}
