package pack

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// packSchema is the structural contract every pack must satisfy before
// the governance checks run.
const packSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "version", "workforce", "allowed_domains", "allowed_actions", "data_handling", "evidence_requirements", "stop_conditions", "constraints", "steps"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "workforce": {"type": "string", "minLength": 1},
    "allowed_domains": {"type": "array", "items": {"type": "string"}},
    "blocked_domains": {"type": "array", "items": {"type": "string"}},
    "allowed_actions": {"type": "array", "items": {"type": "string"}},
    "sensitive_actions": {"type": "array", "items": {"type": "string"}},
    "forbidden_actions": {"type": "array", "items": {"type": "string"}},
    "required_gates": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["condition", "tier", "rationale"],
        "properties": {
          "condition": {"type": "string", "minLength": 1},
          "tier": {"enum": ["INFORMATIONAL", "ADVISORY", "MANDATORY"]},
          "rationale": {"type": "string", "minLength": 1}
        }
      }
    },
    "escalation_triggers": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["trigger", "severity"],
        "properties": {
          "trigger": {"type": "string", "minLength": 1},
          "severity": {"enum": ["low", "medium", "high", "critical"]}
        }
      }
    },
    "data_handling": {"type": "object"},
    "evidence_requirements": {"type": "object"},
    "stop_conditions": {"type": "array", "items": {"type": "string"}},
    "constraints": {"type": "object"},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["action", "sensitivity"],
        "properties": {
          "action": {"type": "string", "minLength": 1},
          "sensitivity": {"enum": ["INFORMATIONAL", "ADVISORY", "MANDATORY"]}
        }
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://warden.schemas.local/pack.schema.json"
	if err := c.AddResource(url, strings.NewReader(packSchema)); err != nil {
		panic(fmt.Sprintf("pack schema load failed: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("pack schema compile failed: %v", err))
	}
	return s
}

// Parse decodes raw JSON into a Pack after structural validation.
func Parse(raw []byte) (*Pack, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("pack: parse: %w", err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("pack: schema: %w", err)
	}

	var p Pack
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("pack: decode: %w", err)
	}
	return &p, nil
}

// Validate runs the governance rule set. A pack failing any check here is
// never plannable.
func Validate(p *Pack) ValidationResult {
	var issues []string

	if len(p.AllowedDomains) == 0 {
		issues = append(issues, "allowed_domains must not be empty")
	}
	if len(p.AllowedActions) == 0 {
		issues = append(issues, "allowed_actions must not be empty")
	}
	if len(p.StopConditions) == 0 {
		issues = append(issues, "stop_conditions must not be empty")
	}
	if len(p.DataHandling.ExportFormats) == 0 {
		issues = append(issues, "data_handling.export_formats must not be empty")
	}
	if !p.EvidenceRequirements.Hash && !p.EvidenceRequirements.Screenshot && !p.EvidenceRequirements.DOMCapture {
		issues = append(issues, "evidence_requirements must enable at least one capture kind")
	}
	if len(p.Steps) == 0 {
		issues = append(issues, "steps must not be empty")
	}

	allowed := make(map[string]bool, len(p.AllowedActions))
	for _, a := range p.AllowedActions {
		allowed[a] = true
	}
	for i, step := range p.Steps {
		if !allowed[step.Action] {
			issues = append(issues, fmt.Sprintf("step %d action %q not in allowed_actions", i+1, step.Action))
		}
	}

	for _, sensitive := range p.SensitiveActions {
		if !allowed[sensitive] {
			issues = append(issues, fmt.Sprintf("sensitive_action %q not in allowed_actions", sensitive))
		}
	}
	for _, forbidden := range p.ForbiddenActions {
		if allowed[forbidden] {
			issues = append(issues, fmt.Sprintf("forbidden_action %q also listed in allowed_actions", forbidden))
		}
	}

	return ValidationResult{Valid: len(issues) == 0, Issues: issues}
}
