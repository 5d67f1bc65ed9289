// Package policy implements the Policy Engine: loading workspaceRoot's
// policy.yaml (deep-merged onto built-in defaults) and resolving a tool's
// risk profile into a control path.
package policy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/anvil-run/anvil/pkg/models"
)

// ApprovalMode selects how a capability's control path is determined.
type ApprovalMode string

const (
	ApprovalNever  ApprovalMode = "never"
	ApprovalAlways ApprovalMode = "always"
	ApprovalRisk   ApprovalMode = "risk"
)

// CapabilityRule configures one tool id's approval behavior.
type CapabilityRule struct {
	Approval      ApprovalMode `yaml:"approval"`
	RiskThreshold string       `yaml:"riskThreshold,omitempty"`
	TimeoutSec    int          `yaml:"timeout,omitempty"`
}

// Limits bounds tool output sizes.
type Limits struct {
	MaxStdout   int `yaml:"maxStdout"`
	MaxDiffSize int `yaml:"maxDiffSize"`
}

// Document is the shape of policy.yaml.
type Document struct {
	Workspace struct {
		DenyPatterns []string `yaml:"denyPatterns"`
	} `yaml:"workspace"`
	Execution struct {
		Timeouts map[string]int `yaml:"timeouts"`
	} `yaml:"execution"`
	Capabilities map[string]CapabilityRule `yaml:"capabilities"`
	Risk         struct {
		HighRiskCommands []string `yaml:"highRiskCommands"`
	} `yaml:"risk"`
	Redaction struct {
		Keys []string `yaml:"keys"`
	} `yaml:"redaction"`
	Limits Limits `yaml:"limits"`
}

// Defaults returns the built-in policy document.
func Defaults() Document {
	var d Document
	d.Workspace.DenyPatterns = []string{"**/.git/**"}
	d.Execution.Timeouts = map[string]int{"process.run": 300}
	d.Capabilities = map[string]CapabilityRule{
		"repo.read":   {Approval: ApprovalNever},
		"repo.search": {Approval: ApprovalNever},
		"lint.run":    {Approval: ApprovalNever},
		"repo.patch":  {Approval: ApprovalAlways},
		"repo.edit":   {Approval: ApprovalAlways},
		"process.run": {Approval: ApprovalRisk},
		"test.run":    {Approval: ApprovalRisk},
	}
	d.Risk.HighRiskCommands = []string{"rm", "sudo", "curl", "wget", "chmod", "chown"}
	d.Redaction.Keys = []string{"SECRET", "TOKEN", "API_KEY", "PASSWORD", "PRIVATE_KEY"}
	d.Limits = Limits{MaxStdout: 20000, MaxDiffSize: 200000}
	return d
}

// DefaultTimeoutSeconds is used for any tool id absent from
// execution.timeouts.
const DefaultTimeoutSeconds = 60

// Engine resolves control paths against a loaded policy Document.
type Engine struct {
	doc Document
}

// Load reads workspaceRoot/policy.yaml if present and deep-merges it onto
// Defaults(). A missing file is not an error; built-in defaults apply.
func Load(workspaceRoot string) (*Engine, error) {
	doc := Defaults()

	path := filepath.Join(workspaceRoot, "policy.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Engine{doc: doc}, nil
		}
		return nil, fmt.Errorf("read policy.yaml: %w", err)
	}

	defaultsRaw, err := toRawMap(doc)
	if err != nil {
		return nil, fmt.Errorf("encode default policy: %w", err)
	}

	var overrideRaw map[string]any
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&overrideRaw); err != nil {
		return nil, fmt.Errorf("parse policy.yaml: %w", err)
	}

	merged := mergeMaps(defaultsRaw, overrideRaw)

	mergedYAML, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("re-encode merged policy: %w", err)
	}

	var final Document
	if err := yaml.Unmarshal(mergedYAML, &final); err != nil {
		return nil, fmt.Errorf("decode merged policy: %w", err)
	}

	return &Engine{doc: final}, nil
}

func toRawMap(doc Document) (map[string]any, error) {
	b, err := yaml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mergeMaps deep-merges src onto dst, preferring src's values at every leaf.
func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if valueMap, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(existing, valueMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// TimeoutFor returns the configured execution timeout for a tool id,
// falling back to DefaultTimeoutSeconds.
func (e *Engine) TimeoutFor(toolID string) int {
	if sec, ok := e.doc.Execution.Timeouts[toolID]; ok {
		return sec
	}
	return DefaultTimeoutSeconds
}

// DenyPatterns returns the workspace jail's deny-glob list.
func (e *Engine) DenyPatterns() []string {
	return e.doc.Workspace.DenyPatterns
}

// HighRiskCommands returns the command names treated as automatically
// high-risk regardless of a tool's own risk assessment.
func (e *Engine) HighRiskCommands() []string {
	return e.doc.Risk.HighRiskCommands
}

// RedactionKeys returns the env/config key substrings that must be masked
// in any logged or previewed output.
func (e *Engine) RedactionKeys() []string {
	return e.doc.Redaction.Keys
}

// Limits returns the configured output-size limits.
func (e *Engine) Limits() Limits {
	return e.doc.Limits
}

// Resolve maps a tool's risk profile to a models.ControlPath per the
// capability rule registered for risk.ToolID. Unknown tools default to the
// "risk" mode.
func (e *Engine) Resolve(risk models.RiskProfile) models.ControlPath {
	rule, ok := e.doc.Capabilities[risk.ToolID]
	if !ok {
		rule = CapabilityRule{Approval: ApprovalRisk}
	}

	switch rule.Approval {
	case ApprovalNever:
		return models.ControlAuto
	case ApprovalAlways:
		return models.ControlApproval
	case ApprovalRisk:
		return resolveByRisk(risk)
	default:
		return resolveByRisk(risk)
	}
}

func resolveByRisk(risk models.RiskProfile) models.ControlPath {
	if risk.EstimatedImpact == models.ImpactLarge || risk.TouchesSecrets || risk.TouchesConfig {
		return models.ControlApproval
	}
	if risk.EstimatedImpact == models.ImpactMedium {
		return models.ControlPreview
	}
	return models.ControlAuto
}
