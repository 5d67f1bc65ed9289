// Package toolkernel implements the Tool Kernel: a capability registry,
// workspace jail, risk classification, and policy-gated execution.
package toolkernel

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/anvil-run/anvil/internal/kernelerr"
	"github.com/anvil-run/anvil/internal/policy"
	"github.com/anvil-run/anvil/pkg/models"
)

// RunContext is the execution-scoped information a Handler needs: which
// workspace it is jailed to and which run/session it is acting on behalf
// of.
type RunContext struct {
	WorkspaceRoot string
	RunID         string
	SessionID     string
}

// Handler is a registered capability. Implementations live in
// internal/toolkernel/repotools and internal/toolkernel/exectool.
type Handler interface {
	ID() string
	Category() models.RiskCategory
	InputSchema() string // JSON schema document
	Execute(ctx context.Context, kernel *Kernel, rc RunContext, args map[string]any) (any, error)
}

var configPathMarkers = []string{".env", "config.", "tsconfig.", "package.json", "policy.yaml"}
var buildPathMarkers = []string{"webpack", "vite", "turbo", "next.config", "Makefile"}

// Kernel is the Tool Kernel. Safe for concurrent use.
type Kernel struct {
	policy *policy.Engine

	mu       sync.RWMutex
	handlers map[string]Handler

	schemaMu    sync.Mutex
	schemaCache map[string]*jsonschema.Schema
}

// New constructs a Kernel bound to a Policy Engine.
func New(pol *policy.Engine) *Kernel {
	return &Kernel{
		policy:      pol,
		handlers:    make(map[string]Handler),
		schemaCache: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a handler. Fails on a duplicate id.
func (k *Kernel) Register(h Handler) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.handlers[h.ID()]; exists {
		return kernelerr.New(kernelerr.NotFound, "tool %q already registered", h.ID())
	}
	k.handlers[h.ID()] = h
	return nil
}

// GetTools returns every registered handler.
func (k *Kernel) GetTools() []Handler {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]Handler, 0, len(k.handlers))
	for _, h := range k.handlers {
		out = append(out, h)
	}
	return out
}

// GetTool looks up a handler by id.
func (k *Kernel) GetTool(id string) (Handler, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	h, ok := k.handlers[id]
	return h, ok
}

// AssessRisk computes a RiskProfile for a prospective tool call. It never
// executes the tool.
func (k *Kernel) AssessRisk(toolID string, args map[string]any) models.RiskProfile {
	h, ok := k.GetTool(toolID)
	category := models.RiskRead
	if ok {
		category = h.Category()
	}

	path, _ := args["path"].(string)
	command, _ := args["command"].(string)

	impact := models.ImpactSmall
	switch category {
	case models.RiskExec:
		impact = models.ImpactMedium
		if first := firstToken(command); first != "" {
			for _, cmd := range k.policy.HighRiskCommands() {
				if strings.EqualFold(first, cmd) {
					impact = models.ImpactLarge
					break
				}
			}
		}
	case models.RiskWrite:
		impact = models.ImpactMedium
	case models.RiskNetwork:
		impact = models.ImpactMedium
	case models.RiskRead:
		impact = models.ImpactSmall
	}

	touchesSecrets := matchesAnyUpper(path, k.policy.RedactionKeys()) || matchesAnyUpper(command, k.policy.RedactionKeys())
	touchesConfig := containsAny(path, configPathMarkers)
	touchesBuild := containsAny(path, buildPathMarkers)

	return models.RiskProfile{
		ToolID:          toolID,
		Category:        category,
		EstimatedImpact: impact,
		TouchesSecrets:  touchesSecrets,
		TouchesConfig:   touchesConfig,
		TouchesBuild:    touchesBuild,
	}
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func matchesAnyUpper(value string, keys []string) bool {
	if value == "" {
		return false
	}
	upper := strings.ToUpper(value)
	for _, key := range keys {
		if strings.Contains(upper, strings.ToUpper(key)) {
			return true
		}
	}
	return false
}

func containsAny(value string, markers []string) bool {
	if value == "" {
		return false
	}
	for _, m := range markers {
		if strings.Contains(value, m) {
			return true
		}
	}
	return false
}

// GetControlPath resolves a tool call's control path via the Policy Engine.
func (k *Kernel) GetControlPath(toolID string, args map[string]any) models.ControlPath {
	return k.policy.Resolve(k.AssessRisk(toolID, args))
}

// NeedsApproval reports whether a tool call must suspend on the Approval
// Gate before running.
func (k *Kernel) NeedsApproval(toolID string, args map[string]any) bool {
	switch k.GetControlPath(toolID, args) {
	case models.ControlApproval, models.ControlPreview:
		return true
	default:
		return false
	}
}

// ValidatePath resolves targetPath against workspaceRoot and enforces the
// jail: the resolved path must not escape the root and must not match any
// configured deny glob.
func (k *Kernel) ValidatePath(workspaceRoot, targetPath string) (string, error) {
	clean := strings.TrimSpace(targetPath)
	if clean == "" {
		return "", kernelerr.New(kernelerr.WorkspaceEscape, "path is required")
	}

	rootAbs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.WorkspaceEscape, err, "resolve workspace root")
	}

	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.WorkspaceEscape, err, "resolve path")
	}

	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.WorkspaceEscape, err, "resolve relative path")
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", kernelerr.New(kernelerr.WorkspaceEscape, "path %q escapes workspace root", targetPath)
	}

	relSlash := filepath.ToSlash(rel)
	for _, pattern := range k.policy.DenyPatterns() {
		if matched, _ := doublestar.Match(pattern, relSlash); matched {
			return "", kernelerr.New(kernelerr.DenyPatternMatch, "path %q matches deny pattern %q", targetPath, pattern)
		}
		if stripped := strings.TrimPrefix(pattern, "**/"); stripped != pattern {
			if matched, _ := doublestar.Match(stripped, relSlash); matched {
				return "", kernelerr.New(kernelerr.DenyPatternMatch, "path %q matches deny pattern %q", targetPath, pattern)
			}
		}
	}

	return targetAbs, nil
}

// Execute validates args against the tool's schema, runs it under a
// policy-derived timeout, and applies output size limits.
func (k *Kernel) Execute(ctx context.Context, toolID string, args map[string]any, runID, sessionID, workspaceOverride string) (any, error) {
	h, ok := k.GetTool(toolID)
	if !ok {
		return nil, kernelerr.New(kernelerr.NotFound, "tool %q not found", toolID)
	}

	if err := k.validateSchema(h, args); err != nil {
		return nil, err
	}

	timeoutSec := k.policy.TimeoutFor(toolID)
	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
	defer cancel()

	rc := RunContext{WorkspaceRoot: workspaceOverride, RunID: runID, SessionID: sessionID}

	type execResult struct {
		result any
		err    error
	}
	done := make(chan execResult, 1)
	go func() {
		result, err := h.Execute(execCtx, k, rc, args)
		done <- execResult{result, err}
	}()

	select {
	case <-execCtx.Done():
		return nil, kernelerr.New(kernelerr.ExecutionTimeout, "tool %q exceeded %ds timeout", toolID, timeoutSec)
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		return k.applyLimits(res.result), nil
	}
}

func (k *Kernel) applyLimits(result any) any {
	limits := k.policy.Limits()
	if s, ok := result.(string); ok {
		if len(s) > limits.MaxStdout {
			return s[:limits.MaxStdout] + fmt.Sprintf("\n...[truncated, %d bytes omitted]", len(s)-limits.MaxStdout)
		}
	}
	return result
}

func (k *Kernel) validateSchema(h Handler, args map[string]any) error {
	schema, err := k.compileSchema(h.ID(), h.InputSchema())
	if err != nil {
		return kernelerr.Wrap(kernelerr.SchemaValidation, err, "compile schema for %q", h.ID())
	}
	if schema == nil {
		return nil
	}
	if err := schema.Validate(args); err != nil {
		return kernelerr.Wrap(kernelerr.SchemaValidation, err, "args for %q failed validation", h.ID())
	}
	return nil
}

func (k *Kernel) compileSchema(toolID, schemaDoc string) (*jsonschema.Schema, error) {
	if strings.TrimSpace(schemaDoc) == "" {
		return nil, nil
	}
	k.schemaMu.Lock()
	defer k.schemaMu.Unlock()
	if cached, ok := k.schemaCache[toolID]; ok {
		return cached, nil
	}
	compiled, err := jsonschema.CompileString(toolID+".schema.json", schemaDoc)
	if err != nil {
		return nil, err
	}
	k.schemaCache[toolID] = compiled
	return compiled, nil
}

// HashLine returns the anchor hash for a line of content: the first 6 hex
// characters of its SHA-1 digest.
func HashLine(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:])[:6]
}

// HashFile returns the full SHA-1 hex digest of file content, used for
// repo.edit's baseHash staleness check.
func HashFile(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// MarshalArgs round-trips a handler's typed input back through JSON so
// callers that assembled args as a map[string]any can decode into a
// handler-specific struct.
func MarshalArgs(args map[string]any, out any) error {
	b, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
