package toolkernel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anvil-run/anvil/internal/kernelerr"
	"github.com/anvil-run/anvil/internal/policy"
	"github.com/anvil-run/anvil/pkg/models"
)

type noopHandler struct {
	id       string
	category models.RiskCategory
	schema   string
	delay    time.Duration
	result   any
	err      error
}

func (h noopHandler) ID() string                    { return h.id }
func (h noopHandler) Category() models.RiskCategory { return h.category }
func (h noopHandler) InputSchema() string           { return h.schema }

func (h noopHandler) Execute(ctx context.Context, k *Kernel, rc RunContext, args map[string]any) (any, error) {
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return h.result, h.err
}

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	pol, err := policy.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	return New(pol)
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	k := newTestKernel(t)
	h := noopHandler{id: "repo.read", category: models.RiskRead}
	if err := k.Register(h); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := k.Register(h); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestAssessRiskExecHighRiskCommand(t *testing.T) {
	k := newTestKernel(t)
	if err := k.Register(noopHandler{id: "process.run", category: models.RiskExec}); err != nil {
		t.Fatalf("register: %v", err)
	}

	risk := k.AssessRisk("process.run", map[string]any{"command": "rm -rf /tmp/x"})
	if risk.EstimatedImpact != models.ImpactLarge {
		t.Fatalf("expected large impact for rm, got %s", risk.EstimatedImpact)
	}

	risk = k.AssessRisk("process.run", map[string]any{"command": "ls -la"})
	if risk.EstimatedImpact != models.ImpactMedium {
		t.Fatalf("expected medium impact for ls, got %s", risk.EstimatedImpact)
	}
}

func TestAssessRiskTouchesSecretsAndConfig(t *testing.T) {
	k := newTestKernel(t)
	if err := k.Register(noopHandler{id: "repo.patch", category: models.RiskWrite}); err != nil {
		t.Fatalf("register: %v", err)
	}

	risk := k.AssessRisk("repo.patch", map[string]any{"path": "deploy/SECRET_TOKEN.txt"})
	if !risk.TouchesSecrets {
		t.Fatal("expected TouchesSecrets to be true")
	}

	risk = k.AssessRisk("repo.patch", map[string]any{"path": "app/.env"})
	if !risk.TouchesConfig {
		t.Fatal("expected TouchesConfig to be true")
	}
}

func TestGetControlPathAndNeedsApproval(t *testing.T) {
	k := newTestKernel(t)
	if err := k.Register(noopHandler{id: "repo.read", category: models.RiskRead}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := k.Register(noopHandler{id: "repo.patch", category: models.RiskWrite}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if k.NeedsApproval("repo.read", nil) {
		t.Fatal("repo.read should never need approval")
	}
	if !k.NeedsApproval("repo.patch", nil) {
		t.Fatal("repo.patch should always need approval")
	}
}

func TestValidatePathRejectsEscape(t *testing.T) {
	k := newTestKernel(t)
	root := t.TempDir()
	if _, err := k.ValidatePath(root, "../outside.txt"); !errors.Is(err, kernelerr.ErrWorkspaceEscape) {
		t.Fatalf("expected WorkspaceEscape, got %v", err)
	}
}

func TestValidatePathRejectsDenyPattern(t *testing.T) {
	k := newTestKernel(t)
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := k.ValidatePath(root, ".git/config"); !errors.Is(err, kernelerr.ErrDenyPatternMatch) {
		t.Fatalf("expected DenyPatternMatch, got %v", err)
	}
}

func TestValidatePathAllowsInsideRoot(t *testing.T) {
	k := newTestKernel(t)
	root := t.TempDir()
	resolved, err := k.ValidatePath(root, "src/main.go")
	if err != nil {
		t.Fatalf("validate path: %v", err)
	}
	if filepath.Dir(resolved) != filepath.Join(root, "src") {
		t.Fatalf("unexpected resolved path: %s", resolved)
	}
}

func TestExecuteRejectsInvalidArgsAgainstSchema(t *testing.T) {
	k := newTestKernel(t)
	if err := k.Register(noopHandler{
		id:       "repo.read",
		category: models.RiskRead,
		schema:   `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`,
		result:   "ok",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := k.Execute(context.Background(), "repo.read", map[string]any{}, "run-1", "sess-1", t.TempDir())
	if !errors.Is(err, kernelerr.ErrSchemaValidation) {
		t.Fatalf("expected SchemaValidation, got %v", err)
	}
}

func TestExecuteEnforcesPolicyTimeout(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "policy.yaml"), []byte("execution:\n  timeouts:\n    process.run: 1\n"), 0o644); err != nil {
		t.Fatalf("write policy.yaml: %v", err)
	}
	pol, err := policy.Load(root)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	k := New(pol)
	if err := k.Register(noopHandler{
		id:       "process.run",
		category: models.RiskExec,
		delay:    2 * time.Second,
		result:   "done",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err = k.Execute(context.Background(), "process.run", map[string]any{}, "run-1", "sess-1", root)
	if !errors.Is(err, kernelerr.ErrExecutionTimeout) {
		t.Fatalf("expected ExecutionTimeout, got %v", err)
	}
}

func TestExecuteHappyPath(t *testing.T) {
	k := newTestKernel(t)
	if err := k.Register(noopHandler{id: "process.run", category: models.RiskExec, result: "done"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	result, err := k.Execute(context.Background(), "process.run", map[string]any{}, "run-1", "sess-1", t.TempDir())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result != "done" {
		t.Fatalf("unexpected result: %v", result)
	}
}

func TestApplyLimitsTruncatesLongStdout(t *testing.T) {
	k := newTestKernel(t)
	long := make([]byte, 25000)
	for i := range long {
		long[i] = 'a'
	}
	out := k.applyLimits(string(long))
	s, ok := out.(string)
	if !ok {
		t.Fatalf("expected string result, got %T", out)
	}
	if len(s) >= len(long) {
		t.Fatalf("expected truncation, got length %d", len(s))
	}
}
