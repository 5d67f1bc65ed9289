package exectool

import (
	"context"
	"testing"

	"github.com/anvil-run/anvil/internal/policy"
	"github.com/anvil-run/anvil/internal/toolkernel"
)

func TestHandlerExecutesCommand(t *testing.T) {
	root := t.TempDir()
	pol, err := policy.Load(root)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	k := toolkernel.New(pol)
	rc := toolkernel.RunContext{WorkspaceRoot: root}

	result, err := Handler{}.Execute(context.Background(), k, rc, map[string]any{
		"command": "echo hello",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	rr := result.(RunResult)
	if rr.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", rr.ExitCode)
	}
	if rr.Stdout != "hello\n" {
		t.Fatalf("unexpected stdout: %q", rr.Stdout)
	}
}

func TestHandlerReportsNonZeroExitCode(t *testing.T) {
	root := t.TempDir()
	pol, err := policy.Load(root)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	k := toolkernel.New(pol)
	rc := toolkernel.RunContext{WorkspaceRoot: root}

	result, err := Handler{}.Execute(context.Background(), k, rc, map[string]any{
		"command": "exit 7",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	rr := result.(RunResult)
	if rr.ExitCode != 7 {
		t.Fatalf("expected exit code 7, got %d", rr.ExitCode)
	}
}

func TestHandlerRejectsMissingCommand(t *testing.T) {
	root := t.TempDir()
	pol, err := policy.Load(root)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	k := toolkernel.New(pol)
	rc := toolkernel.RunContext{WorkspaceRoot: root}

	_, err = Handler{}.Execute(context.Background(), k, rc, map[string]any{})
	if err == nil {
		t.Fatal("expected error for missing command")
	}
}
