// Package exectool implements process.run: shell command execution rooted
// at the workspace with interactive pagers disabled.
package exectool

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/anvil-run/anvil/internal/kernelerr"
	"github.com/anvil-run/anvil/internal/toolkernel"
	"github.com/anvil-run/anvil/pkg/models"
)

// RunResult is process.run's return value.
type RunResult struct {
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
}

const runSchema = `{
	"type": "object",
	"properties": {
		"command": {"type": "string"},
		"cwd": {"type": "string"}
	},
	"required": ["command"]
}`

// nonInteractiveEnv disables pagers and prompts that would otherwise hang
// a subprocess with no attached terminal.
var nonInteractiveEnv = []string{
	"PAGER=cat",
	"GIT_PAGER=cat",
	"DEBIAN_FRONTEND=noninteractive",
	"CI=true",
}

// Handler implements process.run.
type Handler struct{}

func (Handler) ID() string                    { return "process.run" }
func (Handler) Category() models.RiskCategory { return models.RiskExec }
func (Handler) InputSchema() string           { return runSchema }

func (Handler) Execute(ctx context.Context, k *toolkernel.Kernel, rc toolkernel.RunContext, args map[string]any) (any, error) {
	var input struct {
		Command string `json:"command"`
		Cwd     string `json:"cwd"`
	}
	if err := toolkernel.MarshalArgs(args, &input); err != nil {
		return nil, kernelerr.Wrap(kernelerr.SchemaValidation, err, "decode process.run args")
	}
	if input.Command == "" {
		return nil, kernelerr.New(kernelerr.SchemaValidation, "command is required")
	}

	workdir := rc.WorkspaceRoot
	if input.Cwd != "" {
		resolved, err := k.ValidatePath(rc.WorkspaceRoot, input.Cwd)
		if err != nil {
			return nil, err
		}
		workdir = resolved
	}
	workdir = filepath.Clean(workdir)

	cmd := exec.CommandContext(ctx, "sh", "-c", input.Command)
	cmd.Dir = workdir
	cmd.Env = append(cmd.Environ(), nonInteractiveEnv...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, kernelerr.Wrap(kernelerr.ExecutionTimeout, ctx.Err(), "process.run cancelled")
		}
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, kernelerr.Wrap(kernelerr.StorageError, runErr, "run command")
		}
	}

	return RunResult{
		ExitCode:   exitCode,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: duration.Milliseconds(),
	}, nil
}
