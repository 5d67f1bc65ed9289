package repotools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/anvil-run/anvil/internal/kernelerr"
	"github.com/anvil-run/anvil/internal/toolkernel"
	"github.com/anvil-run/anvil/pkg/models"
)

// EditMode selects how repo.edit handles a partial failure within a batch
// of operations.
type EditMode string

const (
	ModeAtomic     EditMode = "atomic"
	ModeBestEffort EditMode = "best-effort"
)

// EditOperation is one anchored edit. Exactly one of the three shapes
// applies, discriminated by Op.
type EditOperation struct {
	Op            string `json:"op"`
	Line          int    `json:"line,omitempty"`
	ExpectedHash  string `json:"expectedHash,omitempty"`
	Content       string `json:"content,omitempty"`
	StartLine     int    `json:"startLine,omitempty"`
	EndLine       int    `json:"endLine,omitempty"`
	StartHash     string `json:"startHash,omitempty"`
	EndHash       string `json:"endHash,omitempty"`
}

const (
	opReplaceLine  = "replace-line"
	opInsertAfter  = "insert-after"
	opReplaceRange = "replace-range"
)

// EditFailure describes one operation that could not be applied.
type EditFailure struct {
	Index  int    `json:"index"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// EditResult is repo.edit's return value.
type EditResult struct {
	Path               string        `json:"path"`
	FileHash           string        `json:"fileHash"`
	AppliedOperations  int           `json:"appliedOperations"`
	FailedOperations   []EditFailure `json:"failedOperations,omitempty"`
}

const editSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string"},
		"baseHash": {"type": "string"},
		"mode": {"type": "string", "enum": ["atomic", "best-effort"]},
		"operations": {"type": "array"}
	},
	"required": ["path", "operations"]
}`

// EditHandler implements repo.edit: anchored, hash-verified line edits.
type EditHandler struct{}

func (EditHandler) ID() string                    { return "repo.edit" }
func (EditHandler) Category() models.RiskCategory { return models.RiskWrite }
func (EditHandler) InputSchema() string           { return editSchema }

func (EditHandler) Execute(ctx context.Context, k *toolkernel.Kernel, rc toolkernel.RunContext, args map[string]any) (any, error) {
	var input struct {
		Path       string          `json:"path"`
		BaseHash   string          `json:"baseHash"`
		Mode       EditMode        `json:"mode"`
		Operations []EditOperation `json:"operations"`
	}
	if err := toolkernel.MarshalArgs(args, &input); err != nil {
		return nil, kernelerr.Wrap(kernelerr.SchemaValidation, err, "decode repo.edit args")
	}
	if input.Mode == "" {
		input.Mode = ModeAtomic
	}

	resolved, err := k.ValidatePath(rc.WorkspaceRoot, input.Path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.FileNotFound, err, "read %q", input.Path)
	}
	original := string(data)

	if input.BaseHash != "" && input.BaseHash != toolkernel.HashFile(original) {
		return nil, kernelerr.New(kernelerr.StaleBase, "baseHash mismatch for %q", input.Path)
	}

	lines := splitLines(original)
	failures, appliedLines, appliedCount := applyOperations(lines, input.Operations)

	if input.Mode == ModeAtomic && len(failures) > 0 {
		return EditResult{
			Path:             input.Path,
			FileHash:         toolkernel.HashFile(original),
			FailedOperations: failures,
		}, nil
	}

	finalContent := strings.Join(appliedLines, "\n")
	if strings.HasSuffix(original, "\n") {
		finalContent += "\n"
	}
	if err := os.WriteFile(resolved, []byte(finalContent), 0o644); err != nil {
		return nil, kernelerr.Wrap(kernelerr.StorageError, err, "write %q", input.Path)
	}

	return EditResult{
		Path:              input.Path,
		FileHash:          toolkernel.HashFile(finalContent),
		AppliedOperations: appliedCount,
		FailedOperations:  failures,
	}, nil
}

// applyOperations applies operations in order against a working copy of
// lines, collecting every failure rather than stopping at the first. The
// caller discards the working copy (and writes nothing) in atomic mode
// whenever failures is non-empty.
func applyOperations(lines []string, ops []EditOperation) ([]EditFailure, []string, int) {
	working := append([]string(nil), lines...)
	var failures []EditFailure
	applied := 0

	for i, op := range ops {
		var err *kernelerr.Error
		working, err = applyOne(working, op)
		if err != nil {
			failures = append(failures, EditFailure{Index: i, Code: string(err.Code), Detail: err.Detail})
			continue
		}
		applied++
	}

	return failures, working, applied
}

func applyOne(lines []string, op EditOperation) ([]string, *kernelerr.Error) {
	switch op.Op {
	case opReplaceLine:
		return applyReplaceLine(lines, op)
	case opInsertAfter:
		return applyInsertAfter(lines, op)
	case opReplaceRange:
		return applyReplaceRange(lines, op)
	default:
		return lines, kernelerr.New(kernelerr.InvalidRange, "unknown operation %q", op.Op)
	}
}

func applyReplaceLine(lines []string, op EditOperation) ([]string, *kernelerr.Error) {
	if op.Line < 1 || op.Line > len(lines) {
		return lines, kernelerr.New(kernelerr.InvalidRange, "line %d out of range (1..%d)", op.Line, len(lines))
	}
	idx := op.Line - 1
	if actual := toolkernel.HashLine(lines[idx]); actual != op.ExpectedHash {
		return lines, anchorMismatch(lines, idx, op.ExpectedHash, actual)
	}
	out := append([]string(nil), lines...)
	out[idx] = op.Content
	return out, nil
}

func applyInsertAfter(lines []string, op EditOperation) ([]string, *kernelerr.Error) {
	if op.Line < 0 || op.Line > len(lines) {
		return lines, kernelerr.New(kernelerr.InvalidRange, "line %d out of range (0..%d)", op.Line, len(lines))
	}
	if op.Line > 0 {
		idx := op.Line - 1
		if actual := toolkernel.HashLine(lines[idx]); actual != op.ExpectedHash {
			return lines, anchorMismatch(lines, idx, op.ExpectedHash, actual)
		}
	}
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:op.Line]...)
	out = append(out, op.Content)
	out = append(out, lines[op.Line:]...)
	return out, nil
}

func applyReplaceRange(lines []string, op EditOperation) ([]string, *kernelerr.Error) {
	if op.EndLine < op.StartLine {
		return lines, kernelerr.New(kernelerr.InvalidRange, "endLine %d < startLine %d", op.EndLine, op.StartLine)
	}
	if op.StartLine < 1 || op.EndLine > len(lines) {
		return lines, kernelerr.New(kernelerr.InvalidRange, "range %d..%d out of bounds (1..%d)", op.StartLine, op.EndLine, len(lines))
	}
	startIdx, endIdx := op.StartLine-1, op.EndLine-1
	if actual := toolkernel.HashLine(lines[startIdx]); actual != op.StartHash {
		return lines, anchorMismatch(lines, startIdx, op.StartHash, actual)
	}
	if actual := toolkernel.HashLine(lines[endIdx]); actual != op.EndHash {
		return lines, anchorMismatch(lines, endIdx, op.EndHash, actual)
	}
	out := make([]string, 0, len(lines))
	out = append(out, lines[:startIdx]...)
	out = append(out, strings.Split(op.Content, "\n")...)
	out = append(out, lines[endIdx+1:]...)
	return out, nil
}

// anchorMismatch builds an AnchorMismatch error including a +/-1-line
// anchor window around the mismatched line.
func anchorMismatch(lines []string, idx int, expected, actual string) *kernelerr.Error {
	lo, hi := idx-1, idx+1
	if lo < 0 {
		lo = 0
	}
	if hi > len(lines)-1 {
		hi = len(lines) - 1
	}
	var window strings.Builder
	for i := lo; i <= hi; i++ {
		fmt.Fprintf(&window, "%d:%s ", i+1, toolkernel.HashLine(lines[i]))
	}
	return kernelerr.New(kernelerr.AnchorMismatch, "line %d expected hash %s, got %s; window: %s", idx+1, expected, actual, strings.TrimSpace(window.String()))
}
