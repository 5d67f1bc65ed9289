// Package repotools implements the repo.* capability tools: read, patch,
// search, and anchored edit, all jailed to a workspace root via
// toolkernel.Kernel.ValidatePath.
package repotools

import (
	"context"
	"os"
	"strings"

	"github.com/anvil-run/anvil/internal/kernelerr"
	"github.com/anvil-run/anvil/internal/toolkernel"
	"github.com/anvil-run/anvil/pkg/models"
)

// Anchor identifies one line's content by its 6-hex-prefix SHA-1 hash, used
// by repo.edit to validate line-indexed operations against a stale copy.
type Anchor struct {
	Line int    `json:"line"`
	Hash string `json:"hash"`
}

// ReadResult is repo.read's return value.
type ReadResult struct {
	Path      string   `json:"path"`
	Content   string   `json:"content"`
	Lines     int      `json:"lines"`
	Anchors   []Anchor `json:"anchors,omitempty"`
	Truncated bool     `json:"truncated"`
}

const readSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string"},
		"startLine": {"type": "integer", "minimum": 1},
		"endLine": {"type": "integer", "minimum": 1},
		"includeAnchors": {"type": "boolean"}
	},
	"required": ["path"]
}`

// ReadHandler implements repo.read.
type ReadHandler struct{}

func (ReadHandler) ID() string                      { return "repo.read" }
func (ReadHandler) Category() models.RiskCategory   { return models.RiskRead }
func (ReadHandler) InputSchema() string             { return readSchema }

func (ReadHandler) Execute(ctx context.Context, k *toolkernel.Kernel, rc toolkernel.RunContext, args map[string]any) (any, error) {
	var input struct {
		Path           string `json:"path"`
		StartLine      int    `json:"startLine"`
		EndLine        int    `json:"endLine"`
		IncludeAnchors bool   `json:"includeAnchors"`
	}
	if err := toolkernel.MarshalArgs(args, &input); err != nil {
		return nil, kernelerr.Wrap(kernelerr.SchemaValidation, err, "decode repo.read args")
	}

	resolved, err := k.ValidatePath(rc.WorkspaceRoot, input.Path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kernelerr.Wrap(kernelerr.FileNotFound, err, "read %q", input.Path)
		}
		return nil, kernelerr.Wrap(kernelerr.StorageError, err, "read %q", input.Path)
	}

	allLines := splitLines(string(data))

	start, end := 1, len(allLines)
	if input.StartLine > 0 {
		start = input.StartLine
	}
	if input.EndLine > 0 {
		end = input.EndLine
	}
	if start < 1 {
		start = 1
	}
	if end > len(allLines) {
		end = len(allLines)
	}
	if end < start {
		return nil, kernelerr.New(kernelerr.InvalidRange, "endLine %d < startLine %d", input.EndLine, input.StartLine)
	}

	selected := allLines[start-1 : end]
	truncated := start > 1 || end < len(allLines)

	result := ReadResult{
		Path:      input.Path,
		Content:   strings.Join(selected, "\n"),
		Lines:     len(selected),
		Truncated: truncated,
	}

	if input.IncludeAnchors {
		result.Anchors = make([]Anchor, len(selected))
		for i, line := range selected {
			result.Anchors[i] = Anchor{Line: start + i, Hash: toolkernel.HashLine(line)}
		}
	}

	return result, nil
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	trimmed := strings.TrimSuffix(content, "\n")
	return strings.Split(trimmed, "\n")
}
