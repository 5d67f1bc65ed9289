package repotools

import (
	"context"
	"os"
	"path/filepath"

	"github.com/anvil-run/anvil/internal/kernelerr"
	"github.com/anvil-run/anvil/internal/toolkernel"
	"github.com/anvil-run/anvil/pkg/models"
)

// PatchResult is repo.patch's return value.
type PatchResult struct {
	Path         string `json:"path"`
	LinesChanged int    `json:"linesChanged"`
	Created      bool   `json:"created"`
}

const patchSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string"},
		"content": {"type": "string"},
		"createIfMissing": {"type": "boolean"}
	},
	"required": ["path", "content"]
}`

// PatchHandler implements repo.patch: whole-file overwrite with directory
// creation.
type PatchHandler struct{}

func (PatchHandler) ID() string                    { return "repo.patch" }
func (PatchHandler) Category() models.RiskCategory { return models.RiskWrite }
func (PatchHandler) InputSchema() string           { return patchSchema }

func (PatchHandler) Execute(ctx context.Context, k *toolkernel.Kernel, rc toolkernel.RunContext, args map[string]any) (any, error) {
	var input struct {
		Path            string `json:"path"`
		Content         string `json:"content"`
		CreateIfMissing *bool  `json:"createIfMissing"`
	}
	if err := toolkernel.MarshalArgs(args, &input); err != nil {
		return nil, kernelerr.Wrap(kernelerr.SchemaValidation, err, "decode repo.patch args")
	}
	createIfMissing := true
	if input.CreateIfMissing != nil {
		createIfMissing = *input.CreateIfMissing
	}

	resolved, err := k.ValidatePath(rc.WorkspaceRoot, input.Path)
	if err != nil {
		return nil, err
	}

	existing, err := os.ReadFile(resolved)
	created := false
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, kernelerr.Wrap(kernelerr.StorageError, err, "read %q", input.Path)
		}
		if !createIfMissing {
			return nil, kernelerr.Wrap(kernelerr.FileNotFound, err, "%q does not exist and createIfMissing is false", input.Path)
		}
		created = true
	}

	if created {
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			return nil, kernelerr.Wrap(kernelerr.StorageError, err, "create parent directories for %q", input.Path)
		}
	}

	if err := os.WriteFile(resolved, []byte(input.Content), 0o644); err != nil {
		return nil, kernelerr.Wrap(kernelerr.StorageError, err, "write %q", input.Path)
	}

	return PatchResult{
		Path:         input.Path,
		LinesChanged: countChangedLines(string(existing), input.Content),
		Created:      created,
	}, nil
}

// countChangedLines sums the absolute length delta between old and new
// content with the count of per-index line inequalities over the shared
// prefix, per the kernel's linesChanged contract.
func countChangedLines(oldContent, newContent string) int {
	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)

	delta := len(newLines) - len(oldLines)
	if delta < 0 {
		delta = -delta
	}

	shared := len(oldLines)
	if len(newLines) < shared {
		shared = len(newLines)
	}
	mismatches := 0
	for i := 0; i < shared; i++ {
		if oldLines[i] != newLines[i] {
			mismatches++
		}
	}

	return delta + mismatches
}
