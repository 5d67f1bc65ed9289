package repotools

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar"

	"github.com/anvil-run/anvil/internal/kernelerr"
	"github.com/anvil-run/anvil/internal/toolkernel"
	"github.com/anvil-run/anvil/pkg/models"
)

// SearchMatch is one hit from repo.search.
type SearchMatch struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

const searchSchema = `{
	"type": "object",
	"properties": {
		"query": {"type": "string"},
		"globs": {"type": "array", "items": {"type": "string"}},
		"maxResults": {"type": "integer", "minimum": 1}
	},
	"required": ["query"]
}`

// SearchHandler implements repo.search: a recursive, case-sensitive text
// search with optional glob filtering.
type SearchHandler struct{}

func (SearchHandler) ID() string                    { return "repo.search" }
func (SearchHandler) Category() models.RiskCategory { return models.RiskRead }
func (SearchHandler) InputSchema() string           { return searchSchema }

func (SearchHandler) Execute(ctx context.Context, k *toolkernel.Kernel, rc toolkernel.RunContext, args map[string]any) (any, error) {
	var input struct {
		Query      string   `json:"query"`
		Globs      []string `json:"globs"`
		MaxResults int      `json:"maxResults"`
	}
	if err := toolkernel.MarshalArgs(args, &input); err != nil {
		return nil, kernelerr.Wrap(kernelerr.SchemaValidation, err, "decode repo.search args")
	}
	if input.Query == "" {
		return nil, kernelerr.New(kernelerr.SchemaValidation, "query is required")
	}
	maxResults := input.MaxResults
	if maxResults <= 0 {
		maxResults = 50
	}

	root, err := k.ValidatePath(rc.WorkspaceRoot, ".")
	if err != nil {
		return nil, err
	}

	var matches []SearchMatch
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if len(matches) >= maxResults {
			return filepath.SkipAll
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		relSlash := filepath.ToSlash(rel)

		if len(input.Globs) > 0 && !matchesAnyGlob(relSlash, input.Globs) {
			return nil
		}
		if _, err := k.ValidatePath(rc.WorkspaceRoot, rel); err != nil {
			return nil // silently skip deny-listed paths rather than fail the whole search
		}

		matches = appendFileMatches(matches, path, relSlash, input.Query, maxResults)
		return nil
	})
	if walkErr != nil {
		return nil, kernelerr.Wrap(kernelerr.StorageError, walkErr, "search workspace")
	}

	return matches, nil
}

func matchesAnyGlob(relSlash string, globs []string) bool {
	for _, g := range globs {
		if matched, _ := doublestar.Match(g, relSlash); matched {
			return true
		}
	}
	return false
}

func appendFileMatches(matches []SearchMatch, absPath, relSlash, query string, maxResults int) []SearchMatch {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return matches
	}
	for i, line := range splitLines(string(data)) {
		if len(matches) >= maxResults {
			break
		}
		if strings.Contains(line, query) {
			matches = append(matches, SearchMatch{File: relSlash, Line: i + 1, Content: line})
		}
	}
	return matches
}
