// Package skills implements the Skill Registry: discovery of SKILL.md
// files across a priority-ordered set of directories, and the lookup
// operations the Context Assembler and tool surface use against them.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SkillFilename is the expected filename for a skill definition.
const SkillFilename = "SKILL.md"

const frontmatterDelimiter = "---"

// Frontmatter holds the optional YAML metadata block at the top of a
// SKILL.md file.
type Frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`
	License     string `yaml:"license"`
}

// Entry is a discovered skill.
type Entry struct {
	Name        string
	Description string
	Version     string
	License     string
	Content     string
	Path        string
	Source      string
	References  []string
}

var referencePattern = regexp.MustCompile(`(?m)^\s*-\s+(\.\/\S+)`)

// ParseFile reads and parses a SKILL.md file at path, deriving the skill
// name from its containing directory when the frontmatter omits one.
func ParseFile(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, fmt.Errorf("skills: read %s: %w", path, err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse parses SKILL.md content rooted at dir, where dir is the skill's
// containing directory (its base name is the fallback skill name).
func Parse(data []byte, dir string) (Entry, error) {
	frontmatter, body := splitFrontmatter(data)

	var fm Frontmatter
	if len(frontmatter) > 0 {
		if err := yaml.Unmarshal(frontmatter, &fm); err != nil {
			return Entry{}, fmt.Errorf("skills: parse frontmatter in %s: %w", dir, err)
		}
	}

	name := fm.Name
	if name == "" {
		name = filepath.Base(dir)
	}

	content := strings.TrimSpace(string(body))
	return Entry{
		Name:        name,
		Description: fm.Description,
		Version:     fm.Version,
		License:     fm.License,
		Content:     content,
		Path:        dir,
		References:  collectReferences(content),
	}, nil
}

// splitFrontmatter separates an optional leading `---`-delimited YAML
// block from the markdown body. If the file does not open with the
// delimiter, the entire content is treated as body.
func splitFrontmatter(data []byte) (frontmatter, body []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return nil, data
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, data
	}

	var fmLines []string
	closed := false
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == frontmatterDelimiter {
			closed = true
			break
		}
		fmLines = append(fmLines, scanner.Text())
	}
	if !closed {
		return nil, data
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}

	return []byte(strings.Join(fmLines, "\n")), []byte(strings.Join(bodyLines, "\n"))
}

// collectReferences finds every `- ./path` reference line anywhere in the
// skill body.
func collectReferences(content string) []string {
	matches := referencePattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, m[1])
	}
	return refs
}

// DiscoveryDir is one directory to scan for SKILL.md files, tagged with
// the source label attached to any skill found there.
type DiscoveryDir struct {
	Path   string
	Source string
}

// WorkspaceDirs returns the spec's priority-ordered default discovery
// directories for a given workspace and home directory, in the order that
// should win on name collision (first wins).
func WorkspaceDirs(workspace, home, product string) []DiscoveryDir {
	dirs := []DiscoveryDir{
		{Path: filepath.Join(workspace, ".agent", "skills"), Source: "workspace-agent"},
		{Path: filepath.Join(workspace, ".skills"), Source: "workspace"},
	}
	if home != "" {
		dirs = append(dirs, DiscoveryDir{Path: filepath.Join(home, "."+product, "skills"), Source: "home"})
	}
	return dirs
}

// Discover scans dirs in order, parsing every <dir>/<name>/SKILL.md found.
// The first discovered skill for a given name wins; later directories
// (including extra dirs) never overwrite an earlier match.
func Discover(dirs []DiscoveryDir) ([]Entry, error) {
	seen := map[string]bool{}
	var out []Entry

	for _, d := range dirs {
		entries, err := os.ReadDir(d.Path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("skills: read dir %s: %w", d.Path, err)
		}

		for _, de := range entries {
			if !de.IsDir() {
				continue
			}
			skillPath := filepath.Join(d.Path, de.Name(), SkillFilename)
			if _, err := os.Stat(skillPath); err != nil {
				continue
			}
			entry, err := ParseFile(skillPath)
			if err != nil {
				return nil, err
			}
			if seen[entry.Name] {
				continue
			}
			entry.Source = d.Source
			seen[entry.Name] = true
			out = append(out, entry)
		}
	}

	return out, nil
}

// Registry holds discovered skills and serves the Skill Registry's lookup
// operations.
type Registry struct {
	byName map[string]Entry
	order  []string
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Entry)}
}

// Register adds or replaces a skill entry by name.
func (r *Registry) Register(entry Entry) {
	if _, exists := r.byName[entry.Name]; !exists {
		r.order = append(r.order, entry.Name)
	}
	r.byName[entry.Name] = entry
}

// Get returns the skill with the given name.
func (r *Registry) Get(name string) (Entry, bool) {
	e, ok := r.byName[name]
	return e, ok
}

// GetAll returns every registered skill in registration order.
func (r *Registry) GetAll() []Entry {
	out := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Filter returns the skills named in names, in registration order. An
// empty or nil names returns every registered skill.
func (r *Registry) Filter(names []string) []Entry {
	if len(names) == 0 {
		return r.GetAll()
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	out := make([]Entry, 0, len(names))
	for _, name := range r.order {
		if wanted[name] {
			out = append(out, r.byName[name])
		}
	}
	return out
}

// Search returns skills whose name or description contains query,
// case-insensitively, in registration order.
func (r *Registry) Search(query string) []Entry {
	q := strings.ToLower(query)
	var out []Entry
	for _, name := range r.order {
		e := r.byName[name]
		if strings.Contains(strings.ToLower(e.Name), q) || strings.Contains(strings.ToLower(e.Description), q) {
			out = append(out, e)
		}
	}
	return out
}

// ListBySource groups every registered skill by its discovery source,
// each group sorted by name.
func (r *Registry) ListBySource() map[string][]Entry {
	out := make(map[string][]Entry)
	for _, name := range r.order {
		e := r.byName[name]
		out[e.Source] = append(out[e.Source], e)
	}
	for source := range out {
		sort.Slice(out[source], func(i, j int) bool { return out[source][i].Name < out[source][j].Name })
	}
	return out
}
