// Package promptassembly builds an engine.EngineRunRequest's system prompt
// from the agent's static configuration and a session's accumulated
// working memory.
package promptassembly

import (
	"fmt"
	"sort"
	"strings"

	"github.com/anvil-run/anvil/internal/engine"
	"github.com/anvil-run/anvil/pkg/models"
)

const maxReflections = 5
const maxObservations = 10

// Skill is a selected skill's rendered content, keyed by name, for
// inclusion in the assembled system prompt.
type Skill struct {
	Name    string
	Content string
}

// Request is the input to Assemble.
type Request struct {
	RunConfig       engine.RunConfig
	BasePrompt      string
	Workspace       string
	SessionID       string
	Messages        []engine.Message
	Tools           []engine.Tool
	SessionSnapshot *models.SessionSnapshotData
	Skills          []Skill
}

// Assembler builds EngineRunRequest values from a Request.
type Assembler struct{}

// New constructs an Assembler.
func New() *Assembler {
	return &Assembler{}
}

// Assemble concatenates the base prompt with the workspace, long-term
// memory, recent observations, and active skills sections, separated by
// blank lines, omitting any section that has nothing to contribute.
func (a *Assembler) Assemble(req Request) engine.EngineRunRequest {
	sections := []string{}

	if strings.TrimSpace(req.BasePrompt) != "" {
		sections = append(sections, strings.TrimSpace(req.BasePrompt))
	}

	if s := workspaceSection(req.Workspace, req.SessionID); s != "" {
		sections = append(sections, s)
	}

	if req.SessionSnapshot != nil {
		if s := reflectionsSection(req.SessionSnapshot.Reflections); s != "" {
			sections = append(sections, s)
		}
		if s := observationsSection(req.SessionSnapshot.Observations); s != "" {
			sections = append(sections, s)
		}
	}

	if s := skillsSection(req.Skills); s != "" {
		sections = append(sections, s)
	}

	return engine.EngineRunRequest{
		RunConfig:    req.RunConfig,
		SystemPrompt: strings.Join(sections, "\n\n"),
		Messages:     req.Messages,
		Tools:        req.Tools,
	}
}

func workspaceSection(workspace, sessionID string) string {
	if workspace == "" && sessionID == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Workspace\n")
	b.WriteString(fmt.Sprintf("Root: %s\n", workspace))
	b.WriteString(fmt.Sprintf("Session: %s", sessionID))
	return b.String()
}

func reflectionsSection(reflections []models.Reflection) string {
	if len(reflections) == 0 {
		return ""
	}
	sorted := append([]models.Reflection(nil), reflections...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Frequency > sorted[j].Frequency
	})
	if len(sorted) > maxReflections {
		sorted = sorted[:maxReflections]
	}

	var b strings.Builder
	b.WriteString("## Long-Term Memory (Reflections)")
	for _, r := range sorted {
		b.WriteString(fmt.Sprintf("\n- %s: %s", r.Topic, r.Content))
	}
	return b.String()
}

func observationsSection(observations []models.Observation) string {
	if len(observations) == 0 {
		return ""
	}
	sorted := append([]models.Observation(nil), observations...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Ts > sorted[j].Ts
	})
	if len(sorted) > maxObservations {
		sorted = sorted[:maxObservations]
	}

	var b strings.Builder
	b.WriteString("## Recent Observations")
	for _, o := range sorted {
		b.WriteString(fmt.Sprintf("\n- [%s] %s", o.Type, o.Content))
	}
	return b.String()
}

func skillsSection(skills []Skill) string {
	if len(skills) == 0 {
		return ""
	}
	rendered := make([]string, 0, len(skills))
	for _, s := range skills {
		rendered = append(rendered, fmt.Sprintf("<skill name=%q>\n%s\n</skill>", s.Name, s.Content))
	}

	var b strings.Builder
	b.WriteString("## Active Skills\n\n")
	b.WriteString(strings.Join(rendered, "\n\n"))
	return b.String()
}
