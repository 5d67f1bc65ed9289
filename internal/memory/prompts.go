package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anvil-run/anvil/internal/engine"
	"github.com/anvil-run/anvil/pkg/models"
)

const observerSystemPrompt = `You distill a slice of an agent's raw event log into short, durable observations.
Each observation is one of: fact (something learned about the world or the task), action (something the agent did), outcome (the result of an action).
Call record_observations exactly once with every observation you find. Keep each observation to a single sentence.`

const reflectorSystemPrompt = `You distill a set of short-term observations into longer-lived reflections: recurring topics worth remembering across sessions.
Group related observations by topic and estimate how often that topic recurred.
Call record_reflections exactly once with every reflection you find.`

var observerTool = engine.Tool{
	ID:          "record_observations",
	Description: "Records the observations distilled from a batch of events.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"observations": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"type": {"type": "string", "enum": ["fact", "action", "outcome"]},
						"content": {"type": "string"}
					},
					"required": ["type", "content"]
				}
			}
		},
		"required": ["observations"]
	}`),
}

var reflectorTool = engine.Tool{
	ID:          "record_reflections",
	Description: "Records the reflections distilled from a batch of observations.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"reflections": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"topic": {"type": "string"},
						"content": {"type": "string"},
						"frequency": {"type": "integer"}
					},
					"required": ["topic", "content", "frequency"]
				}
			}
		},
		"required": ["reflections"]
	}`),
}

func renderEventsForObserver(events []models.Event) string {
	var b strings.Builder
	for _, ev := range events {
		payloadJSON, _ := json.Marshal(ev.Payload)
		fmt.Fprintf(&b, "[seq=%d] %s %s\n", ev.Seq, ev.Type, payloadJSON)
	}
	return b.String()
}

func renderObservationsForReflector(observations []models.Observation) string {
	var b strings.Builder
	for _, o := range observations {
		fmt.Fprintf(&b, "- [%s] %s\n", o.Type, o.Content)
	}
	return b.String()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
