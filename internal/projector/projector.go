// Package projector implements the Message-History Projector: a pure fold
// from the canonical event ledger onto the message list a provider
// consumes.
package projector

import (
	"encoding/json"
	"fmt"

	"github.com/anvil-run/anvil/pkg/models"
)

// ProjectMessages folds events into the ordered EngineMessage list a
// provider should see, per the fold rules:
//
//   - output.delta accumulates into a current assistant buffer.
//   - output.message flushes the buffer, then pushes the message.
//   - tool.call flushes the buffer, then pushes an assistant message
//     describing the call, carrying ToolCallID/ToolName.
//   - tool.result pushes a tool message whose content is the result,
//     stringified (string passthrough, else JSON).
//   - other event types are skipped.
//
// The buffer is flushed once more at the end in case the event stream
// ends mid-assistant-turn.
func ProjectMessages(events []models.Event) []models.EngineMessage {
	var out []models.EngineMessage
	var buf string

	flush := func() {
		if buf == "" {
			return
		}
		out = append(out, models.EngineMessage{Role: models.RoleAssistant, Content: buf})
		buf = ""
	}

	for _, ev := range events {
		switch ev.Type {
		case models.EventOutputDelta:
			var p models.OutputDeltaPayload
			if decode(ev.Payload, &p) {
				buf += p.Text
			}

		case models.EventOutputMessage:
			flush()
			var p models.OutputMessagePayload
			if decode(ev.Payload, &p) {
				out = append(out, models.EngineMessage{
					Role:    models.EngineMessageRole(p.Role),
					Content: p.Content,
				})
			}

		case models.EventToolCall:
			flush()
			var p models.ToolCallPayload
			if decode(ev.Payload, &p) {
				argsJSON, _ := json.Marshal(p.Args)
				out = append(out, models.EngineMessage{
					Role:       models.RoleAssistant,
					Content:    fmt.Sprintf("[Tool Call: %s(%s)]", p.ToolID, string(argsJSON)),
					ToolCallID: p.CallID,
					ToolName:   p.ToolID,
				})
			}

		case models.EventToolResult:
			var p models.ToolResultPayload
			if decode(ev.Payload, &p) {
				out = append(out, models.EngineMessage{
					Role:       models.RoleTool,
					Content:    stringifyResult(p.Result),
					ToolCallID: p.CallID,
					ToolName:   p.ToolID,
				})
			}

		default:
			// Other event types carry no conversational content.
		}
	}

	flush()
	return out
}

// decode round-trips payload through JSON into out. payload may already be
// a typed struct (live events from the Run Manager) or a map[string]any
// (events rehydrated from the ledger) — both marshal to the same JSON.
func decode(payload any, out any) bool {
	b, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return json.Unmarshal(b, out) == nil
}

func stringifyResult(result any) string {
	if s, ok := result.(string); ok {
		return s
	}
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(b)
}
