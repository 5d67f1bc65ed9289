package transport

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/anvil-run/anvil/internal/engine"
	"github.com/anvil-run/anvil/pkg/models"
)

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// pathSegments splits the trailing portion of an URL path after prefix into
// its non-empty segments, mirroring the teacher's TrimPrefix+Split idiom
// for mux-less path-parameter parsing.
func pathSegments(path, prefix string) []string {
	trimmed := strings.TrimPrefix(path, prefix)
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// toEngineMessages adapts the projector's ledger-facing message type to the
// provider-facing one engine.EngineRunRequest carries.
func toEngineMessages(in []models.EngineMessage) []engine.Message {
	out := make([]engine.Message, 0, len(in))
	for _, m := range in {
		out = append(out, engine.Message{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			ToolName:   m.ToolName,
		})
	}
	return out
}

func decodeSnapshot(data any) (models.SessionSnapshotData, bool) {
	var out models.SessionSnapshotData
	b, err := json.Marshal(data)
	if err != nil {
		return out, false
	}
	if json.Unmarshal(b, &out) != nil {
		return out, false
	}
	return out, true
}
