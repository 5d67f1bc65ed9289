package transport

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/anvil-run/anvil/internal/engine"
	"github.com/anvil-run/anvil/internal/kernelerr"
	"github.com/anvil-run/anvil/internal/ledger"
	"github.com/anvil-run/anvil/internal/projector"
	"github.com/anvil-run/anvil/internal/promptassembly"
	"github.com/anvil-run/anvil/internal/runmanager"
	"github.com/anvil-run/anvil/internal/streamfanout"
	"github.com/anvil-run/anvil/pkg/models"
)

type createRunRequest struct {
	SessionID string   `json:"sessionId"`
	Prompt    string   `json:"prompt"`
	Model     string   `json:"model,omitempty"`
	Workspace string   `json:"workspace,omitempty"`
	Skills    []string `json:"skills,omitempty"`
	MaxSteps  int      `json:"maxSteps,omitempty"`
}

type createRunResponse struct {
	RunID     string          `json:"runId"`
	SessionID string          `json:"sessionId"`
	State     models.RunState `json:"state"`
	StartedAt int64           `json:"startedAt"`
}

// handleRuns serves POST /v1/runs.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}

	var req createRunRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "", "invalid request body: "+err.Error())
		return
	}
	if req.SessionID == "" || req.Prompt == "" {
		s.jsonError(w, http.StatusBadRequest, "", "sessionId and prompt are required")
		return
	}

	model := req.Model
	if model == "" {
		model = s.cfg.DefaultModel
	}
	workspace := req.Workspace
	if workspace == "" {
		workspace = s.cfg.DefaultWorkspace
	}

	rec, err := s.cfg.Runs.CreateRun(runmanager.CreateRunConfig{
		RunID:     uuid.NewString(),
		SessionID: req.SessionID,
		Model:     model,
		Workspace: workspace,
		Prompt:    req.Prompt,
		Skills:    req.Skills,
	})
	if err != nil {
		s.writeKernelErr(w, err)
		return
	}

	startEvent, err := s.cfg.Runs.StartRun(r.Context(), rec.RunID)
	if err != nil {
		s.writeKernelErr(w, err)
		return
	}

	runCtx := context.WithoutCancel(r.Context())
	go s.driveRun(runCtx, rec, req)

	s.jsonResponse(w, http.StatusCreated, createRunResponse{
		RunID:     rec.RunID,
		SessionID: rec.SessionID,
		State:     models.RunRunning,
		StartedAt: startEvent.Ts,
	})
}

// driveRun assembles the engine request for a freshly started run and
// drives it to completion. It owns converting an engine error into
// failRun, mirroring the run driver spec.md's Engine Adapter section
// assumes sits above the adapter.
func (s *Server) driveRun(ctx context.Context, rec models.RunRecord, req createRunRequest) {
	history, err := s.cfg.Ledger.Query(ctx, ledger.Query{SessionID: rec.SessionID, Order: ledger.Asc})
	if err != nil {
		s.log.Error("transport: load session history failed", "sessionId", rec.SessionID, "error", err)
		history = nil
	}
	messages := toEngineMessages(projector.ProjectMessages(history))
	messages = append(messages, engine.Message{Role: "user", Content: req.Prompt})

	var snapshot *models.SessionSnapshotData
	if snap, ok, err := s.cfg.Ledger.GetLatestSnapshot(ctx, ledger.LatestSnapshotQuery{
		SessionID: rec.SessionID,
		Type:      models.SnapshotSession,
	}); err == nil && ok {
		if data, ok := decodeSnapshot(snap.Data); ok {
			snapshot = &data
		}
	}

	var selectedSkills []promptassembly.Skill
	if s.cfg.Skills != nil {
		for _, entry := range s.cfg.Skills.Filter(req.Skills) {
			selectedSkills = append(selectedSkills, promptassembly.Skill{Name: entry.Name, Content: entry.Content})
		}
	}

	var tools []engine.Tool
	if s.cfg.Kernel != nil {
		for _, h := range s.cfg.Kernel.GetTools() {
			tools = append(tools, engine.Tool{
				ID:          h.ID(),
				InputSchema: json.RawMessage(h.InputSchema()),
			})
		}
	}

	engineReq := s.cfg.Assemble.Assemble(promptassembly.Request{
		RunConfig:       engine.RunConfig{Model: rec.Model, MaxSteps: req.MaxSteps},
		BasePrompt:      s.cfg.BasePrompt,
		Workspace:       rec.Workspace,
		SessionID:       rec.SessionID,
		Messages:        messages,
		Tools:           tools,
		SessionSnapshot: snapshot,
		Skills:          selectedSkills,
	})

	if err := s.cfg.Engine.Run(ctx, rec.RunID, rec.SessionID, rec.Workspace, engineReq); err != nil {
		s.log.Error("transport: run failed", "runId", rec.RunID, "error", err)
		if _, failErr := s.cfg.Runs.FailRun(ctx, rec.RunID, err, string(kernelerr.ProviderError), s.cfg.Gate.CancelAll); failErr != nil {
			s.log.Error("transport: failRun failed", "runId", rec.RunID, "error", failErr)
		}
		return
	}

	if _, err := s.cfg.Runs.CompleteRun(ctx, rec.RunID, "", s.cfg.Gate.CancelAll); err != nil {
		s.log.Error("transport: completeRun failed", "runId", rec.RunID, "error", err)
	}
}

// handleRunsSubpath dispatches /v1/runs/:runId/events.
func (s *Server) handleRunsSubpath(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/v1/runs/")
	if len(segments) != 2 || segments[1] != "events" {
		s.jsonError(w, http.StatusNotFound, kernelerr.NotFound, "not found")
		return
	}
	s.handleRunEvents(w, r, segments[0])
}

// handleRunEvents serves GET /v1/runs/:runId/events as a server-sent-event
// stream, replaying the run's ledger history before switching to live
// events, per internal/streamfanout.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		s.jsonError(w, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.jsonError(w, http.StatusInternalServerError, "", "streaming unsupported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := s.cfg.Fanout.Subscribe(ctx, streamfanout.SubscribeRequest{
		RunID:       runID,
		LastEventID: r.Header.Get("Last-Event-ID"),
	})
	if err != nil {
		s.writeKernelErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		if err := writeSSEFrame(w, ev); err != nil {
			return
		}
		flusher.Flush()
	}
}

func writeSSEFrame(w http.ResponseWriter, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("id: " + ev.EventID + "\n")); err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + string(ev.Type) + "\n")); err != nil {
		return err
	}
	if _, err := w.Write(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
		return err
	}
	return nil
}
