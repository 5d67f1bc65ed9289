package transport

import (
	"net/http"

	"github.com/anvil-run/anvil/internal/kernelerr"
	"github.com/anvil-run/anvil/internal/ledger"
	"github.com/anvil-run/anvil/pkg/models"
)

// handleSessionsList serves GET /v1/sessions/list.
func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}
	ids, err := s.cfg.Ledger.ListSessionIds(r.Context())
	if err != nil {
		s.writeKernelErr(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.jsonResponse(w, http.StatusOK, ids)
}

type sessionStateResponse struct {
	SessionID        string                      `json:"sessionId"`
	Snapshot         *models.SessionSnapshotData `json:"snapshot"`
	PendingEvents    []models.Event              `json:"pendingEvents"`
	PendingApprovals []models.PendingApproval    `json:"pendingApprovals"`
	Ts               int64                       `json:"ts"`
}

// handleSessionState serves GET /v1/sessions/:sessionId/state.
func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/v1/sessions/")
	if len(segments) != 2 || segments[1] != "state" {
		s.jsonError(w, http.StatusNotFound, kernelerr.NotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		s.jsonError(w, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}
	sessionID := segments[0]

	var snapshot *models.SessionSnapshotData
	var lastObservedSeq int64
	if snap, ok, err := s.cfg.Ledger.GetLatestSnapshot(r.Context(), ledger.LatestSnapshotQuery{
		SessionID: sessionID,
		Type:      models.SnapshotSession,
	}); err != nil {
		s.writeKernelErr(w, err)
		return
	} else if ok {
		if data, ok := decodeSnapshot(snap.Data); ok {
			snapshot = &data
			lastObservedSeq = data.LastObservedSeq
		}
	}

	pending, err := s.cfg.Ledger.Query(r.Context(), ledger.Query{
		SessionID: sessionID,
		AfterSeq:  lastObservedSeq,
		Order:     ledger.Asc,
	})
	if err != nil {
		s.writeKernelErr(w, err)
		return
	}
	if pending == nil {
		pending = []models.Event{}
	}
	pendingApprovals := s.cfg.Gate.GetPending()
	if pendingApprovals == nil {
		pendingApprovals = []models.PendingApproval{}
	}

	s.jsonResponse(w, http.StatusOK, sessionStateResponse{
		SessionID:        sessionID,
		Snapshot:         snapshot,
		PendingEvents:    pending,
		PendingApprovals: pendingApprovals,
		Ts:               nowMillis(),
	})
}
