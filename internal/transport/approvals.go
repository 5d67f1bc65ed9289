package transport

import (
	"encoding/json"
	"net/http"

	"github.com/anvil-run/anvil/internal/approval"
	"github.com/anvil-run/anvil/internal/kernelerr"
)

type resolveApprovalRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

type resolveApprovalResponse struct {
	Status     string `json:"status"`
	ApprovalID string `json:"approvalId"`
}

// handleApprovalResolve serves POST /v1/approvals/:approvalId.
func (s *Server) handleApprovalResolve(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/v1/approvals/")
	if len(segments) != 1 {
		s.jsonError(w, http.StatusNotFound, kernelerr.NotFound, "not found")
		return
	}
	approvalID := segments[0]

	if r.Method != http.MethodPost {
		s.jsonError(w, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}

	var req resolveApprovalRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "", "invalid request body: "+err.Error())
		return
	}

	var decision approval.Decision
	switch req.Decision {
	case string(approval.Approve):
		decision = approval.Approve
	case string(approval.Deny):
		decision = approval.Deny
	default:
		s.jsonError(w, http.StatusBadRequest, kernelerr.SchemaValidation, "decision must be approve or deny")
		return
	}

	if err := s.cfg.Gate.ResolveApproval(approvalID, decision, req.Reason, "api"); err != nil {
		s.writeKernelErr(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, resolveApprovalResponse{Status: "resolved", ApprovalID: approvalID})
}
