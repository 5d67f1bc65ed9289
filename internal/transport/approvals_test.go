package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anvil-run/anvil/internal/approval"
)

func TestHandleApprovalResolveApproves(t *testing.T) {
	srv, _, _ := newTestServer(t, &scriptedProvider{})
	approvalID, _ := srv.cfg.Gate.RequestApproval(approval.Request{CallID: "c1", ToolID: "t1"})

	body, _ := json.Marshal(resolveApprovalRequest{Decision: "approve", Reason: "ok"})
	req := httptest.NewRequest(http.MethodPost, "/v1/approvals/"+approvalID, strings.NewReader(string(body)))
	rr := httptest.NewRecorder()
	srv.handleApprovalResolve(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if srv.cfg.Gate.HasPending(approvalID) {
		t.Fatal("expected approval to be resolved and removed")
	}
}

func TestHandleApprovalResolveUnknownID(t *testing.T) {
	srv, _, _ := newTestServer(t, &scriptedProvider{})
	body, _ := json.Marshal(resolveApprovalRequest{Decision: "approve"})
	req := httptest.NewRequest(http.MethodPost, "/v1/approvals/does-not-exist", strings.NewReader(string(body)))
	rr := httptest.NewRecorder()
	srv.handleApprovalResolve(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestHandleApprovalResolveRejectsBadDecision(t *testing.T) {
	srv, _, _ := newTestServer(t, &scriptedProvider{})
	approvalID, _ := srv.cfg.Gate.RequestApproval(approval.Request{CallID: "c1", ToolID: "t1"})

	body, _ := json.Marshal(resolveApprovalRequest{Decision: "maybe"})
	req := httptest.NewRequest(http.MethodPost, "/v1/approvals/"+approvalID, strings.NewReader(string(body)))
	rr := httptest.NewRecorder()
	srv.handleApprovalResolve(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}
