package transport

import (
	"encoding/json"
	"net/http"

	"github.com/anvil-run/anvil/internal/kernelerr"
)

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("transport: json encode error", "error", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) jsonError(w http.ResponseWriter, status int, code kernelerr.Code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorBody{Error: message, Code: string(code)}); err != nil {
		s.log.Error("transport: json encode error", "error", err)
	}
}

// writeKernelErr maps a kernelerr taxonomy code to the HTTP status spec.md
// §7 implies and writes the corresponding error body. Non-kernelerr errors
// fall back to a 500 with no code.
func (s *Server) writeKernelErr(w http.ResponseWriter, err error) {
	var kerr *kernelerr.Error
	if !asKernelErr(err, &kerr) {
		s.log.Error("transport: unhandled error", "error", err)
		s.jsonError(w, http.StatusInternalServerError, "", err.Error())
		return
	}
	s.jsonError(w, statusForCode(kerr.Code), kerr.Code, kerr.Error())
}

func asKernelErr(err error, target **kernelerr.Error) bool {
	kerr, ok := err.(*kernelerr.Error)
	if ok {
		*target = kerr
	}
	return ok
}

func statusForCode(code kernelerr.Code) int {
	switch code {
	case kernelerr.SessionBusy:
		return http.StatusConflict
	case kernelerr.NotFound, kernelerr.FileNotFound:
		return http.StatusNotFound
	case kernelerr.WorkspaceEscape, kernelerr.DenyPatternMatch, kernelerr.SchemaValidation,
		kernelerr.InvalidRange, kernelerr.InvalidTransition:
		return http.StatusBadRequest
	case kernelerr.ExecutionTimeout:
		return http.StatusGatewayTimeout
	case kernelerr.StaleBase, kernelerr.AnchorMismatch:
		return http.StatusConflict
	case kernelerr.ApprovalCancelled:
		return http.StatusGone
	case kernelerr.ProviderError, kernelerr.StorageError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
