package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/parchment-ai/ragserver/internal/auth"
	"github.com/parchment-ai/ragserver/internal/checkpoint"
	"github.com/parchment-ai/ragserver/internal/graphstore"
	"github.com/parchment-ai/ragserver/internal/ingestion"
	"github.com/parchment-ai/ragserver/internal/workflow"
)

// Error codes of the response taxonomy.
const (
	codeValidation       = "validation"
	codeUnauthorized     = "unauthorized"
	codeForbidden        = "forbidden"
	codeNotFound         = "not_found"
	codeConflict         = "conflict"
	codeDependencyFailed = "dependency_failed"
	codeTimeout          = "timeout"
	codeInternal         = "internal"
)

// errorBody is the single JSON error envelope. Stack traces never appear
// here; they go to logs under the request id echoed in X-Request-ID.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

// writeMappedError classifies an error into the taxonomy. Internal errors
// hide the underlying message from the client.
func (s *Server) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, graphstore.ErrNotFound) || errors.Is(err, ingestion.ErrTaskNotFound) || errors.Is(err, checkpoint.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "resource not found")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, http.StatusForbidden, codeForbidden, "access denied")
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "authentication required")
	case errors.Is(err, ingestion.ErrFileTooLarge),
		errors.Is(err, ingestion.ErrEmptyFile),
		errors.Is(err, workflow.ErrTooFewDocuments),
		errors.Is(err, workflow.ErrTooManyDocuments),
		errors.Is(err, workflow.ErrQueryTooShort):
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
	case errors.Is(err, ingestion.ErrDimensionMismatch):
		writeError(w, http.StatusBadGateway, codeDependencyFailed, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, codeTimeout, "backing store call timed out")
	default:
		s.Logger.Error("request failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", w.Header().Get("X-Request-ID"),
		)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

// principal pulls the request principal; the gateway middleware guarantees it
// is present on /api/v1 routes.
func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFrom(r.Context())
	return p
}
