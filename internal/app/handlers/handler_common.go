package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sevrin/gantry/internal/app/middleware"
	"github.com/sevrin/gantry/internal/core/domain"
)

const maxRequestBody = 1 << 20 // request bodies past this are rejected upstream anyway

type errorResponse struct {
	Error string `json:"error"`
}

func (a *Application) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		middleware.GetLogger(r.Context()).Warn("Failed to encode response", "error", err.Error())
	}
}

// writeError maps the domain error taxonomy onto a JSON error body.
func (a *Application) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := domain.HTTPStatus(err)
	if status >= http.StatusInternalServerError && !errors.Is(err, domain.ErrShuttingDown) {
		middleware.GetLogger(r.Context()).Error("Request failed", "path", r.URL.Path, "error", err.Error())
	}
	a.writeJSON(w, r, status, errorResponse{Error: err.Error()})
}

// audit records a control-plane mutation. Best effort: a failed audit
// write never fails the request that caused it.
func (a *Application) audit(r *http.Request, action, subject, detail string) {
	if a.deps.Usage == nil {
		return
	}
	actor := "anonymous"
	if caller, ok := middleware.CallerFrom(r.Context()); ok {
		actor = caller.Name
	}
	if err := a.deps.Usage.RecordAudit(r.Context(), actor, action, subject, detail); err != nil {
		middleware.GetLogger(r.Context()).Warn("Audit write failed", "action", action, "error", err.Error())
	}
}

// decodeBody strictly decodes a JSON request body into dst.
func (a *Application) decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &domain.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}
