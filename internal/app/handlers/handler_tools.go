package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/sevrin/gantry/internal/app/middleware"
	"github.com/sevrin/gantry/internal/core/domain"
)

type toolListResponse struct {
	Tools []*domain.ToolEntry `json:"tools"`
	Count int                 `json:"count"`
}

// listToolsHandler returns the catalog, optionally narrowed by
// ?search=, ?category= or ?server=.
func (a *Application) listToolsHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var tools []*domain.ToolEntry
	if search := query.Get("search"); search != "" {
		tools = a.deps.Tools.Search(search)
	} else {
		tools = a.deps.Tools.List()
	}

	if category := query.Get("category"); category != "" {
		tools = filterTools(tools, func(t *domain.ToolEntry) bool { return t.Category == category })
	}
	if server := query.Get("server"); server != "" {
		tools = filterTools(tools, func(t *domain.ToolEntry) bool {
			return t.ServerID == server || t.ServerName == server
		})
	}

	a.writeJSON(w, r, http.StatusOK, toolListResponse{Tools: tools, Count: len(tools)})
}

func filterTools(tools []*domain.ToolEntry, keep func(*domain.ToolEntry) bool) []*domain.ToolEntry {
	out := tools[:0:0]
	for _, t := range tools {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

// searchToolsHandler is the dedicated search endpoint; ?q= is required
// here, unlike the optional ?search= on the catalog listing.
func (a *Application) searchToolsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		a.writeError(w, r, &domain.ValidationError{Field: "q", Reason: "must not be empty"})
		return
	}
	tools := a.deps.Tools.Search(q)
	a.writeJSON(w, r, http.StatusOK, toolListResponse{Tools: tools, Count: len(tools)})
}

func (a *Application) toolCategoriesHandler(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, r, http.StatusOK, map[string]any{"categories": a.deps.Tools.Categories()})
}

type invokeRequest struct {
	Params map[string]any `json:"params"`
}

// invokeHandler serves POST /tools/<qualifiedName>/invoke. Qualified
// names contain a slash, so the route captures the path remainder and
// the handler peels the trailing /invoke itself.
func (a *Application) invokeHandler(w http.ResponseWriter, r *http.Request) {
	rest := r.PathValue("rest")
	toolName, ok := strings.CutSuffix(rest, "/invoke")
	if !ok || toolName == "" {
		a.writeError(w, r, &domain.NotFoundError{Kind: "tool", Name: strings.TrimSuffix(rest, "/")})
		return
	}

	if a.shuttingDown.Load() {
		a.writeError(w, r, domain.ErrShuttingDown)
		return
	}

	var req invokeRequest
	if r.ContentLength != 0 {
		if err := a.decodeBody(r, &req); err != nil {
			a.writeError(w, r, err)
			return
		}
	}

	result := a.deps.Router.Invoke(r.Context(), toolName, req.Params, middleware.CallerID(r.Context()))
	a.writeInvocationResult(w, r, result)
}

// writeInvocationResult sets the rate-limit headers the pipeline
// negotiated and encodes the result under its mapped status.
func (a *Application) writeInvocationResult(w http.ResponseWriter, r *http.Request, result domain.InvocationResult) {
	status := result.HTTPStatus()

	if rl := result.RateLimit; rl != nil {
		w.Header().Set("X-RateLimit-Remaining-Minute", strconv.Itoa(rl.Remaining))
		w.Header().Set("X-RateLimit-Remaining-Day", strconv.Itoa(rl.DayRemaining))
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(rl.RetryAfterMs), 10))
		}
	}
	if status == http.StatusServiceUnavailable && result.CircuitBreaker != nil && result.CircuitBreaker.RetryAfterMs > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(result.CircuitBreaker.RetryAfterMs), 10))
	}

	a.writeJSON(w, r, status, result)
}

// retryAfterSeconds rounds a millisecond hint up to whole seconds, with
// a floor of one so clients never retry immediately.
func retryAfterSeconds(ms int64) int64 {
	secs := (ms + 999) / 1000
	if secs < 1 {
		secs = 1
	}
	return secs
}

type batchRequest struct {
	Invocations []domain.InvocationRequest `json:"invocations"`
}

type batchResponse struct {
	Results []domain.InvocationResult `json:"results"`
	Count   int                       `json:"count"`
}

const maxBatchSize = 20

func (a *Application) batchInvokeHandler(w http.ResponseWriter, r *http.Request) {
	if a.shuttingDown.Load() {
		a.writeError(w, r, domain.ErrShuttingDown)
		return
	}

	var req batchRequest
	if err := a.decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if len(req.Invocations) == 0 {
		a.writeError(w, r, &domain.ValidationError{Field: "invocations", Reason: "must not be empty"})
		return
	}
	if len(req.Invocations) > maxBatchSize {
		a.writeError(w, r, &domain.ValidationError{Field: "invocations", Reason: "at most " + strconv.Itoa(maxBatchSize) + " per batch"})
		return
	}

	results := a.deps.Router.InvokeBatch(r.Context(), req.Invocations, middleware.CallerID(r.Context()))
	a.writeJSON(w, r, http.StatusOK, batchResponse{Results: results, Count: len(results)})
}
