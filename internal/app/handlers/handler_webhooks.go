package handlers

import (
	"net/http"
	"strconv"

	"github.com/sevrin/gantry/internal/core/domain"
)

const defaultDeliveryPage = 50

func (a *Application) listWebhooksHandler(w http.ResponseWriter, r *http.Request) {
	subs, err := a.deps.Webhooks.ListSubscriptions(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, map[string]any{"subscriptions": subs, "count": len(subs)})
}

func (a *Application) createWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var sub domain.WebhookSubscription
	if err := a.decodeBody(r, &sub); err != nil {
		a.writeError(w, r, err)
		return
	}

	if err := a.deps.Webhooks.CreateSubscription(r.Context(), &sub); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.audit(r, "webhook.create", sub.ID, sub.URL)

	a.writeJSON(w, r, http.StatusCreated, sub)
}

func (a *Application) getWebhookHandler(w http.ResponseWriter, r *http.Request) {
	sub, err := a.deps.Webhooks.GetSubscription(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, sub)
}

func (a *Application) deleteWebhookHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.deps.Webhooks.GetSubscription(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.deps.Webhooks.DeleteSubscription(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.audit(r, "webhook.delete", id, "")
	w.WriteHeader(http.StatusNoContent)
}

// testWebhookHandler fires a synchronous test event at the endpoint and
// returns the delivery record, success or not.
func (a *Application) testWebhookHandler(w http.ResponseWriter, r *http.Request) {
	sub, err := a.deps.Webhooks.GetSubscription(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	rec, err := a.deps.Tester.TestDelivery(r.Context(), sub)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, rec)
}

func (a *Application) webhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.deps.Webhooks.GetSubscription(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}

	limit := defaultDeliveryPage
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			a.writeError(w, r, &domain.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		limit = parsed
	}

	deliveries, err := a.deps.Webhooks.ListDeliveries(r.Context(), id, limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, map[string]any{"deliveries": deliveries, "count": len(deliveries)})
}
