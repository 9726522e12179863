package api

import (
	"net/http"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/scope"
	"github.com/xraph/herald/subscription"
	"github.com/xraph/herald/task"
)

// createdSubscription exposes the signing secret once, at creation.
type createdSubscription struct {
	*subscription.Subscription
	Secret string `json:"secret,omitempty"`
}

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	var in subscription.Input
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if in.TenantID == "" {
		in.TenantID = scope.Capture(r.Context())
	}

	sub, err := h.herald.AddSubscription(r.Context(), in)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createdSubscription{Subscription: sub, Secret: sub.Secret})
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	opts := subscription.ListOpts{
		Offset:   queryInt(r, "offset", 0),
		Limit:    queryInt(r, "limit", 100),
		Active:   queryBool(r, "active"),
		Kind:     subscription.Kind(r.URL.Query().Get("kind")),
		TenantID: scope.Capture(r.Context()),
	}
	subs, err := h.herald.Subscriptions().List(r.Context(), opts)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if subs == nil {
		subs = []*subscription.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (h *Handler) getSubscription(w http.ResponseWriter, r *http.Request) {
	subID, ok := pathID(w, r, id.ParseSubscriptionID)
	if !ok {
		return
	}
	sub, err := h.herald.Subscriptions().Get(r.Context(), subID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) updateSubscription(w http.ResponseWriter, r *http.Request) {
	subID, ok := pathID(w, r, id.ParseSubscriptionID)
	if !ok {
		return
	}
	in := subscription.Input{RateLimit: -1}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sub, err := h.herald.Subscriptions().Update(r.Context(), subID, in)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	subID, ok := pathID(w, r, id.ParseSubscriptionID)
	if !ok {
		return
	}
	if err := h.herald.Subscriptions().Delete(r.Context(), subID); err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) activateSubscription(w http.ResponseWriter, r *http.Request) {
	subID, ok := pathID(w, r, id.ParseSubscriptionID)
	if !ok {
		return
	}
	if err := h.herald.Subscriptions().Activate(r.Context(), subID); err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deactivateSubscription(w http.ResponseWriter, r *http.Request) {
	subID, ok := pathID(w, r, id.ParseSubscriptionID)
	if !ok {
		return
	}
	if err := h.herald.DeactivateSubscription(r.Context(), subID); err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) rotateSecret(w http.ResponseWriter, r *http.Request) {
	subID, ok := pathID(w, r, id.ParseSubscriptionID)
	if !ok {
		return
	}
	secret, err := h.herald.Subscriptions().RotateSecret(r.Context(), subID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

func (h *Handler) subscriptionHealth(w http.ResponseWriter, r *http.Request) {
	subID, ok := pathID(w, r, id.ParseSubscriptionID)
	if !ok {
		return
	}
	health, err := h.herald.Health(r.Context(), subID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (h *Handler) listSubscriptionTasks(w http.ResponseWriter, r *http.Request) {
	subID, ok := pathID(w, r, id.ParseSubscriptionID)
	if !ok {
		return
	}
	opts := task.ListOpts{
		Offset:         queryInt(r, "offset", 0),
		Limit:          queryInt(r, "limit", 100),
		SubscriptionID: subID,
	}
	if st := task.State(r.URL.Query().Get("state")); st != "" {
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "invalid state")
			return
		}
		opts.State = &st
	}
	h.writeTasks(w, r, opts)
}

func (h *Handler) writeTasks(w http.ResponseWriter, r *http.Request, opts task.ListOpts) {
	tasks, err := h.herald.Store().ListTasks(r.Context(), opts)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}
