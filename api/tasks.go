package api

import (
	"net/http"

	"github.com/xraph/herald/audit"
	"github.com/xraph/herald/dlq"
	"github.com/xraph/herald/id"
)

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, id.ParseTaskID)
	if !ok {
		return
	}
	t, err := h.herald.Store().GetTask(r.Context(), taskID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) taskAudit(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, id.ParseTaskID)
	if !ok {
		return
	}
	if _, err := h.herald.Store().GetTask(r.Context(), taskID); err != nil {
		h.writeErr(w, r, err)
		return
	}
	recs, err := h.herald.History(r.Context(), taskID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if recs == nil {
		recs = []*audit.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) redriveTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, id.ParseTaskID)
	if !ok {
		return
	}
	t, err := h.herald.DLQ().Redrive(r.Context(), taskID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	var subID *id.ID
	if v := r.URL.Query().Get("subscription_id"); v != "" {
		parsed, err := id.ParseSubscriptionID(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid subscription_id: "+err.Error())
			return
		}
		subID = &parsed
	}
	entries, err := h.herald.ListDeadLettered(r.Context(), subID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if entries == nil {
		entries = []*dlq.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
