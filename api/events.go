package api

import (
	"encoding/json"
	"net/http"

	"github.com/xraph/herald/event"
	"github.com/xraph/herald/scope"
	"github.com/xraph/herald/task"
)

type emitRequest struct {
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	SourceEntityID string          `json:"source_entity_id"`
}

func (h *Handler) emitEvent(w http.ResponseWriter, r *http.Request) {
	var req emitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	seq, err := h.herald.Emit(r.Context(), req.EventType, req.Payload, req.SourceEntityID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"sequence": seq})
}

// listEvents pages through the log by sequence. With a tenant header only
// that tenant's events are returned, so a page may be shorter than limit.
func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	after := int64(queryInt(r, "after", 0))
	limit := queryInt(r, "limit", 100)

	events, err := h.herald.Store().ReadEvents(r.Context(), after, limit)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	out := make([]*event.Event, 0, len(events))
	tenant := scope.Capture(r.Context())
	for _, evt := range events {
		if tenant != "" && evt.TenantID != tenant {
			continue
		}
		out = append(out, evt)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getEvent(w http.ResponseWriter, r *http.Request) {
	seq, ok := pathSequence(w, r)
	if !ok {
		return
	}
	evt, err := h.herald.Store().GetEvent(r.Context(), seq)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evt)
}

func (h *Handler) listEventTasks(w http.ResponseWriter, r *http.Request) {
	seq, ok := pathSequence(w, r)
	if !ok {
		return
	}
	h.writeTasks(w, r, task.ListOpts{EventSequence: seq})
}
