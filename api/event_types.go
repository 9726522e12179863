package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/herald/catalog"
)

type eventTypeRequest struct {
	catalog.Definition
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) createEventType(w http.ResponseWriter, r *http.Request) {
	var req eventTypeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	et, err := h.herald.RegisterEventType(r.Context(), req.Definition, req.Metadata)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, et)
}

func (h *Handler) listEventTypes(w http.ResponseWriter, r *http.Request) {
	opts := catalog.ListOpts{
		Offset:            queryInt(r, "offset", 0),
		Limit:             queryInt(r, "limit", 100),
		Group:             r.URL.Query().Get("group"),
		IncludeDeprecated: r.URL.Query().Get("include_deprecated") == "true",
	}
	types, err := h.herald.Catalog().ListTypes(r.Context(), opts)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if types == nil {
		types = []*catalog.EventType{}
	}
	writeJSON(w, http.StatusOK, types)
}

func (h *Handler) getEventType(w http.ResponseWriter, r *http.Request) {
	et, err := h.herald.Catalog().GetType(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, et)
}

func (h *Handler) deleteEventType(w http.ResponseWriter, r *http.Request) {
	if err := h.herald.Catalog().DeleteType(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
