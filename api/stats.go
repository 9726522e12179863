package api

import (
	"net/http"

	"github.com/xraph/herald/dispatch"
	"github.com/xraph/herald/dlq"
)

// Stats is the engine-wide summary served at /stats.
type Stats struct {
	LastSequence   int64       `json:"last_sequence"`
	CursorPosition int64       `json:"cursor_position"`
	DispatchLag    int64       `json:"dispatch_lag"`
	Tasks          *dlq.Health `json:"tasks"`
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := h.herald.Store()

	last, err := s.LastSequence(ctx)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	cur, err := s.GetCursor(ctx, dispatch.DefaultCursor)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	tasks, err := h.herald.DLQ().Stats(ctx)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, Stats{
		LastSequence:   last,
		CursorPosition: cur.Position,
		DispatchLag:    last - cur.Position,
		Tasks:          tasks,
	})
}
