package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/charmed-osm/vyos-config/internal/charm"
)

type eventResponse struct {
	Event  string `json:"event"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// EmitEvent delivers a lifecycle event. It answers 200 when the event
// completed, 202 when it was deferred for redelivery and 404 for an event
// the charm does not handle.
func (a *API) EmitEvent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	out, err := a.Dispatcher.Emit(r.Context(), name)
	if errors.Is(err, charm.ErrUnknownEvent) {
		writeError(w, http.StatusNotFound, "Unknown event: "+name)
		return
	}
	if err != nil {
		a.logger().Error("emit event", zap.String("event", name), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, eventResponse{Event: name, Status: "error", Reason: err.Error()})
		return
	}
	if out.Deferred {
		writeJSON(w, http.StatusAccepted, eventResponse{Event: name, Status: "deferred", Reason: out.Reason})
		return
	}
	writeJSON(w, http.StatusOK, eventResponse{Event: name, Status: "done"})
}
