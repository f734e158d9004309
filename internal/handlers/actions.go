package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/charmed-osm/vyos-config/internal/charmmeta"
	"github.com/charmed-osm/vyos-config/internal/database"
)

type runActionRequest struct {
	Params map[string]any `json:"params"`
}

// RunAction runs a named action synchronously and returns its record. A
// failed action is still a 200; its record carries status "failed".
func (a *API) RunAction(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var body runActionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	if body.Params == nil {
		body.Params = map[string]any{}
	}

	view, err := a.Dispatcher.RunAction(r.Context(), name, body.Params)
	var perr *charmmeta.ParamError
	switch {
	case errors.Is(err, charmmeta.ErrUnknownAction):
		writeError(w, http.StatusNotFound, "Unknown action: "+name)
		return
	case errors.As(err, &perr):
		writeError(w, http.StatusBadRequest, perr.Error())
		return
	case err != nil:
		a.logger().Error("run action", zap.String("action", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to run action")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) GetAction(w http.ResponseWriter, r *http.Request) {
	view, err := a.Dispatcher.GetAction(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Action not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load action")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) ListActions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	views, err := a.Dispatcher.ListActions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list actions")
		return
	}
	writeJSON(w, http.StatusOK, views)
}
