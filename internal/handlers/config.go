package handlers

import (
	"encoding/json"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/charmed-osm/vyos-config/internal/charm"
)

func (a *API) GetConfig(w http.ResponseWriter, r *http.Request) {
	opts, err := a.Config.Redacted(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read config")
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

type updateConfigResponse struct {
	Options map[string]string `json:"options"`
	Event   eventResponse     `json:"event"`
}

// UpdateConfig sets the options in the body, all or none, and then delivers
// config-changed. Secret values are stored sealed and returned masked.
func (a *API) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	keys := make([]string, 0, len(body))
	for key, value := range body {
		if err := a.Meta.ValidateOption(key, value); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	ctx := r.Context()
	for _, key := range keys {
		if err := a.Config.Set(ctx, key, body[key]); err != nil {
			a.logger().Error("set config", zap.String("key", key), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Failed to update config")
			return
		}
	}

	ev := eventResponse{Event: charm.EventConfigChanged, Status: "done"}
	out, err := a.Dispatcher.Emit(ctx, charm.EventConfigChanged)
	switch {
	case err != nil:
		ev.Status, ev.Reason = "error", err.Error()
	case out.Deferred:
		ev.Status, ev.Reason = "deferred", out.Reason
	}

	opts, err := a.Config.Redacted(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read config")
		return
	}
	writeJSON(w, http.StatusOK, updateConfigResponse{Options: opts, Event: ev})
}
