package handlers

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/charmed-osm/vyos-config/internal/charm"
	"github.com/charmed-osm/vyos-config/internal/peers"
	"github.com/charmed-osm/vyos-config/internal/sshkeys"
	"github.com/charmed-osm/vyos-config/internal/sshproxy"
)

type pendingEvent struct {
	Name        string    `json:"name"`
	Attempts    int       `json:"attempts"`
	Reason      string    `json:"reason"`
	NextAttempt time.Time `json:"next_attempt"`
}

type statusResponse struct {
	Unit               string                `json:"unit"`
	Status             charm.Status          `json:"status"`
	Leader             bool                  `json:"leader"`
	Cluster            peers.ClusterState    `json:"cluster"`
	Fingerprint        string                `json:"fingerprint,omitempty"`
	AdoptedFingerprint string                `json:"adopted_fingerprint,omitempty"`
	Pending            []pendingEvent        `json:"pending_events"`
	RecentCommands     []sshproxy.CallRecord `json:"recent_commands"`
}

// GetStatus reports the unit status, the peer cluster state without the
// private key, and what is waiting to be redelivered.
func (a *API) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := a.logger()

	st, err := a.Charm.Status(ctx)
	if err != nil {
		log.Error("read status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to read status")
		return
	}
	cluster, err := a.Charm.ClusterState(ctx)
	if err != nil {
		log.Error("read cluster state", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to read cluster state")
		return
	}
	cluster.PrivateKey = nil

	resp := statusResponse{
		Unit:           a.Unit,
		Status:         st,
		Cluster:        cluster,
		Pending:        []pendingEvent{},
		RecentCommands: a.History.Recent(),
	}
	if resp.RecentCommands == nil {
		resp.RecentCommands = []sshproxy.CallRecord{}
	}

	if a.Leader != nil {
		leader, err := a.Leader.IsLeader(ctx)
		if err != nil {
			log.Warn("leadership check failed", zap.Error(err))
		}
		resp.Leader = leader
	}

	if pub, err := a.Charm.PublicKey(); err == nil {
		resp.Fingerprint, _ = sshkeys.Fingerprint(pub)
	} else if !errors.Is(err, sshkeys.ErrKeyNotFound) {
		log.Warn("read public key", zap.Error(err))
	}
	if resp.AdoptedFingerprint, err = a.Charm.AdoptedFingerprint(ctx); err != nil {
		log.Warn("read adopted fingerprint", zap.Error(err))
	}

	pending, err := a.Dispatcher.Pending(ctx)
	if err != nil {
		log.Error("list deferred events", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to list deferred events")
		return
	}
	for _, ev := range pending {
		resp.Pending = append(resp.Pending, pendingEvent{
			Name:        ev.Name,
			Attempts:    ev.Attempts,
			Reason:      ev.LastReason,
			NextAttempt: ev.NextAttempt,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
