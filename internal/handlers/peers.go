package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/charmed-osm/vyos-config/internal/peers"
)

const peerPingInterval = 30 * time.Second

// WatchPeers streams peer data change notifications over a websocket. Only
// key names are sent; values never leave the unit.
func (a *API) WatchPeers(w http.ResponseWriter, r *http.Request) {
	if a.Relation == nil {
		writeError(w, http.StatusConflict, "Peer relation not joined")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger().Warn("peer watch accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// The client never sends; CloseRead handles its close frame.
	ctx := conn.CloseRead(r.Context())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	changes, err := a.Relation.Watch(ctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "watch failed")
		return
	}

	ticker := time.NewTicker(peerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case change, ok := <-changes:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, peers.Change{Key: change.Key}); err != nil {
				return
			}
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}
		}
	}
}
