package server

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"devchain/internal/engine"
)

const (
	streamPollInterval = time.Second
	streamPingInterval = 30 * time.Second
	streamWriteTimeout = 10 * time.Second
	streamBatchLimit   = 100
)

// The server binds to loopback, so cross-origin checks stay permissive.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// registerEventStream serves the event log over a websocket. Clients pass
// project_id and an optional cursor; events after the cursor are pushed as
// they land, one JSON object per message.
func registerEventStream(r chi.Router, basePath string, e engine.Engine) {
	r.Get(path.Join(basePath, "ws", "events"), func(w http.ResponseWriter, req *http.Request) {
		projectID := req.URL.Query().Get("project_id")
		cursor, err := streamCursor(req, e)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		streamEvents(req.Context(), conn, e, projectID, cursor)
	})
}

func streamCursor(req *http.Request, e engine.Engine) (int64, error) {
	raw := req.URL.Query().Get("cursor")
	if raw == "" {
		// no cursor: start from the tail, past events are not replayed
		return e.Repo.LatestEventID(req.Context(), req.URL.Query().Get("project_id"))
	}
	return strconv.ParseInt(raw, 10, 64)
}

func streamEvents(ctx context.Context, conn *websocket.Conn, e engine.Engine, projectID string, cursor int64) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// drain client frames so close and pong handling work
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	poll := time.NewTicker(streamPollInterval)
	defer poll.Stop()
	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-poll.C:
			items, err := e.Repo.EventsAfter(ctx, streamBatchLimit, cursor, projectID)
			if err != nil {
				return
			}
			for _, ev := range items {
				conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
				cursor = ev.ID
			}
		}
	}
}
