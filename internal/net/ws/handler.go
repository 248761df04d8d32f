// Package ws pushes engine updates over a websocket. A session is just an
// eager poller: it subscribes like any other observer and drains Poll on
// the cadence interval the subscription manager assigns, so push and HTTP
// polling stay behaviorally identical.
package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"turnroom/internal/engine"
	"turnroom/internal/sub"
)

const wireVersion = 1

// minCadence floors the push loop so a misconfigured tier cannot spin.
const minCadence = 100 * time.Millisecond

type Handler struct {
	engine   *engine.Engine
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader
}

// New returns a websocket handler bound to the engine.
func New(eng *engine.Engine, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{
		engine: eng,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

type clientMessage struct {
	Ver  int    `json:"ver,omitempty"`
	Type string `json:"type"`
}

type pushMessage struct {
	Ver       int   `json:"ver"`
	CadenceMS int64 `json:"cadenceMs"`
	sub.Update
}

// ServeHTTP upgrades the connection, subscribes it to the requested room,
// and runs the push loop until the client leaves or the room disappears.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}

	subscriberID, err := h.engine.Subscribe(roomID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.engine.Unsubscribe(subscriberID)
		h.log.Warnw("websocket upgrade failed", "room", roomID, "err", err)
		return
	}

	done := make(chan struct{})
	go h.readLoop(conn, subscriberID, done)
	h.pushLoop(conn, subscriberID, done)

	// Teardown is synchronous with the session ending: the subscriber's
	// backlog and cadence state go away before the connection is released.
	h.engine.Unsubscribe(subscriberID)
	conn.Close()
}

// readLoop consumes client messages; anything readable counts as a
// heartbeat, and a read error ends the session.
func (h *Handler) readLoop(conn *websocket.Conn, subscriberID string, done chan<- struct{}) {
	defer close(done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "bye":
			return
		default:
			h.engine.Heartbeat(subscriberID)
		}
	}
}

// pushLoop polls on the subscriber's cadence and writes any update. The
// timer is re-armed from the cadence returned with each poll so tier
// changes take effect on the next delivery.
func (h *Handler) pushLoop(conn *websocket.Conn, subscriberID string, done <-chan struct{}) {
	cadence, err := h.engine.SubscriberCadence(subscriberID)
	if err != nil {
		return
	}
	timer := time.NewTimer(clampCadence(cadence))
	defer timer.Stop()

	for {
		select {
		case <-done:
			return
		case <-timer.C:
		}

		update, err := h.engine.Poll(subscriberID)
		if err != nil {
			return
		}
		if update.Kind != sub.KindNone {
			msg := pushMessage{Ver: wireVersion, CadenceMS: update.Cadence.Milliseconds(), Update: update}
			data, err := json.Marshal(msg)
			if err != nil {
				h.log.Errorw("encode push", "err", err)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
		timer.Reset(clampCadence(update.Cadence))
	}
}

func clampCadence(d time.Duration) time.Duration {
	if d < minCadence {
		return minCadence
	}
	return d
}
