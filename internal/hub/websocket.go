// Package hub — websocket transport. One connection is one subscriber.
// Reads and writes each have a single owning goroutine so no two goroutines
// ever write the conn concurrently.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/acrosshouse/backend/internal/event"
	"github.com/acrosshouse/backend/internal/store"
)

const (
	pongWait    = 60 * time.Second
	pingPeriod  = 30 * time.Second // must be < pongWait
	writeWait   = 10 * time.Second
	maxMsgSize  = 512 * 1024
	replyBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

// buildCheckOrigin validates origins against ALLOWED_ORIGINS when
// APP_ENV=production; dev and staging accept everything.
func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("APP_ENV")
	allowedRaw := os.Getenv("ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		slog.Info("websocket origin allowlist active", "count", len(allowed))
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			slog.Info("rejected websocket origin", "origin", origin)
			return false
		}
	}

	if env == "production" && allowedRaw == "" {
		slog.Warn("ALLOWED_ORIGINS not set in production, allowing all origins")
	}
	return func(r *http.Request) bool { return true }
}

// Client frames.
const (
	frameJoin  = "join"
	frameLeave = "leave"
	frameSync  = "sync"
	frameEvent = "event"
)

// Server frames: ack, sync_result, event, error.

type clientFrame struct {
	Frame string      `json:"frame"`
	Kind  string      `json:"kind,omitempty"`
	ID    string      `json:"id,omitempty"`
	Event *eventDraft `json:"event,omitempty"`
}

type eventDraft struct {
	Type    event.Type      `json:"type"`
	Payload json.RawMessage `json:"payload"`
	UserID  string          `json:"user_id,omitempty"`
	Version int             `json:"schema_version,omitempty"`
}

type serverFrame struct {
	Frame   string           `json:"frame"`
	Op      string           `json:"op,omitempty"`
	Kind    event.StreamKind `json:"kind,omitempty"`
	ID      string           `json:"id,omitempty"`
	Seq     int64            `json:"seq,omitempty"`
	Event   *event.Event     `json:"event,omitempty"`
	Events  []event.Event    `json:"events,omitempty"`
	Message string           `json:"message,omitempty"`
}

// wsConn binds one websocket connection to one hub subscriber.
type wsConn struct {
	hub   *Hub
	sub   *Subscriber
	conn  *websocket.Conn
	reply chan serverFrame // acks, sync results, error frames
}

// HandleWebSocket upgrades the request and runs the connection until either
// side closes it.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	ws := &wsConn{
		hub:   h,
		sub:   h.NewSubscriber(),
		conn:  conn,
		reply: make(chan serverFrame, replyBuffer),
	}

	slog.Info("websocket connected", "subscriber", ws.sub.ID, "remote", r.RemoteAddr)
	go ws.writePump()
	go ws.readPump()
}

// writePump owns all writes: pushed events, replies, pings and the close
// frame. When the hub drops the subscriber it drains whatever is already
// queued, then closes.
func (ws *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.hub.Remove(ws.sub)
		ws.conn.Close()
	}()

	for {
		select {
		case rec := <-ws.sub.ch:
			if !ws.writeFrame(pushFrame(rec)) {
				return
			}

		case frame := <-ws.reply:
			if !ws.writeFrame(frame) {
				return
			}

		case <-ticker.C:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ws.sub.Done():
			// Drain what is already queued, then say goodbye.
			for {
				select {
				case rec := <-ws.sub.ch:
					if !ws.writeFrame(pushFrame(rec)) {
						return
					}
				default:
					ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
					ws.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		}
	}
}

func pushFrame(rec *event.Event) serverFrame {
	return serverFrame{
		Frame: frameEvent,
		Kind:  rec.StreamKind,
		ID:    rec.StreamID,
		Event: rec,
	}
}

func (ws *wsConn) writeFrame(frame serverFrame) bool {
	ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.conn.WriteJSON(frame); err != nil {
		slog.Warn("websocket write failed", "subscriber", ws.sub.ID, "error", err)
		return false
	}
	return true
}

// send queues a reply frame without blocking the read loop.
func (ws *wsConn) send(frame serverFrame) {
	select {
	case ws.reply <- frame:
	default:
		slog.Warn("reply buffer full, dropping frame",
			"subscriber", ws.sub.ID, "frame", frame.Frame)
	}
}

func (ws *wsConn) sendError(msg string) {
	ws.send(serverFrame{Frame: "error", Message: msg})
}

// readPump owns all reads and dispatches control frames. Event-level errors
// go back as error frames; only transport failure or backpressure drop ends
// the connection.
func (ws *wsConn) readPump() {
	defer func() {
		ws.hub.Remove(ws.sub)
		slog.Info("websocket disconnected", "subscriber", ws.sub.ID)
	}()

	ws.conn.SetReadLimit(maxMsgSize)
	ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	ws.conn.SetPongHandler(func(string) error {
		ws.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read error", "subscriber", ws.sub.ID, "error", err)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			ws.sendError("malformed frame")
			continue
		}
		ws.dispatch(&frame)
	}
}

func (ws *wsConn) dispatch(frame *clientFrame) {
	kind, ok := parseKind(frame.Kind)
	if !ok {
		ws.sendError("unknown stream kind " + frame.Kind)
		return
	}
	if frame.ID == "" {
		ws.sendError("missing stream id")
		return
	}

	switch frame.Frame {
	case frameJoin:
		ws.hub.Join(ws.sub, kind, frame.ID)
		ws.send(serverFrame{Frame: "ack", Op: frameJoin, Kind: kind, ID: frame.ID})

	case frameLeave:
		ws.hub.Leave(ws.sub, kind, frame.ID)
		ws.send(serverFrame{Frame: "ack", Op: frameLeave, Kind: kind, ID: frame.ID})

	case frameSync:
		events, err := ws.hub.Sync(context.Background(), kind, frame.ID)
		if err != nil {
			ws.sendError("sync failed: " + err.Error())
			return
		}
		if events == nil {
			events = []event.Event{}
		}
		ws.send(serverFrame{Frame: "sync_result", Kind: kind, ID: frame.ID, Events: events})

	case frameEvent:
		if frame.Event == nil {
			ws.sendError("missing event body")
			return
		}
		rec, err := ws.hub.Publish(context.Background(), kind, frame.ID, Draft{
			Type:    frame.Event.Type,
			Payload: frame.Event.Payload,
			UserID:  frame.Event.UserID,
			Version: frame.Event.Version,
		})
		if err != nil {
			ws.sendError(publishErrorMessage(err))
			return
		}
		ws.send(serverFrame{Frame: "ack", Op: frameEvent, Kind: kind, ID: frame.ID, Seq: rec.Seq})

	default:
		ws.sendError("unknown frame " + frame.Frame)
	}
}

func parseKind(s string) (event.StreamKind, bool) {
	switch event.StreamKind(s) {
	case event.StreamGame:
		return event.StreamGame, true
	case event.StreamRoom:
		return event.StreamRoom, true
	}
	return "", false
}

func publishErrorMessage(err error) string {
	switch {
	case errors.Is(err, event.ErrValidation):
		return err.Error()
	case errors.Is(err, store.ErrConflict):
		return "event conflict, retry"
	case errors.Is(err, store.ErrBackendUnavailable):
		return "storage unavailable, retry later"
	default:
		return "publish failed"
	}
}
