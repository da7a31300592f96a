package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"scribe.evalgo.org/auth"
	"scribe.evalgo.org/common"
	"scribe.evalgo.org/engine"
	"scribe.evalgo.org/session"
	"scribe.evalgo.org/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024

	// handlerTimeout bounds the storage work behind one inbound event.
	handlerTimeout = 10 * time.Second
)

// Handler owns the socket surface: it authenticates the handshake,
// registers sessions, and routes decoded events.
type Handler struct {
	registry *session.Registry
	engine   *engine.Engine
	store    *store.Store
	tokens   *auth.TokenService
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

// NewHandler wires the socket surface. allowedOrigins limits upgrade
// requests; empty allows any origin.
func NewHandler(registry *session.Registry, eng *engine.Engine, st *store.Store, tokens *auth.TokenService, allowedOrigins []string) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Handler{
		registry: registry,
		engine:   eng,
		store:    st,
		tokens:   tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
		log: common.ComponentLogger("ws"),
	}
}

// ServeWS upgrades the connection after verifying the bearer token in the
// query string, then runs the session's read loop until the socket
// closes.
func (h *Handler) ServeWS(c echo.Context) error {
	claims, err := h.tokens.Verify(c.QueryParam("token"))
	if err != nil {
		// Complete the upgrade so the close code reaches the client.
		conn, upErr := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
		if upErr != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}
		h.closeWith(conn, CloseAuthFailure, "authentication failed")
		return nil
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	sess := session.NewSession(conn, claims.UserID, claims.Name)
	h.registry.Add(sess)
	h.log.WithFields(logrus.Fields{
		"session": sess.ID,
		"user":    sess.UserID,
	}).Info("session connected")

	go h.writePump(sess)
	h.readLoop(sess)
	return nil
}

func (h *Handler) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

// writePump is the session's single writer: it drains the outbound queue
// and keeps the connection alive with pings. When the queue closes it
// finishes the disconnect, with a server-error close code if the session
// was cut off for falling behind.
func (h *Handler) writePump(sess *session.Session) {
	conn := sess.Conn()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-sess.Outbound():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				code := websocket.CloseNormalClosure
				reason := ""
				if sess.Overflowed() {
					code = CloseServerError
					reason = "send queue overflow"
				}
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop dispatches inbound frames until the socket closes, then tears
// the session down: room departures are announced and the last viewer
// triggers the document write-through.
func (h *Handler) readLoop(sess *session.Session) {
	conn := sess.Conn()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	defer h.teardown(sess)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).WithField("session", sess.ID).Debug("connection dropped")
			}
			return
		}

		env, err := Decode(frame)
		if err != nil {
			h.reply(sess, EvError, errorPayload{Message: err.Error()})
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		h.dispatch(ctx, sess, env)
		cancel()
	}
}

func (h *Handler) teardown(sess *session.Session) {
	channelID, docID := h.registry.Remove(sess.ID)
	sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if docID != "" {
		h.broadcastDoc(docID, EvUserLeftDoc, presencePayload(sess, docID), "")
		if h.registry.DocViewerCount(docID) == 0 {
			h.engine.OnLastViewerLeave(ctx, docID)
		}
	}
	if channelID != "" {
		h.broadcastChannel(channelID, EvUserLeft, presencePayload(sess, ""), "")
	}
	h.log.WithField("session", sess.ID).Info("session disconnected")
}

// reply sends an encoded event to one session.
func (h *Handler) reply(sess *session.Session, event string, data interface{}) {
	frame, err := Encode(event, data)
	if err != nil {
		h.log.WithError(err).WithField("event", event).Error("encode failed")
		return
	}
	sess.Enqueue(frame)
}

func (h *Handler) broadcastChannel(channelID, event string, data interface{}, exclude string) {
	frame, err := Encode(event, data)
	if err != nil {
		h.log.WithError(err).WithField("event", event).Error("encode failed")
		return
	}
	h.registry.BroadcastChannel(channelID, frame, exclude)
}

func (h *Handler) broadcastDoc(docID, event string, data interface{}, exclude string) {
	frame, err := Encode(event, data)
	if err != nil {
		h.log.WithError(err).WithField("event", event).Error("encode failed")
		return
	}
	h.registry.BroadcastDoc(docID, frame, exclude)
}

func presencePayload(sess *session.Session, docID string) map[string]interface{} {
	p := map[string]interface{}{
		"sessionId": sess.ID,
		"userId":    sess.UserID,
		"userName":  sess.UserName,
	}
	if docID != "" {
		p["docId"] = docID
	}
	return p
}

// CloseAll sends the shutdown close code to every session. Called once
// during graceful shutdown before the engine flushes open documents.
func (h *Handler) CloseAll() {
	for _, sess := range h.registry.All() {
		sess.Close()
		h.closeWith(sess.Conn(), CloseShutdown, "server shutting down")
	}
}
