package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/almanac/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsReadLimit  = maxBodyBytes
)

// Frame types sent to WebSocket clients.
const (
	FrameReply = "reply"
	FrameError = "error"
	FrameEvent = "event"
)

// Frame is one JSON message sent to a WebSocket client.
type Frame struct {
	Type        string        `json:"type"`
	SessionID   string        `json:"session_id"`
	Content     string        `json:"content,omitempty"`
	ContentHTML string        `json:"content_html,omitempty"`
	Error       string        `json:"error,omitempty"`
	Status      int           `json:"status,omitempty"`
	Event       *events.Event `json:"event,omitempty"`
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(f)
}

// handleWebSocket serves one session over a WebSocket. Every text frame
// is one turn, answered with a reply or error frame. The session's
// state events are streamed as event frames while turns run. Closing
// the socket cancels the turn in flight.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, userID string) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	if _, err := s.checkOwner(r.Context(), id, userID); err != nil {
		if errors.Is(err, errNotOwner) {
			s.errorResponse(w, http.StatusNotFound, "not_found_error", "session not found")
			return
		}
		s.logger.Error("session lookup failed", "session", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "server_error", "could not load session")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		s.logger.Debug("websocket upgrade failed", "session", id, "error", err)
		return
	}
	defer conn.Close()

	logger := s.logger.With("session", id, "user", userID)
	logger.Info("websocket connected")

	wc := &wsConn{conn: conn}
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	incoming := make(chan string)
	go func() {
		defer cancel()
		defer close(incoming)
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug("websocket read failed", "error", err)
				}
				return
			}
			if mt != websocket.TextMessage {
				continue
			}
			select {
			case incoming <- string(data):
			case <-ctx.Done():
				return
			}
		}
	}()

	go s.keepalive(ctx, wc)
	if s.bus != nil {
		go s.streamEvents(ctx, wc, id)
	}

	for data := range incoming {
		text := parseFrameText(data)
		if text == "" {
			continue
		}
		reply, err := s.router.Route(ctx, id, userID, text)
		if err != nil {
			code, _ := turnStatus(err)
			if code == StatusClientClosedRequest {
				logger.Info("websocket closed before the turn finished")
				break
			}
			logger.Warn("turn failed", "status", code, "error", err)
			if err := wc.send(Frame{Type: FrameError, SessionID: id, Error: err.Error(), Status: code}); err != nil {
				break
			}
			continue
		}
		if err := wc.send(Frame{
			Type:        FrameReply,
			SessionID:   id,
			Content:     reply,
			ContentHTML: s.renderHTML(reply),
		}); err != nil {
			logger.Debug("websocket write failed", "error", err)
			break
		}
	}
	logger.Info("websocket disconnected")
}

// streamEvents forwards the bus events of one session until ctx ends.
func (s *Server) streamEvents(ctx context.Context, wc *wsConn, sessionID string) {
	sub := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			if e.SessionID() != sessionID {
				continue
			}
			if err := wc.send(Frame{Type: FrameEvent, SessionID: sessionID, Event: &e}); err != nil {
				return
			}
		}
	}
}

func (s *Server) keepalive(ctx context.Context, wc *wsConn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// parseFrameText accepts {"content": "..."} or plain text.
func parseFrameText(data string) string {
	var req MessageRequest
	if err := json.Unmarshal([]byte(data), &req); err == nil {
		return strings.TrimSpace(req.Content)
	}
	return strings.TrimSpace(data)
}
