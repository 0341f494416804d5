package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// WebSocket message types for the batch event feed
const (
	// Client -> Server messages
	MsgTypePing    = "ping"
	MsgTypeProcess = "process"
	MsgTypeCancel  = "cancel"

	// Server -> Client messages
	MsgTypeConnected = "connected"
	MsgTypeEvent     = "event"
	MsgTypeSnapshot  = "snapshot"
	MsgTypeError     = "error"
	MsgTypePong      = "pong"
)

// WSMessage is the envelope for every frame in both directions
type WSMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// ProcessPayload carries the concurrency bound of a process command
type ProcessPayload struct {
	MaxConcurrent int `json:"maxConcurrent"`
}

// WSErrorResponse is the payload of an error frame
type WSErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// WebSocketHandler streams runner events for one session per connection
type WebSocketHandler struct {
	sessionMgr SessionManager
	upgrader   websocket.Upgrader
	log        *zap.Logger
}

// NewWebSocketHandler creates a new WebSocket event handler
func NewWebSocketHandler(sessionMgr SessionManager, log *zap.Logger) *WebSocketHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocketHandler{
		sessionMgr: sessionMgr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow connections from dev server
				return true
			},
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
		},
		log: log,
	}
}

// wsConn serialises writes from the event pump and the command loop
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) send(msgType string, payload interface{}) error {
	msg := WSMessage{Type: msgType, Timestamp: time.Now().UnixMilli()}
	if payload != nil {
		msg.Payload = mustJSON(payload)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(msg)
}

func (c *wsConn) sendError(message, code string) error {
	return c.send(MsgTypeError, WSErrorResponse{Message: message, Code: code})
}

// HandleWebSocket upgrades the connection and relays the session's events.
// Clients may also send process and cancel commands over the same socket.
func (wsh *WebSocketHandler) HandleWebSocket(c echo.Context) error {
	id := c.Param("sessionId")
	if _, ok := wsh.sessionMgr.GetSession(id); !ok {
		return NewNotFoundError("session", id)
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	conn := &wsConn{ws: ws}
	log := wsh.log.With(zap.String("session", id))

	events, unsubscribe, err := wsh.sessionMgr.Subscribe(id)
	if err != nil {
		_ = conn.sendError(err.Error(), "SESSION_NOT_FOUND")
		return nil
	}
	defer unsubscribe()

	log.Debug("event feed connected")

	if sess, ok := wsh.sessionMgr.GetSession(id); ok {
		_ = conn.send(MsgTypeConnected, sess)
	}

	done := make(chan struct{})
	var pump sync.WaitGroup
	pump.Add(1)
	go func() {
		defer pump.Done()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := conn.send(MsgTypeEvent, ev); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	// Main message loop
	for {
		var msg WSMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("event feed connection error", zap.Error(err))
			}
			break
		}

		switch msg.Type {
		case MsgTypePing:
			_ = conn.send(MsgTypePong, nil)
		case MsgTypeProcess:
			wsh.handleProcess(conn, id, msg)
		case MsgTypeCancel:
			sess, err := wsh.sessionMgr.Cancel(id)
			if err != nil {
				_ = conn.sendError(err.Error(), "CANCEL_FAILED")
				continue
			}
			_ = conn.send(MsgTypeSnapshot, sess)
		default:
			_ = conn.sendError("Unknown message type: "+msg.Type, "INVALID_TYPE")
		}
	}

	close(done)
	pump.Wait()
	log.Debug("event feed disconnected")
	return nil
}

func (wsh *WebSocketHandler) handleProcess(conn *wsConn, id string, msg WSMessage) {
	var payload ProcessPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			_ = conn.sendError("Invalid process payload: "+err.Error(), "INVALID_PAYLOAD")
			return
		}
	}
	if payload.MaxConcurrent < 0 {
		_ = conn.sendError("maxConcurrent must not be negative", "INVALID_PAYLOAD")
		return
	}

	sess, err := wsh.sessionMgr.StartProcess(id, payload.MaxConcurrent)
	if err != nil {
		code := "PROCESS_FAILED"
		if apiErr, ok := sessionError(err, id).(*APIError); ok {
			code = apiErr.Code
		}
		_ = conn.sendError(err.Error(), code)
		return
	}
	_ = conn.send(MsgTypeSnapshot, sess)
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
