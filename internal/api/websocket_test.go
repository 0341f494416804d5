package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neolens/backend/internal/batch"
	"github.com/neolens/backend/internal/models"
)

func dialFeed(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/batch/" + id
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg WSMessage
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func TestWebSocket_StreamsRunEvents(t *testing.T) {
	s := newTestServer(t, instant)
	sess := s.create(t, "a.png", "b.dcm", "skip.txt")

	srv := httptest.NewServer(s.e)
	defer srv.Close()
	ws := dialFeed(t, srv, sess.ID)

	hello := readMessage(t, ws)
	require.Equal(t, MsgTypeConnected, hello.Type)
	var snap models.RunSession
	require.NoError(t, json.Unmarshal(hello.Payload, &snap))
	assert.Equal(t, sess.ID, snap.ID)

	require.NoError(t, ws.WriteJSON(WSMessage{Type: MsgTypeProcess, Payload: mustJSON(ProcessPayload{MaxConcurrent: 2})}))

	var fileDone int
	for {
		msg := readMessage(t, ws)
		if msg.Type != MsgTypeEvent {
			continue
		}
		var ev batch.Event
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		if ev.Kind == batch.EventFileDone {
			fileDone++
		}
		if ev.Kind == batch.EventCompleted {
			assert.Equal(t, 2, ev.Progress.Done)
			assert.Equal(t, 2, ev.Progress.Total)
			break
		}
	}
	assert.Equal(t, 2, fileDone)
}

func TestWebSocket_Commands(t *testing.T) {
	s := newTestServer(t, stuck)
	sess := s.create(t, "a.png")

	srv := httptest.NewServer(s.e)
	defer srv.Close()
	ws := dialFeed(t, srv, sess.ID)
	require.Equal(t, MsgTypeConnected, readMessage(t, ws).Type)

	require.NoError(t, ws.WriteJSON(WSMessage{Type: MsgTypePing}))
	require.Equal(t, MsgTypePong, readMessage(t, ws).Type)

	require.NoError(t, ws.WriteJSON(WSMessage{Type: "bogus"}))
	msg := readMessage(t, ws)
	require.Equal(t, MsgTypeError, msg.Type)
	var wsErr WSErrorResponse
	require.NoError(t, json.Unmarshal(msg.Payload, &wsErr))
	assert.Equal(t, "INVALID_TYPE", wsErr.Code)

	require.NoError(t, ws.WriteJSON(WSMessage{Type: MsgTypeCancel}))
	for {
		msg := readMessage(t, ws)
		if msg.Type == MsgTypeSnapshot {
			var snap models.RunSession
			require.NoError(t, json.Unmarshal(msg.Payload, &snap))
			assert.Empty(t, snap.Files)
			break
		}
	}
}

func TestWebSocket_ProcessRejectsNegativeConcurrency(t *testing.T) {
	s := newTestServer(t, instant)
	sess := s.create(t, "a.png")

	srv := httptest.NewServer(s.e)
	defer srv.Close()
	ws := dialFeed(t, srv, sess.ID)
	require.Equal(t, MsgTypeConnected, readMessage(t, ws).Type)

	require.NoError(t, ws.WriteJSON(WSMessage{
		Type:    MsgTypeProcess,
		Payload: json.RawMessage(`{"maxConcurrent":-2}`),
	}))
	msg := readMessage(t, ws)
	require.Equal(t, MsgTypeError, msg.Type)
	var wsErr WSErrorResponse
	require.NoError(t, json.Unmarshal(msg.Payload, &wsErr))
	assert.Equal(t, "INVALID_PAYLOAD", wsErr.Code)

	p, ok := s.mgr.Progress(sess.ID)
	require.True(t, ok)
	assert.False(t, p.Running)
	assert.Equal(t, 0, p.Done)
}

func TestWebSocket_UnknownSession(t *testing.T) {
	s := newTestServer(t, instant)
	srv := httptest.NewServer(s.e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/batch/missing"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
