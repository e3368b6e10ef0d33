package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/effigo/internal/models"
)

// dialWS connects a test client to the handler and returns the connection
func dialWS(t *testing.T, h *WebSocketHandler) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWSMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg WSMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWebSocketHello(t *testing.T) {
	f := newHandlerFixture(t)
	h := NewWebSocketHandler(f.bus, f.logger)

	conn := dialWS(t, h)

	hello := readWSMessage(t, conn)
	assert.Equal(t, "connected", hello.Type)
	payload := hello.Payload.(map[string]interface{})
	assert.NotEmpty(t, payload["connected_at"])

	require.Eventually(t, func() bool { return h.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return h.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestWebSocketBroadcast(t *testing.T) {
	f := newHandlerFixture(t)
	h := NewWebSocketHandler(f.bus, f.logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	conn := dialWS(t, h)
	hello := readWSMessage(t, conn)
	require.Equal(t, "connected", hello.Type)

	// The hub subscribes at its own pace, so keep publishing until the
	// client sees a broadcast frame
	type result struct {
		msg WSMessage
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		for {
			conn.SetReadDeadline(time.Now().Add(8 * time.Second))
			_, data, err := conn.ReadMessage()
			if err != nil {
				resultCh <- result{err: err}
				return
			}
			var msg WSMessage
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			if msg.Type == "progress" {
				resultCh <- result{msg: msg}
				return
			}
		}
	}()

	event := models.NewProgressEvent("train-ws00000001", models.JobStatusRunning, models.StageTraining, 42, "Training step 84/200")
	event.CurrentStep = 84
	event.TotalSteps = 200

	deadline := time.After(8 * time.Second)
	for {
		select {
		case got := <-resultCh:
			require.NoError(t, got.err)
			payload := got.msg.Payload.(map[string]interface{})
			assert.Equal(t, "train-ws00000001", payload["job_id"])
			assert.Equal(t, "running", payload["status"])
			assert.Equal(t, float64(42), payload["progress"])
			return
		case <-deadline:
			t.Fatal("broadcast frame never arrived")
		case <-time.After(20 * time.Millisecond):
			_ = f.bus.Publish(context.Background(), event)
		}
	}
}

func TestWebSocketBroadcast_MultipleClients(t *testing.T) {
	f := newHandlerFixture(t)
	h := NewWebSocketHandler(f.bus, f.logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	first := dialWS(t, h)
	second := dialWS(t, h)
	require.Equal(t, "connected", readWSMessage(t, first).Type)
	require.Equal(t, "connected", readWSMessage(t, second).Type)
	require.Eventually(t, func() bool { return h.ClientCount() == 2 },
		2*time.Second, 10*time.Millisecond)

	received := make(chan string, 2)
	for _, conn := range []*websocket.Conn{first, second} {
		conn := conn
		go func() {
			for {
				conn.SetReadDeadline(time.Now().Add(8 * time.Second))
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var msg WSMessage
				if json.Unmarshal(data, &msg) == nil && msg.Type == "complete" {
					payload := msg.Payload.(map[string]interface{})
					received <- payload["job_id"].(string)
					return
				}
			}
		}()
	}

	event := models.NewProgressEvent("gen-ws0000000001", models.JobStatusCompleted, "", 100, "Generation complete")

	got := 0
	deadline := time.After(8 * time.Second)
	for got < 2 {
		select {
		case jobID := <-received:
			assert.Equal(t, "gen-ws0000000001", jobID)
			got++
		case <-deadline:
			t.Fatalf("only %d of 2 clients received the broadcast", got)
		case <-time.After(20 * time.Millisecond):
			_ = f.bus.Publish(context.Background(), event)
		}
	}
}
