package transport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/roasbeef/loom/internal/event"
	"github.com/roasbeef/loom/internal/rpc"
)

func newTestWSServer(t *testing.T, cfg WSConfig) (*WSServer, *Broker,
	string) {

	t.Helper()

	broker := NewBroker(DefaultBrokerConfig())
	ws := NewWSServer(cfg, newTestRouter(t), broker)
	t.Cleanup(ws.Close)

	srv := httptest.NewServer(ws)
	t.Cleanup(srv.Close)

	return ws, broker, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	return conn
}

// readFrame reads frames until one of the wanted type arrives, skipping
// heartbeat pings.
func readFrame(t *testing.T, conn *websocket.Conn, wantType string) Frame {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))

	for {
		var f Frame
		require.NoError(t, conn.ReadJSON(&f),
			"waiting for %s frame", wantType)
		if f.Type == FramePing {
			continue
		}
		require.Equal(t, wantType, f.Type)

		return f
	}
}

func TestWSConnectedGreeting(t *testing.T) {
	t.Parallel()

	_, _, url := newTestWSServer(t, DefaultWSConfig())
	conn := dialWS(t, url)

	f := readFrame(t, conn, FrameConnected)
	require.True(t, strings.HasPrefix(f.ConnectionID, "conn-"))
}

func TestWSRPCRoundTrip(t *testing.T) {
	t.Parallel()

	_, _, url := newTestWSServer(t, DefaultWSConfig())
	conn := dialWS(t, url)
	readFrame(t, conn, FrameConnected)

	require.NoError(t, conn.WriteJSON(Frame{
		Type:      FrameRPC,
		ID:        "call-1",
		Procedure: "echo",
		Input:     json.RawMessage(`{"msg":"over ws"}`),
	}))

	f := readFrame(t, conn, FrameRPCResponse)
	require.Equal(t, "call-1", f.ID)

	var out struct {
		Msg string `json:"msg"`
	}
	require.NoError(t, json.Unmarshal(f.Result, &out))
	require.Equal(t, "over ws", out.Msg)
}

func TestWSRPCUnknownProcedure(t *testing.T) {
	t.Parallel()

	_, _, url := newTestWSServer(t, DefaultWSConfig())
	conn := dialWS(t, url)
	readFrame(t, conn, FrameConnected)

	require.NoError(t, conn.WriteJSON(Frame{
		Type: FrameRPC, ID: "call-2", Procedure: "nope",
	}))

	f := readFrame(t, conn, FrameRPCError)
	require.Equal(t, "call-2", f.ID)
	require.Equal(t, rpc.CodeProcedureNotFound, f.Error.Code)
	require.NotEmpty(t, f.Error.CorrelationID)
}

func TestWSSubscribeReceivesEvents(t *testing.T) {
	t.Parallel()

	_, broker, url := newTestWSServer(t, DefaultWSConfig())
	conn := dialWS(t, url)
	readFrame(t, conn, FrameConnected)

	require.NoError(t, conn.WriteJSON(Frame{
		Type: FrameSubscribe, EventType: "order_placed",
	}))
	ack := readFrame(t, conn, FrameSubscribed)
	require.Equal(t, "order_placed", ack.EventType)

	// An event of another type is not delivered.
	other, err := event.NewEvent("actor-1", "user_registered", nil)
	require.NoError(t, err)
	broker.Publish(context.Background(), other)

	want, err := event.NewEvent("actor-1", "order_placed",
		map[string]int{"total": 42})
	require.NoError(t, err)
	broker.Publish(context.Background(), want)

	f := readFrame(t, conn, FrameEvent)
	require.Equal(t, want.ID, f.Event.ID)
	require.Equal(t, "order_placed", f.Event.Type)

	// After unsubscribing the stream goes quiet.
	require.NoError(t, conn.WriteJSON(Frame{
		Type: FrameUnsubscribe, EventType: "order_placed",
	}))
	readFrame(t, conn, FrameUnsubscribed)

	broker.Publish(context.Background(), want)
	require.NoError(t, conn.WriteJSON(Frame{Type: FramePing}))
	readFrame(t, conn, FramePong)
}

func TestWSPingPong(t *testing.T) {
	t.Parallel()

	_, _, url := newTestWSServer(t, DefaultWSConfig())
	conn := dialWS(t, url)
	readFrame(t, conn, FrameConnected)

	require.NoError(t, conn.WriteJSON(Frame{Type: FramePing}))
	readFrame(t, conn, FramePong)
}

func TestWSCapacityRejectsWith1013(t *testing.T) {
	t.Parallel()

	cfg := DefaultWSConfig()
	cfg.MaxConnections = 1
	_, _, url := newTestWSServer(t, cfg)

	first := dialWS(t, url)
	readFrame(t, first, FrameConnected)

	second := dialWS(t, url)
	require.NoError(t, second.SetReadDeadline(
		time.Now().Add(5*time.Second)))

	var f Frame
	err := second.ReadJSON(&f)
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err,
		websocket.CloseTryAgainLater), "got %v", err)
}

func TestWSIdlePeerEvicted(t *testing.T) {
	t.Parallel()

	cfg := DefaultWSConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.ConnectionTimeout = 150 * time.Millisecond
	ws, _, url := newTestWSServer(t, cfg)

	conn := dialWS(t, url)
	readFrame(t, conn, FrameConnected)

	// Stop reading entirely: no reads means no pong replies, so the
	// server's liveness deadline lapses.
	require.Eventually(t, func() bool {
		return ws.ConnCount() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWSMalformedFrameClosesConnection(t *testing.T) {
	t.Parallel()

	cfg := DefaultWSConfig()
	ws, _, url := newTestWSServer(t, cfg)

	conn := dialWS(t, url)
	readFrame(t, conn, FrameConnected)

	err := conn.WriteMessage(websocket.TextMessage,
		[]byte("this is not json"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ws.ConnCount() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWSChattyPeerWithoutPongsEvicted(t *testing.T) {
	t.Parallel()

	cfg := DefaultWSConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.ConnectionTimeout = 150 * time.Millisecond
	ws, _, url := newTestWSServer(t, cfg)

	conn := dialWS(t, url)
	readFrame(t, conn, FrameConnected)

	// Keep writing frames without ever reading: writes reach the server,
	// but no reads means no pong replies. Traffic alone must not count
	// as liveness, so the heartbeat deadline still lapses.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteJSON(Frame{
					Type: FramePing,
				}); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	require.Eventually(t, func() bool {
		return ws.ConnCount() == 0
	}, 5*time.Second, 20*time.Millisecond)
}
