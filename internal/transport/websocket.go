package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roasbeef/loom/internal/authctx"
	"github.com/roasbeef/loom/internal/event"
	"github.com/roasbeef/loom/internal/rpc"
)

// Frame types understood on a WebSocket connection.
const (
	FrameRPC          = "rpc"
	FrameRPCResponse  = "rpc_response"
	FrameRPCError     = "rpc_error"
	FrameSubscribe    = "subscribe"
	FrameUnsubscribe  = "unsubscribe"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FramePing         = "ping"
	FramePong         = "pong"
	FrameConnected    = "connected"
	FrameEvent        = "event"
)

// Frame is the single wire shape for all WebSocket traffic; Type
// discriminates which other fields are meaningful.
type Frame struct {
	Type string `json:"type"`

	// ID correlates an rpc frame with its response.
	ID string `json:"id,omitempty"`

	// Procedure and Input carry an rpc call.
	Procedure string          `json:"procedure,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`

	// Result and Error carry the rpc outcome.
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpc.Error      `json:"error,omitempty"`

	// EventType names the subscription target on subscribe frames and
	// their acks.
	EventType string `json:"eventType,omitempty"`

	// ConnectionID is sent once in the connected greeting.
	ConnectionID string `json:"connectionId,omitempty"`

	// Event is a pushed subscription event.
	Event *event.Event `json:"event,omitempty"`
}

const (
	// wsWriteWait bounds a single write to the peer.
	wsWriteWait = 10 * time.Second

	// wsMaxMessageSize bounds inbound frames.
	wsMaxMessageSize = 1 << 20

	// wsSendBufferSize is each connection's outbound queue.
	wsSendBufferSize = 256
)

// WSConfig tunes the WebSocket adapter.
type WSConfig struct {
	// HeartbeatInterval is how often the server pings.
	HeartbeatInterval time.Duration

	// ConnectionTimeout evicts a peer that has not answered within it.
	ConnectionTimeout time.Duration

	// MaxConnections rejects further upgrades with close code 1013.
	MaxConnections int

	// Extract turns a bearer token into claims.
	Extract authctx.ClaimsExtractor

	// Ports flow into every request context built at this ingress.
	Ports authctx.Ports
}

// DefaultWSConfig returns the adapter defaults.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		HeartbeatInterval: 30 * time.Second,
		ConnectionTimeout: 60 * time.Second,
		MaxConnections:    1024,
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin enforcement happens at the deployment's edge.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WSServer upgrades HTTP requests, speaks the typed frame protocol, and
// bridges subscriptions to the broker.
type WSServer struct {
	cfg    WSConfig
	router *rpc.Router
	broker *Broker

	mu    sync.RWMutex
	conns map[string]*wsConn
}

// NewWSServer builds the adapter around a router and broker.
func NewWSServer(cfg WSConfig, router *rpc.Router, broker *Broker) *WSServer {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultWSConfig().HeartbeatInterval
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = DefaultWSConfig().ConnectionTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultWSConfig().MaxConnections
	}

	return &WSServer{
		cfg:    cfg,
		router: router,
		broker: broker,
		conns:  make(map[string]*wsConn),
	}
}

// ConnCount returns the number of live connections.
func (s *WSServer) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.conns)
}

// Close evicts every live connection.
func (s *WSServer) Close() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseNormalClosure, "server shutting down")
	}
}

// ServeHTTP upgrades the connection and runs the frame protocol until the
// peer disconnects or is evicted.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rctx, authErr := wsRequestContext(r, s.cfg.Extract, s.cfg.Ports)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.DebugS(r.Context(), "WebSocket upgrade failed", "err", err)
		return
	}

	if authErr != nil {
		closeWith(conn, websocket.ClosePolicyViolation,
			"invalid bearer token")
		return
	}

	c := &wsConn{
		server: s,
		id:     "conn-" + uuid.NewString(),
		conn:   conn,
		send:   make(chan Frame, wsSendBufferSize),
		sub:    s.broker.Subscribe(),
		rctx:   rctx,
		quit:   make(chan struct{}),
	}
	// A fresh subscription delivers everything; WS peers opt in per type.
	c.sub.Remove(subscribeAll)

	s.mu.Lock()
	if len(s.conns) >= s.cfg.MaxConnections {
		s.mu.Unlock()
		closeWith(conn, websocket.CloseTryAgainLater,
			"server at capacity")
		c.sub.Close()
		return
	}
	s.conns[c.id] = c
	s.mu.Unlock()

	log.DebugS(r.Context(), "WebSocket connected",
		"connection_id", c.id, "tenant_id", rctx.TenantID,
		"total", s.ConnCount())

	c.enqueue(Frame{Type: FrameConnected, ConnectionID: c.id})

	go c.writePump()
	go c.forwardEvents()
	c.readPump()
}

// wsRequestContext mirrors the HTTP adapter's ingress extraction for the
// upgrade request.
func wsRequestContext(r *http.Request, extract authctx.ClaimsExtractor,
	ports authctx.Ports) (authctx.Context, error) {

	in := authctx.Ingress{
		CorrelationID: headerFirst(r, "X-Request-Id",
			"X-Correlation-Id"),
		TenantHeader: r.Header.Get("X-Tenant-Id"),
		UserHeader:   r.Header.Get("X-User-Id"),
		UserAgent:    r.UserAgent(),
		IPAddress:    clientIP(r),
	}

	var authErr error
	if token, ok := bearerToken(r); ok && extract != nil {
		claims, err := extract(token)
		if err != nil {
			authErr = err
		} else {
			in.Claims = claims
		}
	}

	return authctx.New(in, ports), authErr
}

// closeWith writes a close frame and drops the connection, for rejections
// before the pumps start.
func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(wsWriteWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// wsConn is one live WebSocket connection.
type wsConn struct {
	server *WSServer
	id     string
	conn   *websocket.Conn
	send   chan Frame
	sub    *Subscription
	rctx   authctx.Context

	mu     sync.Mutex
	closed bool
	quit   chan struct{}
}

// enqueue queues an outbound frame, dropping it when the peer is too far
// behind.
func (c *wsConn) enqueue(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	select {
	case c.send <- f:
	default:
		log.WarnS(context.Background(),
			"WebSocket send buffer full, dropping frame", nil,
			"connection_id", c.id, "frame_type", f.Type)
	}
}

// close tears the connection down exactly once.
func (c *wsConn) close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.quit)
	c.mu.Unlock()

	c.sub.Close()

	deadline := time.Now().Add(wsWriteWait)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.conn.Close()

	c.server.mu.Lock()
	delete(c.server.conns, c.id)
	c.server.mu.Unlock()

	log.DebugS(context.Background(), "WebSocket disconnected",
		"connection_id", c.id, "reason", reason)
}

// readPump consumes frames until the peer goes away or stops answering
// heartbeats within the connection timeout. Only pongs extend the deadline:
// a peer that streams requests but never answers pings is still evicted.
func (c *wsConn) readPump() {
	defer c.close(websocket.CloseNormalClosure, "peer disconnected")

	c.conn.SetReadLimit(wsMaxMessageSize)
	c.resetReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.resetReadDeadline()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.close(websocket.ClosePolicyViolation,
				"malformed frame")
			return
		}
		c.handleFrame(f)
	}
}

// resetReadDeadline extends the liveness window by one connection timeout.
func (c *wsConn) resetReadDeadline() {
	_ = c.conn.SetReadDeadline(
		time.Now().Add(c.server.cfg.ConnectionTimeout),
	)
}

// handleFrame dispatches one inbound frame.
func (c *wsConn) handleFrame(f Frame) {
	switch f.Type {
	case FramePing:
		c.enqueue(Frame{Type: FramePong})

	case FramePong:
		// The typed pong counts as a heartbeat answer, same as the
		// protocol pong.
		c.resetReadDeadline()

	case FrameSubscribe:
		if f.EventType == "" {
			c.enqueue(Frame{
				Type: FrameRPCError,
				Error: rpc.Errorf(rpc.CodeValidationFailed,
					"eventType is required"),
			})
			return
		}
		c.sub.Add(f.EventType)
		c.enqueue(Frame{Type: FrameSubscribed, EventType: f.EventType})

	case FrameUnsubscribe:
		c.sub.Remove(f.EventType)
		c.enqueue(Frame{
			Type: FrameUnsubscribed, EventType: f.EventType,
		})

	case FrameRPC:
		// Each rpc frame is its own request trace.
		rctx := c.rctx.WithCorrelation(authctx.NewCorrelationID())

		result, err := c.server.router.Call(
			context.Background(), rctx, f.Procedure, f.Input,
		)
		if err != nil {
			wireErr := rpc.WrapError(rpc.CodeInternal, err)
			out := *wireErr
			out.CorrelationID = rctx.CorrelationID
			c.enqueue(Frame{
				Type: FrameRPCError, ID: f.ID, Error: &out,
			})
			return
		}

		raw, err := json.Marshal(result)
		if err != nil {
			c.enqueue(Frame{
				Type: FrameRPCError, ID: f.ID,
				Error: rpc.Errorf(rpc.CodeInternal,
					"encode result: %v", err),
			})
			return
		}
		c.enqueue(Frame{Type: FrameRPCResponse, ID: f.ID, Result: raw})

	default:
		c.enqueue(Frame{
			Type: FrameRPCError,
			Error: rpc.Errorf(rpc.CodeValidationFailed,
				"unknown frame type %q", f.Type),
		})
	}
}

// forwardEvents pushes broker events the connection subscribed to.
func (c *wsConn) forwardEvents() {
	for ev := range c.sub.Events() {
		ev := ev
		c.enqueue(Frame{Type: FrameEvent, Event: &ev})
	}
}

// writePump serializes all writes to the peer and emits the heartbeat ping.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.server.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(
				time.Now().Add(wsWriteWait),
			)
			data, err := json.Marshal(f)
			if err != nil {
				continue
			}
			err = c.conn.WriteMessage(websocket.TextMessage, data)
			if err != nil {
				c.close(websocket.CloseInternalServerErr,
					"write failed")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(
				time.Now().Add(wsWriteWait),
			)
			c.writeHeartbeat()

		case <-c.quit:
			return
		}
	}
}

// writeHeartbeat sends both the protocol-level ping control frame and the
// typed ping frame; either answer resets the peer's liveness deadline.
func (c *wsConn) writeHeartbeat() {
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.close(websocket.CloseInternalServerErr, "ping failed")
		return
	}

	data, err := json.Marshal(Frame{Type: FramePing})
	if err != nil {
		return
	}
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}
