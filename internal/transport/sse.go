package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roasbeef/loom/internal/authctx"
)

// SSEConfig tunes the one-way event stream.
type SSEConfig struct {
	// ConnectionTimeout evicts a stream that has seen no events for this
	// long. Zero disables idle eviction.
	ConnectionTimeout time.Duration

	// Extract turns a bearer token into claims.
	Extract authctx.ClaimsExtractor

	// Ports flow into every request context built at this ingress.
	Ports authctx.Ports
}

// DefaultSSEConfig returns the adapter defaults.
func DefaultSSEConfig() SSEConfig {
	return SSEConfig{ConnectionTimeout: 5 * time.Minute}
}

// SSEServer streams broker events as server-sent events. Clients pick event
// types with the "types" query parameter (comma separated, empty for all)
// and resume a dropped stream via the Last-Event-ID header.
type SSEServer struct {
	cfg    SSEConfig
	broker *Broker
}

// NewSSEServer builds the adapter around a broker.
func NewSSEServer(cfg SSEConfig, broker *Broker) *SSEServer {
	return &SSEServer{cfg: cfg, broker: broker}
}

// ServeHTTP runs one stream until the client disconnects or idles out.
func (s *SSEServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed",
			http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported",
			http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	types := parseTypes(r.URL.Query().Get("types"))
	sub := s.broker.Subscribe(types...)
	defer sub.Close()

	connectionID := "sse-" + uuid.NewString()
	writeSSE(w, "", "connected", map[string]string{
		"connectionId": connectionID,
	})

	// Resume: replay buffered events published after the client's last
	// seen one, before going live.
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		for _, ev := range s.broker.BufferedAfter(last, types...) {
			writeSSE(w, ev.ID, ev.Type, ev)
		}
	}
	flusher.Flush()

	log.DebugS(r.Context(), "SSE stream opened",
		"connection_id", connectionID, "types", strings.Join(types, ","))

	idle := time.NewTimer(s.idleTimeout())
	defer idle.Stop()

	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			writeSSE(w, ev.ID, ev.Type, ev)
			flusher.Flush()

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.idleTimeout())

		case <-idle.C:
			log.DebugS(r.Context(), "SSE stream idle, evicting",
				"connection_id", connectionID)
			return

		case <-r.Context().Done():
			return
		}
	}
}

func (s *SSEServer) idleTimeout() time.Duration {
	if s.cfg.ConnectionTimeout > 0 {
		return s.cfg.ConnectionTimeout
	}

	// Effectively no idle eviction.
	return 24 * time.Hour
}

func parseTypes(raw string) []string {
	if raw == "" {
		return nil
	}

	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}

	return out
}

// writeSSE emits one frame: optional id line, event line, data line.
func writeSSE(w http.ResponseWriter, id, eventType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}

	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, raw)
}

// interface check: the broker feeds the runtime's publish hook.
var _ authctx.Publisher = (*Broker)(nil)
