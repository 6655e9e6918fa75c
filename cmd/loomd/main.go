// loomd is the loom daemon: it opens the event store, boots the actor
// runtime and the process engine, and serves the RPC surface over HTTP,
// WebSocket, and SSE.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roasbeef/loom/internal/authctx"
	"github.com/roasbeef/loom/internal/baselib/actor"
	"github.com/roasbeef/loom/internal/build"
	"github.com/roasbeef/loom/internal/event"
	"github.com/roasbeef/loom/internal/obs"
	"github.com/roasbeef/loom/internal/process"
	"github.com/roasbeef/loom/internal/rpc"
	"github.com/roasbeef/loom/internal/runtime"
	"github.com/roasbeef/loom/internal/saga"
	"github.com/roasbeef/loom/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listenAddr = flag.String("listen", ":8080",
			"HTTP listen address")
		dbPath = flag.String("db", "~/.loom/loom.db",
			"Path to the SQLite event store (empty for in-memory)")
		logLevel = flag.String("loglevel", "info",
			"Log level: trace, debug, info, warn, error")
		logDir = flag.String("logdir", "",
			"Directory for rotated log files (empty for stdout "+
				"only)")
		nodeID = flag.String("nodeid", "",
			"Node ID for vector clocks (default: hostname)")
		maxWSConns = flag.Int("max-ws-conns", 1024,
			"Maximum concurrent WebSocket connections")
		demo = flag.Bool("demo", false,
			"Register the built-in demo process and saga")
	)
	flag.Parse()

	logCfg := build.DefaultLogConfig()
	logCfg.Level = *logLevel
	logCfg.LogDir = *logDir

	logMgr, err := build.InitLogging(logCfg)
	if err != nil {
		return err
	}
	defer logMgr.Close()
	wireSubsystemLoggers(logMgr)
	log := logMgr.Subsystem("LOOM")

	if *nodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "loom-node"
		}
		*nodeID = host
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event store: SQLite with migrations, or in-memory for throwaway
	// runs.
	var store event.Store
	if *dbPath == "" {
		store = event.NewMemStore()
		log.InfoS(ctx, "Using in-memory event store")
	} else {
		path, err := expandHome(*dbPath)
		if err != nil {
			return err
		}
		db, err := event.OpenSQLite(path)
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		sqlStore := event.NewSQLStore(db)
		defer sqlStore.Close()
		store = sqlStore
		log.InfoS(ctx, "Event store opened", "path", path)
	}

	registry := prometheus.NewRegistry()
	observer := obs.New(registry)

	broker := transport.NewBroker(transport.DefaultBrokerConfig())
	system := actor.NewActorSystem()

	rt, err := runtime.New(
		runtime.DefaultConfig(*nodeID), system, store, broker,
	)
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}

	engine := process.NewEngine(process.DefaultConfig(), rt)
	engine.Run(ctx)
	orchestrator := saga.NewOrchestrator(rt)

	if *demo {
		if err := registerDemo(engine, orchestrator); err != nil {
			return fmt.Errorf("register demo workflows: %w", err)
		}
		log.InfoS(ctx, "Demo workflows registered")
	}

	router := rpc.NewRouter()
	if err := engine.RegisterProcedures(router); err != nil {
		return err
	}
	if err := orchestrator.RegisterProcedures(router); err != nil {
		return err
	}

	ports := authctx.Ports{
		Clock:      func() time.Time { return time.Now().UTC() },
		Logger:     log,
		EventStore: store,
		Bus:        broker,
	}

	httpHandler := transport.NewHTTPHandler(router, transport.HTTPConfig{
		Extract: authctx.DecodeClaims,
		Ports:   ports,
	})

	wsCfg := transport.DefaultWSConfig()
	wsCfg.MaxConnections = *maxWSConns
	wsCfg.Extract = authctx.DecodeClaims
	wsCfg.Ports = ports
	wsServer := transport.NewWSServer(wsCfg, router, broker)

	sseCfg := transport.DefaultSSEConfig()
	sseCfg.Extract = authctx.DecodeClaims
	sseCfg.Ports = ports
	sseServer := transport.NewSSEServer(sseCfg, broker)

	mux := http.NewServeMux()
	mux.Handle("/rpc", instrument(observer, httpHandler))
	mux.Handle("/ws", wsServer)
	mux.Handle("/events", sseServer)
	mux.Handle("/metrics", promhttp.HandlerFor(registry,
		promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter,
		_ *http.Request) {

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok"}`)
	})

	srv := &http.Server{
		Addr:        *listenAddr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.InfoS(ctx, "Daemon listening", "addr", *listenAddr,
			"node_id", *nodeID)
		if err := srv.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {

			errCh <- err
		}
	}()

	go statsLoop(ctx, observer, broker, wsServer)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	log.InfoS(ctx, "Shutting down")
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), 10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WarnS(shutdownCtx, "HTTP shutdown incomplete", err)
	}
	wsServer.Close()
	engine.Close()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		log.WarnS(shutdownCtx, "Runtime shutdown incomplete", err)
	}
	broker.Close()

	return nil
}

// wireSubsystemLoggers routes every package's logger through the shared
// handler set.
func wireSubsystemLoggers(logMgr *build.LogManager) {
	actor.UseLogger(logMgr.Subsystem("ACTR"))
	event.UseLogger(logMgr.Subsystem("EVST"))
	runtime.UseLogger(logMgr.Subsystem("RNTM"))
	process.UseLogger(logMgr.Subsystem("PROC"))
	saga.UseLogger(logMgr.Subsystem("SAGA"))
	rpc.UseLogger(logMgr.Subsystem("RPCS"))
	transport.UseLogger(logMgr.Subsystem("TRNS"))
	obs.UseLogger(logMgr.Subsystem("OBSV"))
}

// expandHome resolves a leading ~ in a path.
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	return home + path[1:], nil
}

// instrument wraps the RPC endpoint with request metrics and a span.
func instrument(observer *obs.Observer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter,
		r *http.Request) {

		attrs := obs.Attrs{
			Tenant:      r.Header.Get("X-Tenant-Id"),
			Principal:   r.Header.Get("X-User-Id"),
			Correlation: r.Header.Get("X-Request-Id"),
			Op:          "rpc.http",
		}
		if attrs.Tenant == "" {
			attrs.Tenant = authctx.DefaultTenant
		}

		observer.Counter("loom_http_requests_total", attrs, 1)
		end := observer.Span(r.Context(), "loom_http_request", attrs)
		next.ServeHTTP(w, r)
		end(nil)
	})
}

// statsLoop periodically surfaces broker and hub stats through the facade.
func statsLoop(ctx context.Context, observer *obs.Observer,
	broker *transport.Broker, ws *transport.WSServer) {

	attrs := obs.Attrs{Tenant: "system", Op: "stats"}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	var lastDrops uint64
	lastConns := 0
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			drops := broker.Drops()
			if delta := drops - lastDrops; delta > 0 {
				observer.Counter("loom_broker_drops_total",
					attrs, float64(delta))
			}
			lastDrops = drops

			conns := ws.ConnCount()
			observer.UpDown("loom_ws_connections", attrs,
				float64(conns-lastConns))
			lastConns = conns
		}
	}
}
