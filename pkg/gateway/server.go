package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/codeready-toolchain/orchestratorcore/pkg/bus"
	"github.com/codeready-toolchain/orchestratorcore/pkg/config"
	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
	"github.com/codeready-toolchain/orchestratorcore/pkg/repository"
	"github.com/codeready-toolchain/orchestratorcore/pkg/scheduler"
)

// writeTimeout bounds one socket write.
const writeTimeout = 10 * time.Second

// wsConn adapts coder/websocket to the wireConn contract.
type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsConn) Ping(ctx context.Context) error {
	return w.c.Ping(ctx)
}

func (w wsConn) Close(code int, reason string) error {
	return w.c.Close(websocket.StatusCode(code), reason)
}

// Gateway is the session layer: it accepts WebSocket connections,
// authenticates them, routes request frames to handlers, and broadcasts
// domain events to subscribers.
type Gateway struct {
	cfg       config.GatewayConfig
	router    *Router
	conns     *ConnectionManager
	auth      *AuthManager
	broadcast *BroadcastManager
	events    *bus.Bus
	now       func() time.Time

	listener net.Listener
	server   *http.Server
}

// New wires the gateway from its collaborators and registers the full
// RPC surface.
func New(cfg config.GatewayConfig, repo repository.WorkOrderRepository, core *scheduler.Core, events *bus.Bus) *Gateway {
	now := time.Now
	g := &Gateway{
		cfg:    cfg,
		router: NewRouter(),
		conns:  NewConnectionManager(cfg.MaxConnsPerIP, cfg.HeartbeatInterval, cfg.HeartbeatTimeout, now),
		auth:   NewAuthManager(cfg.AuthTimeout, now),
		events: events,
		now:    now,
	}
	g.broadcast = NewBroadcastManager(events, g.conns, now)
	g.conns.OnDisconnect(func(conn *Connection) {
		g.auth.DropChallenges(conn.ID)
		if sess := conn.Session(); sess != nil {
			events.Emit(domain.NewEvent(now(), domain.EventConnectionDisconnected, map[string]any{
				"sessionId": sess.ID,
			}))
		}
	})

	handlers := NewHandlers(repo, core, g.auth, g.conns, events, g.broadcast, now)
	handlers.RegisterAll(g.router)
	return g
}

// Auth exposes the token store so the CLI can mint pairing tokens.
func (g *Gateway) Auth() *AuthManager { return g.auth }

// Conns exposes the connection manager for stats and metrics.
func (g *Gateway) Conns() *ConnectionManager { return g.conns }

// Router exposes the RPC router for registering extra namespaces
// (debug.*, replay.*, conversation.*).
func (g *Gateway) Router() *Router { return g.router }

// Start binds the listener and begins serving. A bind failure is fatal
// to the caller.
func (g *Gateway) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("gateway: bind %s: %w", g.cfg.ListenAddr, err)
	}
	g.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		g.handleWS(ctx, w, r)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	g.server = &http.Server{Handler: mux}
	g.conns.Start(ctx)

	go func() {
		if err := g.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("gateway serve failed", "error", err)
		}
	}()
	slog.Info("gateway listening", "addr", listener.Addr().String())
	return nil
}

// Stop refuses new connections, then closes every session with the
// going-away code after a best-effort flush window.
func (g *Gateway) Stop(ctx context.Context) {
	if g.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = g.server.Shutdown(shutdownCtx)
	}
	g.conns.Stop()
	g.events.Unsubscribe(busSubscriberID)
	slog.Info("gateway stopped")
}

func (g *Gateway) handleWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	remoteAddr := r.RemoteAddr

	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin checks are not part of the pairing model
	})
	if err != nil {
		slog.Debug("websocket accept failed", "remote_addr", remoteAddr, "error", err)
		return
	}

	if !g.conns.CanAcceptConnection(remoteAddr) {
		_ = sock.Close(websocket.StatusCode(closeConnCap), "connection cap exceeded")
		return
	}

	conn := newConnection(wsConn{c: sock}, remoteAddr)
	go conn.writeLoop(ctx, writeTimeout)

	if g.cfg.LocalLoopbackAuto && isLoopback(remoteAddr) {
		session := &domain.Session{
			ID:             "local:" + remoteAddr,
			PublicKey:      "local:" + remoteAddr,
			Permissions:    domain.NewPermissions(domain.PermissionRead, domain.PermissionWrite, domain.PermissionAdmin),
			State:          domain.SessionAuthenticated,
			ConnectedAt:    g.now(),
			LastActivityAt: g.now(),
		}
		g.conns.AddPendingConnection(conn, 0)
		g.conns.PromoteConnection(conn, session)
		g.events.Emit(domain.NewEvent(g.now(), domain.EventConnectionAuthenticated, map[string]any{
			"sessionId": session.ID, "local": true,
		}))
	} else {
		g.conns.AddPendingConnection(conn, g.cfg.AuthTimeout)
	}

	g.readLoop(ctx, conn)
}

// readLoop decodes inbound frames and dispatches them in order; one
// loop per connection serializes that connection's requests while
// different connections proceed in parallel.
func (g *Gateway) readLoop(ctx context.Context, conn *Connection) {
	defer func() {
		conn.close(closeNormal, "")
		g.conns.HandleDisconnect(conn)
	}()

	for {
		data, err := conn.sock.Read(ctx)
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			conn.send(errorFrame("", &RPCError{Code: CodeInvalidFrame, Message: "malformed frame"}))
			continue
		}
		switch frame.Type {
		case frameRequest:
			if frame.ID == "" {
				frame.ID = uuid.New().String()
			}
			if sess := conn.Session(); sess != nil {
				conn.mu.Lock()
				sess.LastActivityAt = g.now()
				conn.mu.Unlock()
			}
			resp := g.router.Dispatch(ctx, conn, &frame)
			conn.send(resp)
		default:
			slog.Debug("dropping unknown frame type", "connection_id", conn.ID, "frame_type", frame.Type)
		}
	}
}
