package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
)

// wireConn abstracts the transport so connection management and tests
// don't depend on a live WebSocket.
type wireConn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(code int, reason string) error
}

// outboundQueueSize bounds per-connection undelivered frames before the
// lagged-drop policy kicks in.
const outboundQueueSize = 256

// Connection owns one client socket: its outbound queue, its session
// once promoted, and its subscription filter. All writes to the socket
// go through the writer loop, so they are serialized.
type Connection struct {
	ID         string
	RemoteAddr string

	sock wireConn
	out  chan []byte

	mu      sync.Mutex
	session *domain.Session
	subs    []domain.Subscription
	alive   bool
	lagged  bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(sock wireConn, remoteAddr string) *Connection {
	return &Connection{
		ID:         uuid.New().String(),
		RemoteAddr: remoteAddr,
		sock:       sock,
		out:        make(chan []byte, outboundQueueSize),
		alive:      true,
		closed:     make(chan struct{}),
	}
}

// Session returns the promoted session, nil while pending.
func (c *Connection) Session() *domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SetSubscriptions replaces the connection's broadcast filter.
func (c *Connection) SetSubscriptions(subs []domain.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = subs
	if c.session != nil {
		c.session.Subscriptions = subs
	}
}

// matches reports whether an event passes the connection's filter. A
// connection with no subscriptions receives nothing until it subscribes.
func (c *Connection) matches(goalID, eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if sub.Matches(goalID, eventType) {
			return true
		}
	}
	return false
}

// send queues a frame for delivery without blocking. RPC responses use
// this path; when the queue is full the frame is dropped with a warning
// and the connection stays open.
func (c *Connection) send(frame *Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("marshal outbound frame", "connection_id", c.ID, "error", err)
		return
	}
	select {
	case c.out <- data:
	case <-c.closed:
	default:
		slog.Warn("outbound queue full, dropping frame", "connection_id", c.ID, "frame_type", frame.Type)
	}
}

// sendEvent queues an event frame with the lagged-drop policy: when the
// buffer is full the oldest undelivered frame is dropped and a single
// session.lagged marker is enqueued in its place.
func (c *Connection) sendEvent(frame *Frame, now time.Time) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	for {
		select {
		case <-c.closed:
			return
		default:
		}
		select {
		case c.out <- data:
			return
		default:
		}
		// Full: drop the oldest, replace it with a lagged marker once.
		select {
		case <-c.out:
		default:
		}
		c.mu.Lock()
		first := !c.lagged
		c.lagged = true
		c.mu.Unlock()
		if first {
			if marker, err := json.Marshal(laggedFrame(now)); err == nil {
				select {
				case c.out <- marker:
				default:
				}
			}
		}
	}
}

// writeLoop drains the outbound queue to the socket; one per connection.
func (c *Connection) writeLoop(ctx context.Context, writeTimeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case data := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.sock.Write(wctx, data)
			cancel()
			if err != nil {
				slog.Debug("write failed, closing connection", "connection_id", c.ID, "error", err)
				c.close(closeGoingAway, "write failure")
				return
			}
			c.mu.Lock()
			c.lagged = false
			c.mu.Unlock()
		}
	}
}

func (c *Connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.sock.Close(code, reason)
	})
}

// ConnectionManager maintains the pending and authenticated pools,
// enforces the per-IP cap on pending connections, runs auth timeouts,
// and drives the heartbeat.
type ConnectionManager struct {
	mu            sync.Mutex
	pending       map[string]*Connection
	authenticated map[string]*Connection
	perIP         map[string]int

	maxPerIP          int
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time

	onDisconnect func(conn *Connection)
}

// NewConnectionManager builds a manager with the given limits.
func NewConnectionManager(maxPerIP int, heartbeatInterval, heartbeatTimeout time.Duration, now func() time.Time) *ConnectionManager {
	if now == nil {
		now = time.Now
	}
	if maxPerIP <= 0 {
		maxPerIP = 10
	}
	return &ConnectionManager{
		pending:           make(map[string]*Connection),
		authenticated:     make(map[string]*Connection),
		perIP:             make(map[string]int),
		maxPerIP:          maxPerIP,
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		stopCh:            make(chan struct{}),
		now:               now,
	}
}

// OnDisconnect registers a hook fired after a connection leaves either
// pool.
func (m *ConnectionManager) OnDisconnect(fn func(conn *Connection)) {
	m.onDisconnect = fn
}

// CanAcceptConnection enforces the per-IP pending cap.
func (m *ConnectionManager) CanAcceptConnection(remoteAddr string) bool {
	ip := ipOf(remoteAddr)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perIP[ip] < m.maxPerIP
}

// AddPendingConnection registers a new unauthenticated connection and
// arms its auth timeout: the connection is closed with the auth-failure
// code if not promoted in time.
func (m *ConnectionManager) AddPendingConnection(conn *Connection, authTimeout time.Duration) {
	m.mu.Lock()
	m.pending[conn.ID] = conn
	m.perIP[ipOf(conn.RemoteAddr)]++
	m.mu.Unlock()

	if authTimeout <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		timer := time.NewTimer(authTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			m.mu.Lock()
			_, stillPending := m.pending[conn.ID]
			m.mu.Unlock()
			if stillPending {
				slog.Info("auth timeout, closing connection", "connection_id", conn.ID)
				conn.close(closeAuthFailure, "authentication timeout")
			}
		case <-conn.closed:
		case <-m.stopCh:
		}
	}()
}

// PromoteConnection moves a pending connection into the authenticated
// pool under the given session, freeing its slot under the per-IP
// pending cap.
func (m *ConnectionManager) PromoteConnection(conn *Connection, session *domain.Session) {
	m.mu.Lock()
	if _, wasPending := m.pending[conn.ID]; wasPending {
		delete(m.pending, conn.ID)
		ip := ipOf(conn.RemoteAddr)
		if m.perIP[ip] > 0 {
			m.perIP[ip]--
		}
	}
	m.authenticated[conn.ID] = conn
	m.mu.Unlock()

	conn.mu.Lock()
	conn.session = session
	conn.mu.Unlock()
}

// HandleDisconnect removes the connection from whichever pool holds it
// and clears its subscription state.
func (m *ConnectionManager) HandleDisconnect(conn *Connection) {
	m.mu.Lock()
	_, wasPending := m.pending[conn.ID]
	delete(m.pending, conn.ID)
	delete(m.authenticated, conn.ID)
	if wasPending {
		ip := ipOf(conn.RemoteAddr)
		if m.perIP[ip] > 0 {
			m.perIP[ip]--
		}
	}
	m.mu.Unlock()

	conn.SetSubscriptions(nil)
	conn.mu.Lock()
	if conn.session != nil {
		conn.session.State = domain.SessionDisconnected
	}
	conn.mu.Unlock()

	if m.onDisconnect != nil {
		m.onDisconnect(conn)
	}
}

// Authenticated returns a snapshot of the authenticated pool.
func (m *ConnectionManager) Authenticated() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Connection, 0, len(m.authenticated))
	for _, c := range m.authenticated {
		out = append(out, c)
	}
	return out
}

// Counts reports pool sizes for stats.
func (m *ConnectionManager) Counts() (pending, authenticated int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending), len(m.authenticated)
}

// Start launches the heartbeat loop.
func (m *ConnectionManager) Start(ctx context.Context) {
	if m.heartbeatInterval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.heartbeat(ctx)
			}
		}
	}()
}

// Stop halts the heartbeat and timeout goroutines and closes every
// connection with the going-away code.
func (m *ConnectionManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.pending)+len(m.authenticated))
	for _, c := range m.pending {
		conns = append(conns, c)
	}
	for _, c := range m.authenticated {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.close(closeGoingAway, "server shutting down")
	}
	m.wg.Wait()
}

// heartbeat pings every connection; one that doesn't answer within the
// timeout is terminated as stale.
func (m *ConnectionManager) heartbeat(ctx context.Context) {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.pending)+len(m.authenticated))
	for _, c := range m.pending {
		conns = append(conns, c)
	}
	for _, c := range m.authenticated {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		conn := conn
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			pctx, cancel := context.WithTimeout(ctx, m.heartbeatTimeout)
			defer cancel()
			conn.mu.Lock()
			conn.alive = false
			conn.mu.Unlock()
			if err := conn.sock.Ping(pctx); err != nil {
				slog.Info("heartbeat failed, terminating stale connection", "connection_id", conn.ID)
				conn.close(closeGoingAway, "heartbeat timeout")
				m.HandleDisconnect(conn)
				return
			}
			conn.mu.Lock()
			conn.alive = true
			conn.mu.Unlock()
		}()
	}
}

// ipOf strips the port from a remote address.
func ipOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// isLoopback reports whether the peer address qualifies for local
// auto-auth: 127.*, ::1, IPv4-mapped loopback, or the literal
// "localhost".
func isLoopback(remoteAddr string) bool {
	host := ipOf(remoteAddr)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
