package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
)

// HandlerFunc services one RPC. params is the raw request payload;
// handlers decode it into their typed parameter record. conn is the
// calling connection; it has no promoted session yet for the auth.*
// methods that run before promotion.
type HandlerFunc func(ctx context.Context, conn *Connection, params json.RawMessage) (any, error)

type handlerEntry struct {
	perms   []domain.Permission
	handler HandlerFunc
}

// Router maps RPC methods to handlers with required permissions.
// Handlers must be safe for concurrent invocation; the router itself is
// read-mostly after startup.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]handlerEntry
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]handlerEntry)}
}

// Register installs a handler. Methods with no required permissions are
// callable before authentication.
func (r *Router) Register(method string, perms []domain.Permission, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = handlerEntry{perms: perms, handler: fn}
}

// Methods lists every registered method, sorted, for system.methods.
func (r *Router) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Dispatch routes a request frame and returns the response frame. Every
// request yields exactly one response with the caller's id; the server
// never reuses a client-chosen id for anything else.
func (r *Router) Dispatch(ctx context.Context, conn *Connection, frame *Frame) *Frame {
	r.mu.RLock()
	entry, ok := r.handlers[frame.Method]
	r.mu.RUnlock()
	if !ok {
		return errorFrame(frame.ID, errMethodNotFound(frame.Method))
	}

	if len(entry.perms) > 0 {
		session := conn.Session()
		if session == nil {
			return errorFrame(frame.ID, errUnauthorized("not authenticated"))
		}
		if !session.Permissions.HasAll(entry.perms...) {
			return errorFrame(frame.ID, errUnauthorized("missing permission"))
		}
	}

	result, err := safeInvoke(ctx, entry.handler, conn, frame.Params)
	if err != nil {
		rpcErr := normalizeError(err)
		if rpcErr.Code == CodeInternal {
			slog.Error("rpc handler failed", "method", frame.Method, "connection_id", conn.ID, "error", err)
		}
		return errorFrame(frame.ID, rpcErr)
	}
	return responseFrame(frame.ID, result)
}

// safeInvoke shields the connection loop from handler panics; a panic
// becomes an internal error on the wire with full detail logged locally.
func safeInvoke(ctx context.Context, fn HandlerFunc, conn *Connection, params json.RawMessage) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("rpc handler panicked", "connection_id", conn.ID, "panic", rec)
			result, err = nil, errInternal()
		}
	}()
	return fn(ctx, conn, params)
}

// decodeParams unmarshals the raw params into a typed record, mapping
// malformed payloads to the invalid-params error.
func decodeParams(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return errInvalidParams(err.Error())
	}
	return nil
}
