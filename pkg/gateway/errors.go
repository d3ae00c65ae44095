package gateway

import (
	"errors"
	"fmt"

	"github.com/codeready-toolchain/orchestratorcore/pkg/repository"
)

// RPC error codes, per the wire contract.
const (
	CodeInvalidFrame  = -32600
	CodeMethodMissing = -32601
	CodeInvalidParams = -32602
	CodeInternal      = -32000
	CodeNotFound      = -32001
	CodeConflict      = -32002
	CodeUnauthorized  = -32003
	CodeForbidden     = -32004
)

// RPCError is a handler failure carried back to the client as the error
// member of a response frame. Data may hold a stable reason string but
// never implementation detail.
type RPCError struct {
	Code    int
	Message string
	Data    any
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Convenience constructors for the common cases.

func errMethodNotFound(method string) *RPCError {
	return &RPCError{Code: CodeMethodMissing, Message: fmt.Sprintf("method %q not found", method)}
}

func errInvalidParams(detail string) *RPCError {
	return &RPCError{Code: CodeInvalidParams, Message: "invalid params", Data: detail}
}

func errUnauthorized(detail string) *RPCError {
	return &RPCError{Code: CodeUnauthorized, Message: "unauthorized", Data: detail}
}

func errNotFound(what string) *RPCError {
	return &RPCError{Code: CodeNotFound, Message: what + " not found"}
}

func errConflict(detail string) *RPCError {
	return &RPCError{Code: CodeConflict, Message: "conflict", Data: detail}
}

func errInternal() *RPCError {
	return &RPCError{Code: CodeInternal, Message: "internal error"}
}

// normalizeError maps a handler error onto the wire taxonomy. Stack
// traces and wrapped detail never reach the client; unexpected errors
// collapse to a bare internal error and are logged by the router.
func normalizeError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return errNotFound("resource")
	case errors.Is(err, repository.ErrConflict):
		return errConflict("state conflict")
	default:
		return errInternal()
	}
}
