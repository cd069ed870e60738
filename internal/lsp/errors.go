package lsp

import (
	"errors"
	"fmt"
)

// Standard errors returned by the session layer.
var (
	// ErrShutdown indicates the manager has been shut down.
	ErrShutdown = errors.New("lsp manager shut down")

	// ErrNoServer indicates no server is configured for the language.
	ErrNoServer = errors.New("no server configured for language")

	// ErrConnNotRunning indicates the connection is not in a state that
	// can carry requests.
	ErrConnNotRunning = errors.New("connection not running")

	// ErrInitializeTimeout indicates the initialize handshake did not
	// complete within the configured deadline.
	ErrInitializeTimeout = errors.New("initialize handshake timed out")

	// ErrRequestTimeout indicates no correlated response arrived within
	// the per-request deadline. A single timeout does not affect
	// connection health; only the health checker decides that.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrRestartsExhausted indicates a connection failed health checks
	// more than its restart budget allows and is parked in error state.
	ErrRestartsExhausted = errors.New("restart attempts exhausted")

	// ErrInvalidResponse indicates a response that could not be decoded.
	ErrInvalidResponse = errors.New("invalid response from server")
)

// ProtocolError is a JSON-RPC error object returned by a language server.
// It is an application-level failure; the connection that produced it
// remains healthy.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("protocol error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	// JSON-RPC standard errors
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// LSP-specific errors
	CodeServerNotInitialized = -32002
	CodeUnknownErrorCode     = -32001
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
	CodeServerCancelled      = -32802
	CodeRequestFailed        = -32803
)

// TransportError indicates the server process exited unexpectedly or its
// stdio pipe broke mid-session.
type TransportError struct {
	Language string
	Err      error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Language, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ServerError wraps a lifecycle error with the language it belongs to.
type ServerError struct {
	Language string
	Err      error
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("server %s: %v", e.Language, e.Err)
}

// Unwrap returns the underlying error.
func (e *ServerError) Unwrap() error {
	return e.Err
}
