package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported endpoint scheme")
	ErrPoolClosed        = errors.New("transport pool closed")
)

// Classified errors report a short class name used in routing_log error text.
type Classified interface {
	ErrorClass() string
}

// RPCError is a JSON-RPC error object returned by the remote butler.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (e *RPCError) ErrorClass() string { return "RPCError" }

// ToolError is a tool call that reached the butler and failed there
// (MCP isError results, local handler errors).
type ToolError struct {
	Tool    string
	Message string
	Err     error
}

func (e *ToolError) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

func (e *ToolError) ErrorClass() string { return "ToolError" }

// ConnectionError means the endpoint could not be reached or the link dropped.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) ErrorClass() string { return "ConnectionError" }

// HTTPError is a non-2xx answer from an HTTP JSON-RPC endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) ErrorClass() string { return "HTTPError" }

// ClassOf names the class of a transport error. Context expiry wins over
// any wrapping error so that timeouts always read as TimeoutError.
func ClassOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError"
	case errors.Is(err, context.Canceled):
		return "CancelledError"
	}
	var c Classified
	if errors.As(err, &c) {
		return c.ErrorClass()
	}
	return "TransportError"
}

// FormatError renders err as "<Class>: <message>".
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	return ClassOf(err) + ": " + err.Error()
}

func asConnectionError(endpoint string, err error) error {
	if err == nil {
		return nil
	}
	var c Classified
	if errors.As(err, &c) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return &ConnectionError{Endpoint: endpoint, Err: err}
}
