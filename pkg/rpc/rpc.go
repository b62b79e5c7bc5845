// Package rpc defines the WebSocket wire protocol: compact request/response
// frames, pushed event frames, and the method dispatcher behind them.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	apperr "github.com/gmgui/gmgui/internal/common/errors"
)

// Request is an RPC call frame: {"r": id, "m": method, "p": params}.
type Request struct {
	R string          `json:"r"`
	M string          `json:"m"`
	P json.RawMessage `json:"p,omitempty"`
}

// Error is the error half of a response: {"c": code, "m": message}.
type Error struct {
	C int    `json:"c"`
	M string `json:"m"`
}

// Response answers a request: {"r": id, "d": result} or {"r": id, "e": {...}}.
type Response struct {
	R string `json:"r"`
	D any    `json:"d,omitempty"`
	E *Error `json:"e,omitempty"`
}

// CompressedHeader is the control frame announcing that the next binary
// frame is a gzip payload.
type CompressedHeader struct {
	Type     string `json:"type"`
	Encoding string `json:"encoding"`
}

// CompressedType marks the compression control frame.
const CompressedType = "_compressed"

// NewCompressedHeader builds the gzip control frame.
func NewCompressedHeader() CompressedHeader {
	return CompressedHeader{Type: CompressedType, Encoding: "gzip"}
}

// Result wraps a successful call.
func Result(requestID string, data any) *Response {
	return &Response{R: requestID, D: data}
}

// Fail maps an error onto the wire: AppError kinds carry their HTTP-style
// code, anything else is a 500.
func Fail(requestID string, err error) *Response {
	return &Response{
		R: requestID,
		E: &Error{C: apperr.GetHTTPStatus(err), M: errorMessage(err)},
	}
}

func errorMessage(err error) string {
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

// Handler serves one RPC method. Returning an error produces an {e} response.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Dispatcher routes requests through a method table.
type Dispatcher struct {
	methods map[string]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{methods: make(map[string]Handler)}
}

// Register adds a method. Registering a duplicate name panics; the table is
// assembled once at startup.
func (d *Dispatcher) Register(method string, handler Handler) {
	if _, exists := d.methods[method]; exists {
		panic(fmt.Sprintf("rpc method %q registered twice", method))
	}
	d.methods[method] = handler
}

// Alias registers an additional name for an existing method.
func (d *Dispatcher) Alias(alias, method string) {
	handler, exists := d.methods[method]
	if !exists {
		panic(fmt.Sprintf("rpc alias %q targets unknown method %q", alias, method))
	}
	d.Register(alias, handler)
}

// Methods lists the registered method names.
func (d *Dispatcher) Methods() []string {
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	return names
}

// Dispatch executes one request and always returns a response frame.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	handler, exists := d.methods[req.M]
	if !exists {
		return &Response{
			R: req.R,
			E: &Error{C: http.StatusNotFound, M: fmt.Sprintf("unknown method %q", req.M)},
		}
	}
	result, err := handler(ctx, req.P)
	if err != nil {
		return Fail(req.R, err)
	}
	return Result(req.R, result)
}

// DecodeParams unmarshals request params, mapping malformed input to a 400.
func DecodeParams(params json.RawMessage, out any) error {
	if len(params) == 0 {
		return apperr.BadRequest("missing params")
	}
	if err := json.Unmarshal(params, out); err != nil {
		return apperr.BadRequest("invalid params: " + err.Error())
	}
	return nil
}
