package a2a

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version on every envelope.
const Version = "2.0"

// Protocol methods.
const (
	MethodMessageSend   = "message/send"
	MethodMessageStream = "message/stream"
	MethodTasksGet      = "tasks/get"
	MethodTasksCancel   = "tasks/cancel"
)

// JSON-RPC error codes: the reserved range plus the protocol's
// task-specific extensions.
const (
	CodeParse             = -32700
	CodeInvalidRequest    = -32600
	CodeMethodNotFound    = -32601
	CodeInvalidParams     = -32602
	CodeInternal          = -32603
	CodeTaskNotFound      = -32001
	CodeTaskNotCancelable = -32002
)

// Request is one JSON-RPC 2.0 call envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one JSON-RPC 2.0 reply envelope. Exactly one of Result
// and Error is set. ID is raw because peers may echo numeric IDs.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object. It satisfies the error interface,
// and errors.Is matches two instances by code, so callers can test for
// well-known conditions like ErrTaskNotFound.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("a2a: %s (code %d)", e.Message, e.Code)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Well-known protocol errors, matchable with errors.Is.
var (
	ErrTaskNotFound      = &Error{Code: CodeTaskNotFound, Message: "task not found"}
	ErrTaskNotCancelable = &Error{Code: CodeTaskNotCancelable, Message: "task cannot be canceled"}
)

// Parameter shapes for the protocol methods.

type sendParams struct {
	Message Message `json:"message"`
}

type taskParams struct {
	ID string `json:"id"`
}
