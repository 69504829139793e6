package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const ProtocolVersion = 1

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// Message is one line on the wire. A request carries id and method, a
// notification only method, a response id plus result or error.
type Message struct {
	Version int             `json:"version"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (m Message) hasID() bool {
	id := bytes.TrimSpace(m.ID)
	return len(id) > 0 && !bytes.Equal(id, []byte("null"))
}

func (m Message) IsRequest() bool      { return m.Method != "" && m.hasID() }
func (m Message) IsNotification() bool { return m.Method != "" && !m.hasID() }
func (m Message) IsResponse() bool     { return m.Method == "" && m.hasID() }

func marshalParams(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func NewRequest(id int64, method string, params any) (Message, error) {
	if strings.TrimSpace(method) == "" {
		return Message{}, errors.New("method is required")
	}
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Version: ProtocolVersion,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  strings.TrimSpace(method),
		Params:  raw,
	}, nil
}

func NewNotification(method string, params any) (Message, error) {
	if strings.TrimSpace(method) == "" {
		return Message{}, errors.New("method is required")
	}
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{Version: ProtocolVersion, Method: strings.TrimSpace(method), Params: raw}, nil
}

func NewResponse(id json.RawMessage, result any) (Message, error) {
	raw, err := marshalParams(result)
	if err != nil {
		return Message{}, err
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return Message{Version: ProtocolVersion, ID: id, Result: raw}, nil
}

func NewErrorResponse(id json.RawMessage, rpcErr *Error) Message {
	if rpcErr == nil {
		rpcErr = NewError(CodeInternalError, "unknown error")
	}
	return Message{Version: ProtocolVersion, ID: id, Error: rpcErr}
}

func Unmarshal(line []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, err
	}
	if m.Version == 0 {
		m.Version = ProtocolVersion
	}
	return m, nil
}

// DecodeParams unmarshals params into out, mapping failures to CodeInvalidParams.
func DecodeParams(params json.RawMessage, out any) error {
	p := bytes.TrimSpace(params)
	if len(p) == 0 || bytes.Equal(p, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(p, out); err != nil {
		return NewError(CodeInvalidParams, "invalid params: %v", err)
	}
	return nil
}
