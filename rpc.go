package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RPCMessage is one frame of the keyringd protocol. Clients send requests,
// keyringd answers with responses and pushes event notifications as
// responses with request id 0.
type RPCMessage struct {
	Req *RPCData `json:"req,omitempty" validate:"required_without=Res,excluded_with=Res"`
	Res *RPCData `json:"res,omitempty" validate:"required_without=Req,excluded_with=Req"`
}

// ParseRPCMessage parses a JSON frame into an RPCMessage
func ParseRPCMessage(data []byte) (RPCMessage, error) {
	var msg RPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return RPCMessage{}, fmt.Errorf("failed to parse request: %w", err)
	}
	return msg, nil
}

// RPCData represents the common structure for both requests and responses
// Format: [request_id, method, params, ts]
// Decoded requests carry their params as a json.RawMessage.
type RPCData struct {
	RequestID uint64 `json:"request_id"`
	Method    string `json:"method" validate:"required"`
	Params    any    `json:"params"`
	Timestamp uint64 `json:"ts"`
}

// UnmarshalJSON reads the array form. Params are kept raw and decoded by
// the handler of the method.
func (m *RPCData) UnmarshalJSON(data []byte) error {
	var rawArr []json.RawMessage
	if err := json.Unmarshal(data, &rawArr); err != nil {
		return fmt.Errorf("error reading RPCData as array: %w", err)
	}
	if len(rawArr) != 4 {
		return errors.New("invalid RPCData: expected 4 elements in array")
	}

	if err := json.Unmarshal(rawArr[0], &m.RequestID); err != nil {
		return fmt.Errorf("invalid request_id: %w", err)
	}
	if err := json.Unmarshal(rawArr[1], &m.Method); err != nil {
		return fmt.Errorf("invalid method: %w", err)
	}
	m.Params = json.RawMessage(rawArr[2])
	if err := json.Unmarshal(rawArr[3], &m.Timestamp); err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	return nil
}

// MarshalJSON for RPCData always emits the array form [RequestID, Method, Params, Timestamp].
func (m RPCData) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{
		m.RequestID,
		m.Method,
		m.Params,
		m.Timestamp,
	})
}

// DecodeParams decodes the raw params of a request into v.
func (m RPCData) DecodeParams(v any) error {
	raw, ok := m.Params.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(m.Params); err != nil {
			return err
		}
	}
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return RPCErrorf("invalid params: %v", err)
	}
	return nil
}

// CreateResponse constructs an RPCMessage with a "res" array.
func CreateResponse(id uint64, method string, params any) *RPCMessage {
	return &RPCMessage{
		Res: &RPCData{
			RequestID: id,
			Method:    method,
			Params:    params,
			Timestamp: uint64(time.Now().UnixMilli()),
		},
	}
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// RPCError is an error whose message is sent to the client as is. Other
// errors reach the client as a generic message.
//
//	return RPCErrorf("unknown keyring type: %s", t)
type RPCError struct {
	err error
}

func RPCErrorf(format string, args ...any) RPCError {
	return RPCError{
		err: fmt.Errorf(format, args...),
	}
}

func (e RPCError) Error() string {
	return e.err.Error()
}

func (e RPCError) Unwrap() error {
	return e.err
}
