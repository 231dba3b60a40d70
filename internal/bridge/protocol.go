// ABOUTME: JSON frame codec for the gateway child-process channel
// ABOUTME: Requests carry a correlation id; inbound frames are responses or events

package bridge

import (
	"encoding/json"
	"fmt"
)

// Frame types on the wire.
const (
	frameRequest  = "req"
	frameResponse = "res"
	frameEvent    = "event"
)

// readyEvent is sent once by the gateway when it can accept requests.
const readyEvent = "gateway.ready"

type requestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method Method          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type remoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// inboundFrame is the union of response and event frames.
type inboundFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *remoteError    `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

func encodeRequest(id string, method Method, params any) ([]byte, error) {
	frame := requestFrame{Type: frameRequest, ID: id, Method: method}
	if params != nil {
		raw, ok := params.(json.RawMessage)
		if !ok {
			b, err := json.Marshal(params)
			if err != nil {
				return nil, fmt.Errorf("encoding params for %s: %w", method, err)
			}
			raw = b
		}
		frame.Params = raw
	}
	return json.Marshal(frame)
}

func decodeFrame(b []byte) (*inboundFrame, error) {
	var f inboundFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	switch f.Type {
	case frameResponse:
		if f.ID == "" {
			return nil, fmt.Errorf("response frame without id")
		}
	case frameEvent:
		if f.Event == "" {
			return nil, fmt.Errorf("event frame without name")
		}
	default:
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return &f, nil
}

// remoteFailure converts an ok:false response into a bridge error.
func remoteFailure(method Method, f *inboundFrame) *Error {
	e := newError(KindRemoteError, string(method), "gateway returned an error", nil)
	if f.Error != nil {
		e.Code = f.Error.Code
		if f.Error.Message != "" {
			e.Message = f.Error.Message
		}
	}
	return e
}
