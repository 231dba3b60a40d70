// ABOUTME: Closed set of gateway RPC methods and typed request/response helpers
// ABOUTME: Unknown method names are rejected before anything is written to the channel

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Method names a gateway RPC.
type Method string

const (
	MethodPing               Method = "ping"
	MethodEcho               Method = "echo"
	MethodHealth             Method = "health"
	MethodStatus             Method = "status"
	MethodChatSend           Method = "chat.send"
	MethodChatHistory        Method = "chat.history"
	MethodChatAbort          Method = "chat.abort"
	MethodSessionsList       Method = "sessions.list"
	MethodChannelsStatus     Method = "channels.status"
	MethodChannelsConnect    Method = "channels.connect"
	MethodChannelsDisconnect Method = "channels.disconnect"
	MethodConfigGet          Method = "config.get"
	MethodConfigPatch        Method = "config.patch"
	MethodProvidersSync      Method = "providers.sync"
	MethodSkillsList         Method = "skills.list"
	MethodCronList           Method = "cron.list"
)

var knownMethods = map[Method]struct{}{
	MethodPing: {}, MethodEcho: {}, MethodHealth: {}, MethodStatus: {},
	MethodChatSend: {}, MethodChatHistory: {}, MethodChatAbort: {},
	MethodSessionsList: {}, MethodChannelsStatus: {}, MethodChannelsConnect: {},
	MethodChannelsDisconnect: {}, MethodConfigGet: {}, MethodConfigPatch: {},
	MethodProvidersSync: {}, MethodSkillsList: {}, MethodCronList: {},
}

// Valid reports whether m is a known gateway method.
func (m Method) Valid() bool {
	_, ok := knownMethods[m]
	return ok
}

// ParseMethod validates a method name received from an untyped caller.
func ParseMethod(s string) (Method, error) {
	m := Method(s)
	if !m.Valid() {
		return "", newError(KindInvalidArgument, "rpc", fmt.Sprintf("unknown method %q", s), nil)
	}
	return m, nil
}

// Invoke performs a typed call: req is encoded as params and the success
// payload is decoded into Resp.
func Invoke[Req, Resp any](ctx context.Context, b *Bridge, method Method, req Req, timeout time.Duration) (Resp, error) {
	var out Resp
	payload, err := b.Call(ctx, method, req, timeout)
	if err != nil {
		return out, err
	}
	if len(payload) == 0 || string(payload) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, newError(KindTransportError, string(method), "decoding result", err)
	}
	return out, nil
}

// PingResult is the gateway's reply to ping.
type PingResult struct {
	Pong    bool   `json:"pong"`
	Version string `json:"version,omitempty"`
}

// Ping calls the reserved liveness method.
func (b *Bridge) Ping(ctx context.Context, timeout time.Duration) (PingResult, error) {
	return Invoke[struct{}, PingResult](ctx, b, MethodPing, struct{}{}, timeout)
}

// Echo returns params unchanged; used for diagnostics.
func (b *Bridge) Echo(ctx context.Context, params map[string]any) (map[string]any, error) {
	return Invoke[map[string]any, map[string]any](ctx, b, MethodEcho, params, 0)
}

// ChatSendParams is the request for chat.send.
type ChatSendParams struct {
	SessionKey string `json:"sessionKey"`
	Message    string `json:"message"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
}

// ChatSendResult acknowledges a queued chat message. Replies arrive as
// chat:message events.
type ChatSendResult struct {
	RunID  string `json:"runId"`
	Status string `json:"status,omitempty"`
}

func (b *Bridge) ChatSend(ctx context.Context, p ChatSendParams) (ChatSendResult, error) {
	if p.SessionKey == "" || p.Message == "" {
		return ChatSendResult{}, newError(KindInvalidArgument, string(MethodChatSend), "sessionKey and message are required", nil)
	}
	return Invoke[ChatSendParams, ChatSendResult](ctx, b, MethodChatSend, p, 0)
}

// ChannelStatus describes one messaging channel managed by the gateway.
type ChannelStatus struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Connected bool   `json:"connected"`
}

type channelsStatusResult struct {
	Channels []ChannelStatus `json:"channels"`
}

func (b *Bridge) ChannelsStatus(ctx context.Context) ([]ChannelStatus, error) {
	res, err := Invoke[struct{}, channelsStatusResult](ctx, b, MethodChannelsStatus, struct{}{}, 0)
	return res.Channels, err
}
