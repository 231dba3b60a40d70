// ABOUTME: Error taxonomy for lifecycle and RPC failures crossing the bridge boundary
// ABOUTME: Every public failure is an *Error carrying a Kind that callers can switch on

package bridge

import (
	"encoding/json"
	"errors"
)

// Kind classifies a bridge failure.
type Kind string

const (
	KindNotConnected     Kind = "NotConnected"
	KindAlreadyRunning   Kind = "AlreadyRunning"
	KindNotRunning       Kind = "NotRunning"
	KindStartupTimeout   Kind = "StartupTimeout"
	KindStartupFailed    Kind = "StartupFailed"
	KindProcessCrashed   Kind = "ProcessCrashed"
	KindProcessStopped   Kind = "ProcessStopped"
	KindTimeout          Kind = "Timeout"
	KindInvalidConfig    Kind = "InvalidConfig"
	KindUnknownProvider  Kind = "UnknownProvider"
	KindVaultUnavailable Kind = "VaultUnavailable"
	KindTransportError   Kind = "TransportError"
	KindInvalidArgument  Kind = "InvalidArgument"
	KindRemoteError      Kind = "RemoteError"
)

// Sentinels for errors.Is matching. Only the Kind is compared.
var (
	ErrNotConnected     = &Error{Kind: KindNotConnected}
	ErrAlreadyRunning   = &Error{Kind: KindAlreadyRunning}
	ErrNotRunning       = &Error{Kind: KindNotRunning}
	ErrStartupTimeout   = &Error{Kind: KindStartupTimeout}
	ErrStartupFailed    = &Error{Kind: KindStartupFailed}
	ErrProcessCrashed   = &Error{Kind: KindProcessCrashed}
	ErrProcessStopped   = &Error{Kind: KindProcessStopped}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrTransport        = &Error{Kind: KindTransportError}
	ErrInvalidArgument  = &Error{Kind: KindInvalidArgument}
	ErrRemote           = &Error{Kind: KindRemoteError}
	ErrInvalidConfig    = &Error{Kind: KindInvalidConfig}
	ErrUnknownProvider  = &Error{Kind: KindUnknownProvider}
	ErrVaultUnavailable = &Error{Kind: KindVaultUnavailable}
)

// Error is the normalized failure returned by bridge operations.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	// Code is the gateway-supplied error code for KindRemoteError.
	Code string
	Err  error
}

func newError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// MarshalJSON renders the failure shape used in RPC results and API responses.
func (e *Error) MarshalJSON() ([]byte, error) {
	msg := e.Message
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	return json.Marshal(struct {
		Kind    Kind   `json:"kind"`
		Message string `json:"message,omitempty"`
		Code    string `json:"code,omitempty"`
	}{e.Kind, msg, e.Code})
}

// KindOf returns the Kind of err. Errors that did not originate in the bridge
// normalize to KindTransportError.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransportError
}

// AsError converts any error into an *Error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(KindTransportError, "", "", err)
}
