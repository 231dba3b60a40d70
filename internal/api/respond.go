// ABOUTME: JSON response envelope and error-kind to HTTP status mapping
// ABOUTME: Every failure body is {success:false,error:{kind,message}}

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/2389/coven-bridge/internal/bridge"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// envelope is the body of every JSON response.
type envelope struct {
	Success bool       `json:"success"`
	Result  any        `json:"result,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Kind    bridge.Kind `json:"kind"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"`
}

var kindStatus = map[bridge.Kind]int{
	bridge.KindNotConnected:     http.StatusServiceUnavailable,
	bridge.KindAlreadyRunning:   http.StatusConflict,
	bridge.KindNotRunning:       http.StatusConflict,
	bridge.KindStartupTimeout:   http.StatusGatewayTimeout,
	bridge.KindStartupFailed:    http.StatusBadGateway,
	bridge.KindProcessCrashed:   http.StatusBadGateway,
	bridge.KindProcessStopped:   http.StatusServiceUnavailable,
	bridge.KindTimeout:          http.StatusGatewayTimeout,
	bridge.KindInvalidConfig:    http.StatusBadRequest,
	bridge.KindUnknownProvider:  http.StatusNotFound,
	bridge.KindVaultUnavailable: http.StatusServiceUnavailable,
	bridge.KindTransportError:   http.StatusInternalServerError,
	bridge.KindInvalidArgument:  http.StatusBadRequest,
	bridge.KindRemoteError:      http.StatusBadGateway,
}

// statusForKind returns the HTTP status for a failure kind.
func statusForKind(k bridge.Kind) int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeResult(w http.ResponseWriter, result any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Result: result})
}

// writeError classifies err and writes the failure envelope.
func writeError(w http.ResponseWriter, err error) {
	body := &errorBody{Kind: bridge.KindOf(err), Message: err.Error()}
	var be *bridge.Error
	if errors.As(err, &be) {
		body.Code = be.Code
	}
	writeJSON(w, statusForKind(body.Kind), envelope{Error: body})
}

// writeBadRequest reports a malformed request body.
func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, envelope{Error: &errorBody{Kind: bridge.KindInvalidArgument, Message: msg}})
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return false
	}
	return true
}
