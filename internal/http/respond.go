package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/wagate/pkg/protocol"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20 // 1 MB

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

// statusFor maps an error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case protocol.ErrInvalidArgument, protocol.ErrAlreadyExists:
		return http.StatusBadRequest
	case protocol.ErrNotFound:
		return http.StatusNotFound
	case protocol.ErrInstanceNotReady:
		return http.StatusConflict
	case protocol.ErrUnauthorized:
		return http.StatusUnauthorized
	case protocol.ErrResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {code, message}. Server-side failures are logged.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := protocol.CodeOf(err)
	status := statusFor(code)
	if status >= 500 {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, protocol.ErrorShape{Code: code, Message: protocol.MessageOf(err)})
}

func writeCode(w http.ResponseWriter, r *http.Request, code, format string, args ...any) {
	writeError(w, r, protocol.Errorf(code, format, args...))
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return protocol.Errorf(protocol.ErrInvalidArgument, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return protocol.Errorf(protocol.ErrInvalidArgument, "invalid JSON body: %s", err)
	}
	if dec.More() {
		return protocol.Errorf(protocol.ErrInvalidArgument, "invalid JSON body: trailing data")
	}
	return nil
}
