package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"balancerd/internal/balancer"
	"balancerd/internal/protocol"
	"balancerd/pkg/types"
)

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var (
		cte     *balancer.ChatTemplateError
		remote  *protocol.RemoteError
		invalid *balancer.InvalidDesiredStateError
	)
	switch {
	case balancer.IsTooBusy(err):
		return http.StatusTooManyRequests
	case balancer.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.Is(err, balancer.ErrAgentDisconnected), errors.As(err, &cte), errors.As(err, &remote):
		return http.StatusBadGateway
	case errors.Is(err, balancer.ErrAgentNotFound):
		return http.StatusNotFound
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
