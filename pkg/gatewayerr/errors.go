/*
Package gatewayerr defines the sentinel error kinds used across the gateway
and the single place that maps them to HTTP status codes. Every layer wraps
these with fmt.Errorf("...: %w", err) for context; only pkg/api unwraps them
to decide a response.
*/
package gatewayerr

import (
	"errors"
	"net/http"
)

var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrBadRequest       = errors.New("bad request")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrEgressDenied     = errors.New("egress denied")
	ErrHostUnavailable  = errors.New("container host unavailable")
	ErrStoreUnavailable = errors.New("job store unavailable")
	ErrNotFound         = errors.New("not found")
	ErrInternal         = errors.New("internal error")
	ErrDuplicate        = errors.New("duplicate thread_id")
)

// StatusFor maps a wrapped sentinel error to its HTTP status code, per
// the gateway's error handling design. Unrecognized errors map to 500.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAgentNotFound), errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrUpstreamFailure):
		return http.StatusBadGateway
	case errors.Is(err, ErrEgressDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrHostUnavailable), errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrDuplicate):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
