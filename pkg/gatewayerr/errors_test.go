package gatewayerr

import (
	"fmt"
	"net/http"
	"testing"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ErrAgentNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", ErrNotFound), http.StatusNotFound},
		{ErrBadRequest, http.StatusBadRequest},
		{ErrPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{ErrUpstreamFailure, http.StatusBadGateway},
		{ErrEgressDenied, http.StatusForbidden},
		{ErrHostUnavailable, http.StatusServiceUnavailable},
		{ErrStoreUnavailable, http.StatusServiceUnavailable},
		{ErrDuplicate, http.StatusConflict},
		{fmt.Errorf("unrecognized"), http.StatusInternalServerError},
	}

	for _, c := range cases {
		if got := StatusFor(c.err); got != c.want {
			t.Errorf("StatusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
