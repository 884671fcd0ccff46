package registry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrBracketOverflow is returned when a sub-bracket is configured
	// with more URLs than MaxPerBracket allows.
	ErrBracketOverflow = errors.New("maximum number of RPCs in each bracket reached")

	// ErrEmptySubBracket is returned when a configured sub-bracket
	// holds no URLs at all.
	ErrEmptySubBracket = errors.New("at least provide one valid RPC in each bracket")

	// ErrNoAvailableRPC is returned by Setup when a configured role
	// ends up with no reachable endpoint.
	ErrNoAvailableRPC = errors.New("no available rpc provided")

	// ErrMissingRole is returned when a caller asks for a role that
	// was never configured or did not survive setup.
	ErrMissingRole = errors.New("don't have this rpc type")

	// ErrAmbiguousBrackets is returned when one role is configured with
	// both the sub-bracket form and the flat URL list.
	ErrAmbiguousBrackets = errors.New("role configured with both brackets and a flat url list")
)

// IsConnError reports transport-band failures: dial errors, resets,
// timeouts, truncated responses and HTTP-level failures. These mean
// the endpoint could not serve the request, not that it rejected it.
func IsConnError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}

// IsValueError reports value-band failures: the node answered and
// rejected the request with a JSON-RPC error response.
func IsValueError(err error) bool {
	if err == nil {
		return false
	}

	var rpcErr rpc.Error

	return errors.As(err, &rpcErr)
}

// IsTooManyRequests reports rate-limit answers (HTTP 429 or a
// JSON-RPC error carrying the same wording). Callers treat these as
// hard stops rather than burning the remaining quota on retries.
func IsTooManyRequests(err error) bool {
	if err == nil {
		return false
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
		return true
	}

	return strings.Contains(strings.ToLower(err.Error()), "too many requests")
}
