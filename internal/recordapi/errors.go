package recordapi

import (
	"errors"

	"github.com/climb-tre/roz/internal/retry"
)

// ErrConnection wraps network-level failures (dial/timeout/reset), the
// record-API analogue of the original pipeline's OnyxConnectionError.
// Transient: retried.
var ErrConnection = errors.New("recordapi: connection error")

// ErrServer wraps 5xx responses, the analogue of OnyxServerError. Transient:
// retried.
var ErrServer = errors.New("recordapi: server error")

// ErrConfig wraps client configuration problems (missing token, malformed
// base URL), the analogue of OnyxConfigError. Fatal: never retried.
var ErrConfig = errors.New("recordapi: configuration error")

// ClassifyError maps a recordapi error to a retry.Kind, distinguishing
// transient connection/server failures (worth retrying up to the 3-attempt
// limit) from configuration errors (fatal, never retried), mirroring the
// original pipeline's reconnect_count loop which only retried
// OnyxConnectionError and OnyxServerError.
func ClassifyError(err error) retry.Kind {
	switch {
	case errors.Is(err, ErrConfig):
		return retry.Fatal
	case errors.Is(err, ErrConnection), errors.Is(err, ErrServer):
		return retry.Transient
	default:
		return retry.Transient
	}
}
