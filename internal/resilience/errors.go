package resilience

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// TransientError marks a failure worth another attempt: a throttled or
// overloaded service, a dropped connection, or an attempt that ran out of
// time. StatusCode is zero when the failure did not come from HTTP.
type TransientError struct {
	Err        error
	StatusCode int
}

// NewTransientError marks err as retryable.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Network failures that surface only as text once wrapped by the HTTP
// client or a driver.
var transientMessages = []string{
	"connection reset by peer",
	"broken pipe",
	"i/o timeout",
	"unexpected eof",
	"tls handshake timeout",
}

// IsTransient reports whether err is worth retrying. An open circuit never
// is.
func IsTransient(err error) bool {
	switch {
	case err == nil, errors.Is(err, ErrCircuitOpen):
		return false
	case errors.As(err, new(*TransientError)):
		return true
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED):
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether a response status means the same
// request may succeed later.
func IsTransientHTTPStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
