package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", NewTransientError(errors.New("x"), 503), true},
		{"wrapped transient", eris.Wrap(NewTransientError(errors.New("x"), 429), "landcover: label"), true},
		{"net timeout", timeoutErr{}, true},
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"connection refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"message only", errors.New("read tcp: i/o timeout"), true},
		{"unexpected eof", errors.New("Unexpected EOF"), true},
		{"circuit open", ErrCircuitOpen, false},
		{"wrapped circuit open", eris.Wrap(ErrCircuitOpen, "landcover"), false},
		{"cancelled", context.Canceled, false},
		{"permanent", errors.New("unauthorized"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "%d", code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 501} {
		assert.False(t, IsTransientHTTPStatus(code), "%d", code)
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	base := errors.New("boom")
	te := NewTransientError(base, 502)
	assert.ErrorIs(t, te, base)
	assert.Equal(t, "boom", te.Error())
	assert.Equal(t, 502, te.StatusCode)
}
