package providers

import (
	"context"
	"errors"
	"fmt"
)

// ErrMalformedResponse means the provider answered 2xx with a body that does
// not have the chat completions shape.
var ErrMalformedResponse = errors.New("malformed chat completions response")

// ProviderError is an upstream failure: non-2xx status, undecodable or empty
// response, transport error, or timeout. Reason is safe to log; Detail may
// carry the provider's own error message and is never shown to users.
type ProviderError struct {
	Provider   string
	StatusCode int
	Reason     string
	Detail     string
	Timeout    bool
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s request failed: %s", e.Provider, e.Reason)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s request failed: status=%d reason=%s", e.Provider, e.StatusCode, e.Reason)
	}
	if e.Detail != "" {
		msg += " detail=" + e.Detail
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// AsProviderError classifies err, turning deadline errors into timeout
// failures. It returns nil for nil.
func AsProviderError(provider string, err error) *ProviderError {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return &ProviderError{Provider: provider, Reason: "timeout", Timeout: true, Err: err}
	}
	if errors.Is(err, ErrMalformedResponse) {
		return &ProviderError{Provider: provider, Reason: "malformed response", Err: err}
	}
	return &ProviderError{Provider: provider, Reason: err.Error(), Err: err}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
