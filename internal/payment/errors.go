package payment

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrLinkMissing is returned when the gateway accepted the payment but its
	// response carries neither an href nor a provider url.
	ErrLinkMissing = errors.New("payment: gateway response has no payment link")
	// ErrMalformedRequest marks a callback that is neither a header-signed POST
	// nor a query-signed GET.
	ErrMalformedRequest = errors.New("payment: unsupported callback format")
	// ErrInvalidOrder wraps validation failures of an order before signing.
	ErrInvalidOrder = errors.New("payment: invalid order")
	// ErrSignatureMismatch is returned when a signed request no longer matches
	// the bytes about to be transmitted.
	ErrSignatureMismatch = errors.New("payment: signed request was modified after signing")
)

// TransportError reports that the gateway could not be reached: network
// failure, timeout or an open circuit breaker. It never carries an HTTP status.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("payment: gateway transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline expiry.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// GatewayError is a non-201 answer from the gateway.
type GatewayError struct {
	Status int
	Body   string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment: gateway answered %d", e.Status)
}
