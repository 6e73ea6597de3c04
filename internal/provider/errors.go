package provider

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/gorilla/websocket"
)

var (
	// ErrConfiguration marks a missing or invalid credential or parameter
	ErrConfiguration = errors.New("vendor configuration error")

	// ErrTransportClosed marks a connection that went away underneath the session
	ErrTransportClosed = errors.New("vendor transport closed")

	// ErrMalformedPayload marks vendor data that cannot be interpreted
	ErrMalformedPayload = errors.New("malformed vendor payload")
)

// ConfigError names the configuration field that failed validation
type ConfigError struct {
	Vendor string
	Field  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s is required", e.Vendor, e.Field)
}

// Unwrap allows errors.Is(err, ErrConfiguration)
func (e *ConfigError) Unwrap() error {
	return ErrConfiguration
}

// FailureError is an explicit failure reported by the vendor
type FailureError struct {
	Code    int
	Message string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("vendor failure: code=%d message=%s", e.Code, e.Message)
}

// IsFailure reports whether err carries a vendor-reported failure
func IsFailure(err error) bool {
	var failure *FailureError
	return errors.As(err, &failure)
}

// TransportError wraps err as ErrTransportClosed when it signals a dead
// connection: websocket close frames, unexpected EOFs, or net.ErrClosed.
// Other errors are returned unchanged.
func TransportError(err error) error {
	if err == nil || errors.Is(err, ErrTransportClosed) {
		return err
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) || errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}

	return err
}
