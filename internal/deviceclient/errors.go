package deviceclient

import "errors"

// Error kinds routable by the callers in internal/session, internal/thumbnail,
// and internal/download without string-matching response bodies.
var (
	// ErrDiscovery indicates the device could not be reached at the TCP level.
	ErrDiscovery = errors.New("deviceclient: discovery failed")
	// ErrTransport indicates a socket or HTTP transport failure.
	ErrTransport = errors.New("deviceclient: transport failure")
	// ErrProtocol indicates a response body that could not be parsed.
	ErrProtocol = errors.New("deviceclient: unparseable response")
)

// ProtocolError wraps ErrProtocol with the offending raw body for diagnostics.
type ProtocolError struct {
	Op   string
	Body string
	Err  error
}

func (e *ProtocolError) Error() string {
	return "deviceclient: " + e.Op + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// TransportError wraps ErrTransport with the operation that failed.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "deviceclient: " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return errors.Join(ErrTransport, e.Err) }
