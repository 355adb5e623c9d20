package wire

import "fmt"

// ProtocolError covers framing, MAC, KEX, and version-mismatch failures.
// It is always fatal: the transport disconnects with Reason and closes.
type ProtocolError struct {
	Reason  uint32 // one of the Disconnect* codes
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error (reason %d): %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("protocol error (reason %d): %s", e.Reason, e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AuthError covers bad credentials or a disallowed authentication method.
// The transport stays open; the failure is reported on the auth attempt's
// own result rather than by disconnecting.
type AuthError struct {
	Method  string
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error (%s): %s: %v", e.Method, e.Message, e.Err)
	}
	return fmt.Sprintf("auth error (%s): %s", e.Method, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ChannelError covers an open refused, an unsupported channel type, or an
// invalid channel request. It is reported via OPEN_FAILURE or
// CHANNEL_FAILURE; the rest of the session is unaffected.
type ChannelError struct {
	ReasonCode uint32 // one of the Open* codes, when this came from an open attempt
	Message    string
	Err        error
}

func (e *ChannelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("channel error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("channel error: %s", e.Message)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// FlowError covers window under/overflow. Per spec it is treated as a
// ProtocolError by callers — wrap it with one when disconnecting.
type FlowError struct {
	Message string
	Err     error
}

func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("flow error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("flow error: %s", e.Message)
}

func (e *FlowError) Unwrap() error { return e.Err }

// ResourceError covers handle-table exhaustion or worker-pool rejection.
// Surfaced as an SFTP FAILURE status or a channel OPEN_FAILURE with
// OpenResourceShortage.
type ResourceError struct {
	Message string
	Err     error
}

func (e *ResourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resource error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("resource error: %s", e.Message)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// IOError covers underlying filesystem/socket failures. In SFTP these are
// mapped through the status-code table; elsewhere they close only the
// affected channel.
type IOError struct {
	Message string
	Err     error
}

func (e *IOError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("io error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("io error: %s", e.Message)
}

func (e *IOError) Unwrap() error { return e.Err }

// CancellationError covers an explicit cancel or timeout of a pending
// future; it propagates through that future's Wait/Verify result.
type CancellationError struct {
	Message string
	Err     error
}

func (e *CancellationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cancelled: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("cancelled: %s", e.Message)
}

func (e *CancellationError) Unwrap() error { return e.Err }
