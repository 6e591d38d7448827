// Package compute owns everything that talks to the compute engine: the
// wire coder that translates typed commands/responses to the engine's
// JSON protocol, and the worker that manages one framed-TCP connection.
package compute

import "errors"

var (
	// ErrInvalidHeader means a frame did not carry the expected magic value.
	// The stream is considered corrupted from that point on.
	ErrInvalidHeader = errors.New("invalid message header")
	// ErrFailedToConnect means the connection to the compute engine could
	// not be established; the worker will not retry on its own
	ErrFailedToConnect = errors.New("failed to connect to compute engine")
	// ErrFailedToReadMessage means a network read failed mid-stream
	ErrFailedToReadMessage = errors.New("failed to read message")
	// ErrFailedToWrite means a network write failed
	ErrFailedToWrite = errors.New("failed to write message")
	// ErrSendingEmptyMessage means Send was called with no payload
	ErrSendingEmptyMessage = errors.New("sending empty message")
	// ErrRequiredFieldMissing means a response referenced a query id this
	// coder never allocated. Protocol-invariant violation, not recoverable.
	ErrRequiredFieldMissing = errors.New("required field missing")
	// ErrInvalidInput means a payload could not be understood
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotConnected means an operation required a connected worker
	ErrNotConnected = errors.New("not connected")
	// ErrTooManyCrashes means the session gave up creating workers after
	// repeated launch/connect failures
	ErrTooManyCrashes = errors.New("too many compute crashes")
)
