package container

import "fmt"

// The error taxonomy every driver maps backend-specific failures onto,
// so the manager and worker layers never need to switch on SDK-specific
// error types.
var (
	// ErrTransport signals a socket/network-level failure talking to the
	// backend (timeout, connection reset, DNS failure).
	ErrTransport = fmt.Errorf("container: transport error")

	// ErrNotFound signals the requested chunk does not exist.
	ErrNotFound = fmt.Errorf("container: chunk not found")

	// ErrIntegrity signals a checksum mismatch on read.
	ErrIntegrity = fmt.Errorf("container: checksum mismatch")

	// ErrUnsupported signals an operation the driver's backend cannot
	// perform (e.g. Ali OSS revert).
	ErrUnsupported = fmt.Errorf("container: operation not supported by this backend")
)

// BackendError wraps an opaque backend status code and message that does
// not cleanly map onto the four sentinel kinds above.
type BackendError struct {
	Code int
	Msg  string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("container: backend error %d: %s", e.Code, e.Msg)
}
