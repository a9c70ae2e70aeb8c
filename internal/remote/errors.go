package remote

import "fmt"

// ConflictError reports that the server's version of a resource has
// advanced past the version the task assumed. It carries the server's
// current state so the conflict resolver can act without a second fetch.
type ConflictError struct {
	ResourceType  string
	ResourceID    string
	ServerVersion string
	ServerState   []byte
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: server at %s",
		e.ResourceType, e.ResourceID, e.ServerVersion)
}

// ValidationError reports a structurally invalid payload. Terminal:
// retrying the same payload cannot succeed.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "payload rejected: " + e.Reason
}

// TransportError wraps timeouts, refused connections and server-side
// failures. Transient: subject to retry with backoff.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
