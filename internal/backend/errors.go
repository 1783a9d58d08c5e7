package backend

import "fmt"

// AuthError marks a failed registration or login. It is non-fatal: the
// caller shows a disconnected state and retries on the next open.
type AuthError struct {
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend: auth failed with status %d", e.Status)
	}
	return fmt.Sprintf("backend: auth failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError wraps a failed HTTP exchange. Callers log it and retry
// on the next trigger rather than surfacing it.
type NetworkError struct {
	Op     string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend: %s returned status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("backend: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }
