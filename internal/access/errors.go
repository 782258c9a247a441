package access

import "fmt"

// UnauthorizedError is returned when agent resolution or a capability check fails.
// Resolution is set when no agent could be resolved from the credential.
type UnauthorizedError struct {
	Reason     string
	Resolution bool
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Reason)
}

func rejected(reason string) error {
	return &UnauthorizedError{Reason: reason}
}

func unresolved(reason string) error {
	return &UnauthorizedError{Reason: reason, Resolution: true}
}
