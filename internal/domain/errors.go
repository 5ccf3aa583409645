package domain

import (
	"errors"
	"fmt"
)

// Error categories of a reconciliation cycle. Callers match them with errors.Is.
var (
	ErrConfiguration       = errors.New("configuration error")
	ErrConnectivity        = errors.New("collaborator connectivity error")
	ErrRecordApply         = errors.New("record apply error")
	ErrResolutionAmbiguity = errors.New("resolution ambiguity")
)

// CollaboratorError describes a failed call to Proxmox or the DNS provider.
// It matches ErrConnectivity.
type CollaboratorError struct {
	Collaborator string
	Op           string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Collaborator, e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

func (e *CollaboratorError) Is(target error) bool { return target == ErrConnectivity }

// Connectivity wraps err as a CollaboratorError. A nil err returns nil.
func Connectivity(collaborator, op string, err error) error {
	if err == nil {
		return nil
	}
	return &CollaboratorError{Collaborator: collaborator, Op: op, Err: err}
}

// Configuration wraps a formatted message as a configuration error.
func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
