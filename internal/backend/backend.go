// Package backend implements the submission interface the outbox drains
// against. The backend is a black box: a submitter either acknowledges an
// event or returns a SubmitError, and the outbox retries regardless of kind.
package backend

import (
	"context"
	"fmt"

	"github.com/trailcrew/fieldsync/internal/models"
)

// Submitter delivers one domain event to the authoritative backend
type Submitter interface {
	Submit(ctx context.Context, event models.DomainEvent) error
}

type ErrorKind string

const (
	ErrorNetwork       ErrorKind = "network"
	ErrorServer        ErrorKind = "server"
	ErrorSerialization ErrorKind = "serialization"
)

// SubmitError carries the failure kind for observability only. It holds no
// retry hint: the outbox backs off and retries every kind the same way
type SubmitError struct {
	Kind ErrorKind
	Err  error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit failed (%s): %v", e.Kind, e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

func submitErr(kind ErrorKind, err error) *SubmitError {
	return &SubmitError{Kind: kind, Err: err}
}
