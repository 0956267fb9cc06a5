package models

import "github.com/cockroachdb/errors"

// Failure classes shared by the gateway and its clients. Wrap them with
// errors.Wrap to add context and check them with errors.Is.
var (
	// ErrValidation is a missing or malformed inbound field. The worker
	// connection is never opened.
	ErrValidation = errors.New("validation failed")

	// ErrAuthentication is a credential fetch failure or a worker policy
	// rejection.
	ErrAuthentication = errors.New("authentication failed")

	// ErrUpstreamProtocol is a malformed or non-JSON worker frame.
	ErrUpstreamProtocol = errors.New("malformed upstream message")

	// ErrTransientConnection is an abnormal closure with no captured result.
	ErrTransientConnection = errors.New("connection failed")

	// ErrTimeout is the job deadline expiring.
	ErrTimeout = errors.New("request timeout")

	// ErrDisguisedFailure is a success status that carries a null payload.
	ErrDisguisedFailure = errors.New("task completed without a result")

	// ErrCancelled is an explicit cancel of an in-flight job.
	ErrCancelled = errors.New("job cancelled")
)
