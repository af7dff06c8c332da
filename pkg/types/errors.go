package types

import (
	"errors"
	"fmt"
)

// FailureKind is the error taxonomy surfaced to callers of the
// provisioning engine and stored in job results.
type FailureKind string

const (
	FailInvalidInput   FailureKind = "invalid_input"
	FailAlreadyExists  FailureKind = "already_exists"
	FailOutOfCapacity  FailureKind = "out_of_capacity"
	FailSchema         FailureKind = "schema_materialization_failed"
	FailContainerStart FailureKind = "container_start_failed"
	FailTransient      FailureKind = "transient_infrastructure"
	FailCancelled      FailureKind = "cancelled"
	FailInternal       FailureKind = "internal"
)

// ContainerFailReason refines FailContainerStart.
type ContainerFailReason string

const (
	ReasonImageMissing      ContainerFailReason = "image_missing"
	ReasonRuntimeError      ContainerFailReason = "runtime_error"
	ReasonUnhealthy         ContainerFailReason = "unhealthy"
	ReasonTimedOut          ContainerFailReason = "timed_out"
	ReasonExitedImmediately ContainerFailReason = "exited_immediately"
)

// ProvisionError is the typed failure returned by the provisioning engine.
// On any non-nil ProvisionError the system state is either fully rolled
// back or the partial teardown is recorded in Compensation.
type ProvisionError struct {
	Kind         FailureKind
	Reason       ContainerFailReason
	Msg          string
	Err          error
	Compensation []string
}

func (e *ProvisionError) Error() string {
	s := string(e.Kind)
	if e.Reason != "" {
		s += "/" + string(e.Reason)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Retryable reports whether resubmitting the same request may succeed
// without operator intervention.
func (e *ProvisionError) Retryable() bool {
	return e.Kind == FailTransient
}

// NewProvisionError builds a taxonomy error wrapping cause.
func NewProvisionError(kind FailureKind, msg string, cause error) *ProvisionError {
	return &ProvisionError{Kind: kind, Msg: msg, Err: cause}
}

// NewContainerStartError builds a container-subsystem failure with reason.
func NewContainerStartError(reason ContainerFailReason, cause error) *ProvisionError {
	return &ProvisionError{Kind: FailContainerStart, Reason: reason, Err: cause}
}

// KindOf extracts the failure kind from an error chain, defaulting to
// FailInternal for untyped errors.
func KindOf(err error) FailureKind {
	var pe *ProvisionError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return FailInternal
}

// Sentinel errors shared between the storage layer and the engine.
var (
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateToken means the bot token is already bound to a tenant.
	ErrDuplicateToken = errors.New("bot token already bound")

	// ErrNoFreePartition means every cache partition ordinal is held.
	ErrNoFreePartition = errors.New("no free cache partition")

	// ErrInvalidTransition means the subscription state machine forbids
	// the requested transition.
	ErrInvalidTransition = errors.New("invalid subscription state transition")
)

// InvalidTransitionError wraps ErrInvalidTransition with the states involved.
func InvalidTransitionError(from, to SubscriptionState) error {
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
}
