package services

import (
	"errors"
	"fmt"
)

// Eligibility rejection reasons.
const (
	ReasonRatingTooHigh    = "rating_too_high"
	ReasonImportantPresent = "important_persons_present"
	ReasonAlreadyTargeted  = "already_targeted"
	ReasonCoolingDown      = "cooling_down"
)

// ValidationError reports malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown region, user, depot, route or launch.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func notFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// EligibilityError is a denied launch. Reason is one of the Reason* constants.
type EligibilityError struct {
	RegionID string
	Reason   string
	Detail   string
}

func (e *EligibilityError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("region %s not eligible: %s (%s)", e.RegionID, e.Reason, e.Detail)
	}
	return fmt.Sprintf("region %s not eligible: %s", e.RegionID, e.Reason)
}

// ConcurrencyConflict is an optimistic version mismatch. The caller should
// reload and retry.
type ConcurrencyConflict struct {
	Kind     string
	ID       string
	Expected int64
	Actual   int64
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("%s %s: version conflict (expected %d, actual %d)", e.Kind, e.ID, e.Expected, e.Actual)
}

// NoPathError means no active route connects two depots.
type NoPathError struct {
	From string
	To   string
}

func (e *NoPathError) Error() string {
	return fmt.Sprintf("no active route from %s to %s", e.From, e.To)
}

// PermissionError means the actor may not perform the action.
type PermissionError struct {
	ActorID string
	Action  string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("actor %s may not %s", e.ActorID, e.Action)
}

// TransitionError is an illegal launch state move.
type TransitionError struct {
	RegionID string
	From     string
	Action   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s launch on region %s in state %s", e.Action, e.RegionID, e.From)
}

// ErrInvalidCredentials is returned by login for an unknown user or a bad
// password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// Code classifies err into the stable code reported to clients.
func Code(err error) string {
	var (
		validation *ValidationError
		notFound   *NotFoundError
		eligible   *EligibilityError
		conflict   *ConcurrencyConflict
		noPath     *NoPathError
		permission *PermissionError
		transition *TransitionError
	)
	switch {
	case errors.As(err, &validation):
		return "validation_error"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &eligible):
		return "not_eligible"
	case errors.As(err, &conflict):
		return "version_conflict"
	case errors.As(err, &noPath):
		return "no_path"
	case errors.As(err, &permission):
		return "forbidden"
	case errors.As(err, &transition):
		return "invalid_transition"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	}
	return "internal_error"
}
