// Package hoppererr defines the typed error taxonomy shared by the routing
// core. Adapters map these kinds onto transport status codes; the core never
// formats user-facing messages itself.
package hoppererr

import (
	"errors"
	"fmt"
	"time"
)

// NotFoundError is returned when a lookup by id matches nothing.
type NotFoundError struct {
	Entity string // "task", "instance", "delegation", "episode", "pattern", "feedback"
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// NotFound constructs a NotFoundError.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ValidationError is returned when an input spec fails its constraints.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

// Validation constructs a ValidationError.
func Validation(field, detail string) error {
	return &ValidationError{Field: field, Detail: detail}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// InvalidTransitionError is returned when a task or delegation status change
// violates its state machine.
type InvalidTransitionError struct {
	Entity    string
	Current   string
	Attempted string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s transition %s -> %s not allowed", e.Entity, e.Current, e.Attempted)
}

// InvalidTransition constructs an InvalidTransitionError.
func InvalidTransition(entity, current, attempted string) error {
	return &InvalidTransitionError{Entity: entity, Current: current, Attempted: attempted}
}

// IsInvalidTransition reports whether err is (or wraps) an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var it *InvalidTransitionError
	return errors.As(err, &it)
}

// ActiveDelegationError is returned when a task already has a pending or
// accepted delegation and another delegate call arrives.
type ActiveDelegationError struct {
	TaskID       string
	DelegationID string
}

func (e *ActiveDelegationError) Error() string {
	return fmt.Sprintf("task %q already has active delegation %q", e.TaskID, e.DelegationID)
}

// ActiveDelegation constructs an ActiveDelegationError.
func ActiveDelegation(taskID, delegationID string) error {
	return &ActiveDelegationError{TaskID: taskID, DelegationID: delegationID}
}

// IsActiveDelegation reports whether err is (or wraps) an ActiveDelegationError.
func IsActiveDelegation(err error) bool {
	var ad *ActiveDelegationError
	return errors.As(err, &ad)
}

// CapacityError is returned when an orchestration instance rejects a task
// because it is already at max_concurrent_tasks.
type CapacityError struct {
	InstanceID string
	Active     int
	Max        int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("instance %q at capacity (%d/%d)", e.InstanceID, e.Active, e.Max)
}

// CapacityExceeded constructs a CapacityError.
func CapacityExceeded(instanceID string, active, max int) error {
	return &CapacityError{InstanceID: instanceID, Active: active, Max: max}
}

// IsCapacityExceeded reports whether err is (or wraps) a CapacityError.
func IsCapacityExceeded(err error) bool {
	var ce *CapacityError
	return errors.As(err, &ce)
}

// UnavailableError is returned when no delegation candidate passes the
// validity filter.
type UnavailableError struct {
	Reason string
}

func (e *UnavailableError) Error() string {
	return "routing unavailable: " + e.Reason
}

// Unavailable constructs an UnavailableError.
func Unavailable(reason string) error {
	return &UnavailableError{Reason: reason}
}

// IsUnavailable reports whether err is (or wraps) an UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// ErrConflict signals that a compare-and-act update lost the race. Callers
// retry a bounded number of times before surfacing it.
var ErrConflict = errors.New("conflicting update")

// TimeoutError is returned when an operation exceeds its configured budget.
type TimeoutError struct {
	Op     string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded budget %s", e.Op, e.Budget)
}

// Timeout constructs a TimeoutError.
func Timeout(op string, budget time.Duration) error {
	return &TimeoutError{Op: op, Budget: budget}
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
