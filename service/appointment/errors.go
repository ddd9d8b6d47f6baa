package appointment

import "fmt"

// ValidationError reports malformed or missing input with field-level detail.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// AuthorizationError deliberately carries no detail about which rule failed.
type AuthorizationError struct{}

func (e *AuthorizationError) Error() string {
	return "not authorized to perform this action"
}

type NotFoundError struct {
	Resource string
	ID       uint
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Resource, e.ID)
}

type InvalidTransitionError struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// ConflictError carries the colliding appointment so callers can display it.
type ConflictError struct {
	Conflict Conflict `json:"conflict"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("schedule conflict (%s) with appointment %d at %s",
		e.Conflict.Type, e.Conflict.AppointmentID, e.Conflict.Time)
}
