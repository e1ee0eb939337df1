package model

import (
	"errors"
	"fmt"
)

// ErrAccessDenied is the sentinel an access hook returns to deny without a
// custom message; the filter lifts it to a canonical CRUDBlockedError for
// the stage it fired in.
var ErrAccessDenied = errors.New("access denied")

// Error taxonomy shared between the engine, the store and the access filter.
// All types are matched with errors.As; messages are stable because clients
// key on them.

// DocumentNotFoundError reports a single-document operation that matched
// nothing.
type DocumentNotFoundError struct {
	Type string
	ID   string
}

func (e *DocumentNotFoundError) Error() string {
	return fmt.Sprintf("document %s/%s was not found", e.Type, e.ID)
}

// DuplicatePrimaryKeyError reports an insert that collided on the primary
// key.
type DuplicatePrimaryKeyError struct {
	PrimaryKey string
}

func (e *DuplicatePrimaryKeyError) Error() string {
	return fmt.Sprintf("duplicate primary key `%s`", e.PrimaryKey)
}

// DatabaseError wraps any database failure that is not classified more
// precisely.
type DatabaseError struct {
	Err error
}

func (e *DatabaseError) Error() string { return "database error: " + e.Err.Error() }
func (e *DatabaseError) Unwrap() error { return e.Err }

// InvalidArgumentsError reports malformed arguments outside query
// validation, e.g. a non-object create value.
type InvalidArgumentsError struct {
	Message string
}

func (e *InvalidArgumentsError) Error() string { return e.Message }

// CRUDInvalidModelType reports a query whose type is absent from the schema.
type CRUDInvalidModelType struct {
	Type string
}

func (e *CRUDInvalidModelType) Error() string {
	return fmt.Sprintf("the %q model type is not supported - it is not part of the schema", e.Type)
}

// CRUDInvalidParams reports a structurally invalid query.
type CRUDInvalidParams struct {
	Message string
}

func (e *CRUDInvalidParams) Error() string { return e.Message }

// CRUDInvalidOperation reports an unsupported action.
type CRUDInvalidOperation struct {
	Action string
}

func (e *CRUDInvalidOperation) Error() string {
	return fmt.Sprintf("invalid operation %q", e.Action)
}

// FieldError is one accumulated model-validation failure.
type FieldError struct {
	Model   string `json:"model"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// CRUDValidationError aggregates field validation failures for one record.
type CRUDValidationError struct {
	Model       string
	Field       string
	FieldErrors []FieldError
}

func (e *CRUDValidationError) Error() string {
	if len(e.FieldErrors) == 1 {
		fe := e.FieldErrors[0]
		return fmt.Sprintf("validation of %s.%s failed: %s", fe.Model, fe.Field, fe.Message)
	}
	return fmt.Sprintf("validation of model %s failed with %d field errors", e.Model, len(e.FieldErrors))
}

// Access filter stages.
const (
	BlockedPre  = "pre"
	BlockedPost = "post"
)

// CRUDBlockedError reports an invocation or subscription rejected by an
// access filter.
type CRUDBlockedError struct {
	Type    string // BlockedPre or BlockedPost
	Message string
}

func (e *CRUDBlockedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("access to the resource was blocked by a %s filter", e.Type)
}

// CRUDPublishNotAllowedError reports a client publish attempt on a crud
// channel; clients may never publish onto those directly.
type CRUDPublishNotAllowedError struct {
	Channel string
}

func (e *CRUDPublishNotAllowedError) Error() string {
	return fmt.Sprintf("cannot publish to the reserved channel %q", e.Channel)
}

// FailedToSubscribeToResourceChannel reports that the engine could not
// subscribe to a resource channel while serving a read; buffered readers are
// rejected with it so the next read retries.
type FailedToSubscribeToResourceChannel struct {
	Channel string
	Err     error
}

func (e *FailedToSubscribeToResourceChannel) Error() string {
	return fmt.Sprintf("failed to subscribe to resource channel %q: %v", e.Channel, e.Err)
}

func (e *FailedToSubscribeToResourceChannel) Unwrap() error { return e.Err }
