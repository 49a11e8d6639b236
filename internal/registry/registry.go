package registry

import (
	"context"
	"fmt"
)

// Errors shared by all registry backends.
var (
	ErrRecordNotFound    = &Error{Code: "NOT_FOUND", Message: "server record not found"}
	ErrDuplicateID       = &Error{Code: "DUPLICATE_ID", Message: "server record id already exists"}
	ErrPortConflict      = &Error{Code: "PORT_CONFLICT", Message: "an active record already holds this port in the owner scope"}
	ErrInvalidTransition = &Error{Code: "INVALID_TRANSITION", Message: "status transition not allowed"}
)

// Error is a typed registry error, following the code+message shape used
// across the storage layer.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches registry errors by code so wrapped values still compare
// equal to the sentinels above under errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func wrapErr(sentinel *Error, err error) error {
	if err == nil {
		return sentinel
	}
	return &Error{Code: sentinel.Code, Message: sentinel.Message, Err: err}
}

// Registry stores one record per server instance. It is the persistence
// boundary of the lifecycle manager: writes are best-effort mirrors of
// process-level reality, and a failed write must never be treated as a
// failed process operation by callers.
//
// Implementations must be safe for concurrent use. Insert must reject a
// second active record holding the same (owner, port) pair so that the
// allocate-then-reserve sequence stays atomic even across processes.
type Registry interface {
	// Insert stores a new record. Fails with ErrDuplicateID or
	// ErrPortConflict.
	Insert(ctx context.Context, rec *ServerRecord) error

	// Update applies a partial update. Status changes are validated
	// against the state machine and fail with ErrInvalidTransition.
	Update(ctx context.Context, id string, upd Update) error

	// Get returns the record with the given id within the owner scope.
	Get(ctx context.Context, id, owner string) (*ServerRecord, error)

	// ListByStatus returns all records with the given status. A non-empty
	// owner restricts the result to that scope; the empty string selects
	// shared-scope records.
	ListByStatus(ctx context.Context, status Status, owner string) ([]*ServerRecord, error)

	// ListAllByStatus returns records with the given status across every
	// owner scope. Used by the zombie reconciler at startup.
	ListAllByStatus(ctx context.Context, status Status) ([]*ServerRecord, error)

	Close() error
}

// portActive reports whether an existing record blocks a new one from
// taking its port. Port 0 marks externally hosted servers and never
// conflicts.
func portActive(rec *ServerRecord) bool {
	return rec.Port != 0 && (rec.Status == StatusStarting || rec.Status == StatusRunning)
}

func validateInsert(rec *ServerRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("record id cannot be empty")
	}
	if !rec.EngineType.Valid() {
		return fmt.Errorf("unknown engine type %q", rec.EngineType)
	}
	if rec.Status == "" {
		return fmt.Errorf("record status cannot be empty")
	}
	return nil
}
