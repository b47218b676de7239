package mypp

import (
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

// Sentinel errors classifying everything a mypp call can fail with. Server
// failures (the first four) are reported as a *ServerError wrapping the
// matching sentinel, so callers can branch with errors.Is and still reach
// the server diagnostics with errors.As.
var (
	ErrConnection = errors.New("mypp: connection failed")
	ErrPrepare    = errors.New("mypp: statement prepare failed")
	ErrExecute    = errors.New("mypp: statement execute failed")
	ErrQuery      = errors.New("mypp: statement query failed")

	// ErrState marks a local precondition violation: an operation invoked
	// in a state that forbids it, or with an out-of-range parameter index.
	ErrState = errors.New("mypp: operation not allowed")

	ErrColumnNotFound  = errors.New("mypp: column not in result set")
	ErrTypeMismatch    = errors.New("mypp: column type mismatch")
	ErrNullValue       = errors.New("mypp: value is null")
	ErrUnsupportedType = errors.New("mypp: unsupported column type")

	// ErrTruncated reports protocol truncation despite buffers sized from
	// the result set itself. It indicates a sizing bug in the engine, never
	// bad caller input, and no partial data is ever handed out with it.
	ErrTruncated = errors.New("mypp: result data truncated")

	ErrURLFormat = errors.New("mypp: malformed connection URL")
)

// ServerError carries the diagnostics the server attached to a failed
// handshake, prepare, execute or query.
type ServerError struct {
	// Number is the server's numeric error code, 0 if the failure happened
	// before the server could answer (e.g. a dial error).
	Number uint16
	// SQLState is the five-character SQL state, empty if unavailable.
	SQLState string
	// Message is the server-reported (or transport-level) message.
	Message string

	kind  error
	cause error
}

func (e *ServerError) Error() string {
	if e.Number == 0 {
		return fmt.Sprintf("%s: %s", e.kind, e.Message)
	}
	return fmt.Sprintf("%s: %d (%s): %s", e.kind, e.Number, e.SQLState, e.Message)
}

// Unwrap exposes both the taxonomy sentinel and the driver-level cause.
func (e *ServerError) Unwrap() []error {
	return []error{e.kind, e.cause}
}

// serverErr wraps a driver error as a ServerError classified under kind.
// Returns nil for a nil err so call sites can wrap unconditionally.
func serverErr(kind error, err error) error {
	if err == nil {
		return nil
	}
	se := &ServerError{kind: kind, cause: err, Message: err.Error()}
	var my *mysql.MySQLError
	if errors.As(err, &my) {
		se.Number = my.Number
		se.SQLState = string(my.SQLState[:])
		se.Message = my.Message
	}
	return se
}

// stateErr reports op being called while the statement or connection is in
// a state that forbids it.
func stateErr(op, state string) error {
	return fmt.Errorf("%w: %s in state %s", ErrState, op, state)
}
