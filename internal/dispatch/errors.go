package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Match with errors.Is(err, ErrNotFound) and so on.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrDriverUnavailable = errors.New("driver unavailable")
	ErrAlreadyRated      = errors.New("already rated")
)

// Error carries enough context to render a user-facing message: which
// operation failed, on which entity, and the lifecycle state involved.
type Error struct {
	Kind   error
	Op     string
	Entity string // "request" or "driver"
	ID     string
	State  string // current state, when relevant
	Target string // attempted state, when relevant
	Msg    string
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Entity != "" {
		fmt.Fprintf(&b, " (%s %s)", e.Entity, e.ID)
	}
	if e.State != "" && e.Target != "" {
		fmt.Fprintf(&b, ": %s -> %s", e.State, e.Target)
	} else if e.State != "" {
		fmt.Fprintf(&b, ": status %s", e.State)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Kind }

func validationErr(op, msg string) error {
	return &Error{Kind: ErrValidation, Op: op, Msg: msg}
}

func notFound(op, entity, id string) error {
	return &Error{Kind: ErrNotFound, Op: op, Entity: entity, ID: id}
}

func invalidState(op, id string, from, to any, msg string) error {
	e := &Error{Kind: ErrInvalidState, Op: op, Entity: "request", ID: id, State: fmt.Sprint(from), Msg: msg}
	if to != nil {
		e.Target = fmt.Sprint(to)
	}
	return e
}

// KindOf returns the sentinel kind of err, or nil for errors outside the taxonomy.
func KindOf(err error) error {
	for _, k := range []error{ErrValidation, ErrNotFound, ErrInvalidState, ErrDriverUnavailable, ErrAlreadyRated} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
