package aggregate

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalState is returned when a command does not fit the aggregate's
	// life cycle: modifying before creation, creating twice, or touching a
	// deleted aggregate.
	ErrIllegalState = errors.New("illegal aggregate state")
	ErrNotFound     = errors.New("aggregate not found")
)

// Event is a fact produced by an aggregate. Implementations are pointer
// types so that a Codec can decode into them.
type Event interface {
	EventName() string
}

// Versioned is implemented by events whose schema has moved past version 1
type Versioned interface {
	EventVersion() int
}

// EventVersionOf returns the schema version of e, 1 unless e says otherwise
func EventVersionOf(e Event) int {
	if v, ok := e.(Versioned); ok {
		return v.EventVersion()
	}
	return 1
}

// Command is a request to change an aggregate
type Command interface {
	CommandName() string
}

// Creator marks commands that bring an aggregate into existence
type Creator interface {
	Command
	CreatesAggregate()
}

// Lifecycle is implemented by every aggregate state
type Lifecycle interface {
	Exists() bool
	IsDeleted() bool
}

// Definition is the pure, I/O free part of an aggregate type.
//
// ApplyCommand validates cmd against state and returns the resulting event,
// or nil when the command changes nothing. ApplyEvent must handle every
// event its Codec knows and call UnknownEvent otherwise.
type Definition[S Lifecycle] interface {
	Type() string
	New(id string) S
	Codec() *Codec
	ApplyCommand(state S, cmd Command, agent Agent) (Event, error)
	ApplyEvent(state S, evt Event, meta EventMetadata) S
}

// Anonymizer is optionally implemented by a Definition to redact personal
// data before history is collapsed.
type Anonymizer[S Lifecycle] interface {
	Anonymize(state S) S
}

// Guard enforces the life cycle rules shared by all aggregates
func Guard(state Lifecycle, cmd Command) error {
	_, creates := cmd.(Creator)
	switch {
	case state.IsDeleted():
		return fmt.Errorf("%w: %s on deleted aggregate", ErrIllegalState, cmd.CommandName())
	case creates && state.Exists():
		return fmt.Errorf("%w: %s on existing aggregate", ErrIllegalState, cmd.CommandName())
	case !creates && !state.Exists():
		return fmt.Errorf("%w: %s before creation", ErrIllegalState, cmd.CommandName())
	}
	return nil
}

// UnknownEvent panics. An event reaching ApplyEvent without a matching case
// means the definition and its codec are out of sync.
func UnknownEvent(aggregateType string, evt Event) {
	panic(fmt.Sprintf("aggregate %s: unhandled event %T (%s)", aggregateType, evt, evt.EventName()))
}

// UnknownCommand panics for the same reason as UnknownEvent
func UnknownCommand(aggregateType string, cmd Command) {
	panic(fmt.Sprintf("aggregate %s: unhandled command %T (%s)", aggregateType, cmd, cmd.CommandName()))
}
