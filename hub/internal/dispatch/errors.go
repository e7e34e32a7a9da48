package dispatch

import (
	"errors"
	"fmt"

	"github.com/mattmo0re/viveye/hub/internal/store"
)

var (
	ErrUnknownAgent          = errors.New("unknown agent")
	ErrUnknownCommand        = errors.New("unknown command")
	ErrTargetOffline         = errors.New("target agent is offline")
	ErrTargetInactive        = errors.New("target agent is inactive")
	ErrUnsupportedCapability = errors.New("target agent does not support this command type")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrRetryLimitExceeded    = errors.New("retry limit exceeded")
	ErrDuplicateResult       = errors.New("result for unknown or finished command")
	ErrForeignResult         = errors.New("result reported by an agent that does not own the command")
	ErrInvalidCommand        = errors.New("invalid command")
)

// TransitionError reports a status change the state machine does not allow.
type TransitionError struct {
	CommandID string
	From      store.CommandStatus
	To        store.CommandStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("command %s: cannot move from %s to %s", e.CommandID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
