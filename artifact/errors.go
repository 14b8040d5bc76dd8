package artifact

import (
	"fmt"

	"waifubot/core"
)

// Error reports a failure creating, writing or deleting an artifact.
type Error struct {
	Op  string
	ID  uint64
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("artifact %d: %s: %v", e.ID, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Category() core.ErrorCategory { return core.CategoryArtifact }

// InvalidStateError is returned when a transition is not allowed from the
// handle's current state, including MarkReady after a reported synthesis
// failure.
type InvalidStateError struct {
	ID     uint64
	From   State
	To     State
	Reason string
}

func (e *InvalidStateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("artifact %d: cannot move from %s to %s: %s", e.ID, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("artifact %d: cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *InvalidStateError) Category() core.ErrorCategory { return core.CategoryInternalLogic }
