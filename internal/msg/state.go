package msg

import (
	"fmt"
	"slices"
)

// State represents a message's position in its delivery lifecycle.
type State string

const (
	Created    State = "created"
	Encrypting State = "encrypting"
	Queued     State = "queued"
	Sending    State = "sending"
	Sent       State = "sent"
	Pending    State = "pending"
	Retracted  State = "retracted"
)

// Status is the coarse persisted delivery status. A message is delivered
// exactly when its status transitions to StatusSent; that transition is
// monotonic except for an explicit resend.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
)

// validTransitions defines allowed lifecycle transitions. Sending re-enters
// from Pending on each retry; Sent and Retracted are terminal except the
// explicit resend edge (Sent -> Pending).
var validTransitions = map[State][]State{
	Created:    {Encrypting},
	Encrypting: {Queued},
	Queued:     {Sending},
	Sending:    {Sent, Pending},
	Pending:    {Sending, Retracted},
	Sent:       {Retracted, Pending},
	Retracted:  {},
}

// Valid reports whether the transition from one state to another is allowed.
func Valid(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// Transition returns to if the move is legal, or an error naming the illegal
// edge. Callers persist the resulting state so a restart resumes from the
// last recorded position.
func Transition(from, to State) (State, error) {
	if !Valid(from, to) {
		return from, fmt.Errorf("invalid message transition from %s to %s", from, to)
	}
	return to, nil
}

// StatusOf maps a lifecycle state onto the persisted coarse status.
func StatusOf(s State) Status {
	if s == Sent {
		return StatusSent
	}
	return StatusPending
}
