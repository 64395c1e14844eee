package agent

import (
	"errors"
	"fmt"
)

// ErrMaxRounds ends a turn whose model kept requesting tools past the
// configured round limit.
var ErrMaxRounds = errors.New("turn exceeded maximum model rounds")

// ErrNotOwner ends a turn addressed to a session another user owns.
var ErrNotOwner = errors.New("session belongs to another user")

// Stages reported by TurnError.
const (
	StageModel   = "model"
	StagePersist = "persist"
)

// TurnError is a turn failure that is not the tools' fault: the model
// could not be reached, or history could not be read or written.
type TurnError struct {
	Stage     string
	SessionID string
	Err       error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("session %s: %s: %v", e.SessionID, e.Stage, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }
