package tools

import (
	"errors"
	"fmt"
)

// Registration errors.
var (
	ErrEmptyName     = errors.New("tool name is empty")
	ErrDuplicateTool = errors.New("tool already registered")
)

// ArgumentError reports arguments that do not satisfy a tool's schema.
type ArgumentError struct {
	Field  string
	Reason string
}

func (e *ArgumentError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid arguments: %s", e.Reason)
	}
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Reason)
}
